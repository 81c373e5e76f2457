package api

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/soaringjerry/homophily/internal/logger"
)

// Frontend serves the participant UI: static files from staticDir when set (unknown paths fall back
// to index.html), otherwise a reverse proxy to devURL. It returns nil when neither is configured.
func Frontend(staticDir, devURL string, log *logger.Logger) http.Handler {
	if staticDir != "" {
		files := http.FileServer(http.Dir(staticDir))
		index := filepath.Join(staticDir, "index.html")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clean := path.Clean("/" + r.URL.Path)
			if _, err := os.Stat(filepath.Join(staticDir, filepath.FromSlash(clean))); err != nil && path.Ext(clean) == "" {
				http.ServeFile(w, r, index)
				return
			}
			files.ServeHTTP(w, r)
		})
	}
	if devURL != "" {
		u, err := url.Parse(devURL)
		if err != nil {
			log.Warn("invalid dev frontend url", "url", devURL, "error", err)
			return nil
		}
		rp := httputil.NewSingleHostReverseProxy(u)
		rp.ModifyResponse = func(res *http.Response) error {
			res.Header.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			return nil
		}
		return rp
	}
	return nil
}
