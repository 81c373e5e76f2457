package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/soaringjerry/homophily/internal/logger"
)

// Recover turns a handler panic into a 500 response.
func Recover(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Error("handler panic", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
				WriteError(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
