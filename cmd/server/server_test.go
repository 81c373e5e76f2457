package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/homophily/internal/config"
	"github.com/soaringjerry/homophily/internal/logger"
)

// fakeUpstream answers every chat completion with a two-fragment stream.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Sounds ", "good"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "data", "study.db")
	cfg.Provider.BaseURL = upstream
	cfg.Provider.APIKey = "sk-test"
	cfg.Auth.AdminSecret = "admin-pass"
	cfg.Study.MessagesRequired = 1
	return cfg
}

type client struct {
	t    *testing.T
	base string
}

func (c client) call(method, path, token string, body any) (int, []byte) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, raw
}

func TestServerJourneyOnSQLite(t *testing.T) {
	ctx := context.Background()
	log := logger.Nop()
	cfg := testConfig(t, fakeUpstream(t).URL)
	cfg.Storage.LegacyCSVDir = writeLegacy(t, map[string]string{legacyParticipantsFile: legacyParticipants})

	store, ping, closeStore, fresh, err := openStore(ctx, cfg.Storage, log)
	require.NoError(t, err)
	require.True(t, fresh)
	stats, err := ImportLegacyCSV(ctx, cfg.Storage.LegacyCSVDir, store, cfg.Study, log)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Imported)

	handler, err := newHandler(cfg, store, ping, log)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()
	c := client{t: t, base: srv.URL}

	code, raw := c.call(http.MethodPost, "/api/start", "", nil)
	require.Equal(t, http.StatusCreated, code, string(raw))
	var started struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(raw, &started))
	tok := started.Token

	code, raw = c.call(http.MethodPost, "/api/advance", tok, map[string]any{"phase": "profile"})
	require.Equal(t, http.StatusOK, code, string(raw))
	code, raw = c.call(http.MethodPost, "/api/profile", tok, map[string]any{"profile": map[string]int{
		"tipi_1": 5, "tipi_2": 3, "tipi_3": 5, "tipi_4": 3, "tipi_5": 6,
		"tipi_6": 3, "tipi_7": 5, "tipi_8": 3, "tipi_9": 5, "tipi_10": 2,
	}})
	require.Equal(t, http.StatusOK, code, string(raw))
	code, raw = c.call(http.MethodPost, "/api/advance", tok, map[string]any{"phase": "chat1"})
	require.Equal(t, http.StatusOK, code, string(raw))

	code, raw = c.call(http.MethodPost, "/api/chat", tok, map[string]any{"phase": 1, "message": "hello"})
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Contains(t, string(raw), "Sounds good")

	code, raw = c.call(http.MethodGet, "/admin/data/participants.csv", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code, string(raw))
	code, raw = c.call(http.MethodGet, "/admin/data/participants.csv?secret=admin-pass", "", nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5, "header, three imported, one new")
	ids := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		ids = append(ids, row[0])
	}
	assert.Subset(t, ids, []string{"p-done", "p-mid", "p-new"})

	code, _ = c.call(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)

	closeStore()

	// A second start on the same file must not import again.
	_, _, closeAgain, fresh, err := openStore(ctx, cfg.Storage, log)
	require.NoError(t, err)
	defer closeAgain()
	assert.False(t, fresh)
}

func TestOpenStoreInMemory(t *testing.T) {
	store, ping, closeStore, fresh, err := openStore(context.Background(), config.StorageConfig{}, logger.Nop())
	require.NoError(t, err)
	defer closeStore()
	assert.NotNil(t, store)
	assert.Nil(t, ping)
	assert.True(t, fresh)
}
