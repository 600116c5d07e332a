package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"boardSync/internal/app"
	"boardSync/internal/config"
	"boardSync/internal/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func do(t *testing.T, h http.Handler, method, path, body string, user bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user {
		req.Header.Set(middleware.HeaderUserID, "olga")
		req.Header.Set(middleware.HeaderUserEmail, "olga@example.com")
		req.Header.Set(middleware.HeaderUserName, "Olga")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// TestApp_InitInMemory тестирует сборку приложения на хранилище в памяти
func TestApp_InitInMemory(t *testing.T) {
	a := app.New(newConfig(t))
	require.NoError(t, a.Init(context.Background()))
	defer a.Shutdown()

	router := a.Router()

	rr := do(t, router, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = do(t, router, http.MethodGet, "/boards/", "", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, router, http.MethodPost, "/boards/", `{"name":"Release"}`, true)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "Release", created.Name)

	rr = do(t, router, http.MethodGet, "/boards/"+created.ID+"/columns", "", true)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "In Progress")

	rr = do(t, router, http.MethodPatch, "/tasks", "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestApp_InitFailsOnUnreachableStore(t *testing.T) {
	cfg := newConfig(t)
	cfg.Repository.Type = config.RepositoryPostgres
	cfg.Database.URL = "invalid://"

	a := app.New(cfg)
	err := a.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
	a.Shutdown()
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := app.New(newConfig(t))
	require.NoError(t, a.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("приложение не остановилось")
	}
}
