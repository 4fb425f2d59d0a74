package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	wisphttp "github.com/wisp-mcp/wisp/internal/adapter/http"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/service/gateway"
	"github.com/wisp-mcp/wisp/internal/service/retrieve"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func setupStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wisp-test.db")

	db, err := sqlite.Open(config.Store{Path: path, BusyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return sqlite.NewStore(db)
}

func testCfg() config.Retrieval {
	return config.Retrieval{
		DefaultLimit:    20,
		MaxLimit:        100,
		CandidateWindow: 200,
		RelevanceFloor:  0.3,
		SemanticWeight:  0.7,
		KeywordWeight:   0.3,
		RelevanceWeight: 0.8,
		QualityWeight:   0.2,
	}
}

func newRouter(t *testing.T, store *sqlite.Store) *chi.Mux {
	t.Helper()
	h := &wisphttp.Handlers{
		Store:     store,
		Retriever: retrieve.New(store, nil, nil, testCfg()),
		Gateway:   gateway.New(store, discardLogger(), config.Gateway{CallTimeout: time.Second}),
		Tokens:    config.Tokens{Path: filepath.Join(t.TempDir(), "nonexistent.tokens")},
	}
	r := chi.NewRouter()
	wisphttp.MountRoutes(r, h)
	return r
}

func TestHandlers_Health(t *testing.T) {
	r := newRouter(t, setupStore(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %q", body["status"])
	}
}

func TestHandlers_KeysMissingFileReturnsEmptyList(t *testing.T) {
	r := newRouter(t, setupStore(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/keys", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		AvailableKeys []string `json:"available_keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.AvailableKeys) != 0 {
		t.Fatalf("expected no keys, got %v", body.AvailableKeys)
	}
}

func TestHandlers_KeysParsesTokensFile(t *testing.T) {
	store := setupStore(t)
	path := filepath.Join(t.TempDir(), "tokens")
	content := "# a comment\n\nreal-key-one\n  real-key-two  \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write tokens file: %v", err)
	}

	h := &wisphttp.Handlers{
		Store:     store,
		Retriever: retrieve.New(store, nil, nil, testCfg()),
		Gateway:   gateway.New(store, discardLogger(), config.Gateway{CallTimeout: time.Second}),
		Tokens:    config.Tokens{Path: path},
	}
	r := chi.NewRouter()
	wisphttp.MountRoutes(r, h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/keys", nil))

	var body struct {
		AvailableKeys []string `json:"available_keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.AvailableKeys) != 2 || body.AvailableKeys[0] != "real-key-one" || body.AvailableKeys[1] != "real-key-two" {
		t.Fatalf("expected [real-key-one real-key-two], got %v", body.AvailableKeys)
	}
}

func TestHandlers_SearchRejectsOutOfRangeLimit(t *testing.T) {
	r := newRouter(t, setupStore(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search?query=widget&limit=0", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid limit, got %d", rec.Code)
	}
}

func TestHandlers_ServerToolsUnknownServerReturns404(t *testing.T) {
	r := newRouter(t, setupStore(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/servers/acme/nonexistent/tools", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown server, got %d", rec.Code)
	}
}

func TestHandlers_ServerToolsListsNames(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.UpsertServer(ctx, &wisp.Server{Name: "acme/widget-server", Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}
	if err := store.ReplaceServerTools(ctx, "acme/widget-server",
		[]wisp.Tool{{ServerName: "acme/widget-server", ToolName: "make_widget", Title: "Make Widget", InputSchema: "{}"}},
		nil, nil, nil,
	); err != nil {
		t.Fatalf("replace server tools: %v", err)
	}

	r := newRouter(t, store)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/servers/acme/widget-server/tools", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Server string   `json:"server"`
		Tools  []string `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Server != "acme/widget-server" || len(body.Tools) != 1 || body.Tools[0] != "make_widget" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHandlers_CallMissingFieldsReturns400(t *testing.T) {
	r := newRouter(t, setupStore(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/call", jsonBody(t, map[string]any{"tool_name": "foo"}))
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing server_name, got %d", rec.Code)
	}
}

func TestHandlers_CallUnknownServerReturns404(t *testing.T) {
	r := newRouter(t, setupStore(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/call", jsonBody(t, map[string]any{
		"server_name": "acme/nonexistent",
		"tool_name":   "make_widget",
		"arguments":   map[string]any{},
	}))
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown server, got %d: %s", rec.Code, rec.Body.String())
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	return bytes.NewReader(b)
}
