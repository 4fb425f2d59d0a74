package enrich_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/fetch"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/service/enrich"
)

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestParseGitHubRepoURL(t *testing.T) {
	cases := []struct {
		url        string
		wantOwner  string
		wantRepo   string
		wantOK     bool
	}{
		{"https://github.com/acme/widget-server", "acme", "widget-server", true},
		{"https://github.com/acme/widget-server.git", "acme", "widget-server", true},
		{"https://github.com/acme/widget-server/", "acme", "widget-server", true},
		{"http://github.com/acme/widget-server", "acme", "widget-server", true},
		{"https://gitlab.com/acme/widget-server", "", "", false},
		{"not a url", "", "", false},
	}
	for _, c := range cases {
		owner, repo, ok := enrich.ParseGitHubRepoURL(c.url)
		if ok != c.wantOK || owner != c.wantOwner || repo != c.wantRepo {
			t.Errorf("ParseGitHubRepoURL(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.url, owner, repo, ok, c.wantOwner, c.wantRepo, c.wantOK)
		}
	}
}

func TestRunServiceCost_ClassifiesPaidServices(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.UpsertServer(ctx, &wisp.Server{Name: "acme/llm-proxy", Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}
	if err := store.ReplaceServerDependents(ctx, "acme/llm-proxy", nil, nil, nil, []wisp.EnvVar{
		{ServerName: "acme/llm-proxy", VarName: "OPENAI_API_KEY", IsSecret: true, IsRequired: true},
		{ServerName: "acme/llm-proxy", VarName: "LOG_LEVEL", IsSecret: false},
	}); err != nil {
		t.Fatalf("seed env vars: %v", err)
	}

	fetcher := fetch.New(nil)
	r := enrich.New(store, fetcher, discardLogger(), config.Enrichment{}, config.Fetcher{}, config.Breaker{MaxFailures: 5, Timeout: 30 * time.Second})
	if err := r.RunServiceCost(ctx); err != nil {
		t.Fatalf("run service cost: %v", err)
	}

	hint, err := store.GetServiceCostHint(ctx, "acme/llm-proxy")
	if err != nil {
		t.Fatalf("get service cost hint: %v", err)
	}
	if !hint.RequiresPaidService {
		t.Fatal("expected requires_paid_service=true for an OpenAI key")
	}
	if hint.FreeTierAvailable {
		t.Fatal("expected free_tier_available=false, OpenAI has no free tier")
	}
	if len(hint.PaidServices) != 1 || hint.PaidServices[0] != "OpenAI" {
		t.Fatalf("unexpected paid services: %+v", hint.PaidServices)
	}
}

func TestRunServiceCost_ZeroAuthServerHasNoPaidServices(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.UpsertServer(ctx, &wisp.Server{Name: "acme/zero-auth", Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}

	fetcher := fetch.New(nil)
	r := enrich.New(store, fetcher, discardLogger(), config.Enrichment{}, config.Fetcher{}, config.Breaker{MaxFailures: 5, Timeout: 30 * time.Second})
	if err := r.RunServiceCost(ctx); err != nil {
		t.Fatalf("run service cost: %v", err)
	}

	hint, err := store.GetServiceCostHint(ctx, "acme/zero-auth")
	if err != nil {
		t.Fatalf("get service cost hint: %v", err)
	}
	if hint.RequiresPaidService || len(hint.PaidServices) != 0 {
		t.Fatalf("expected no paid services, got %+v", hint)
	}
}
