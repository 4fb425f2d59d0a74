package backlink_test

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/fetch"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/service/backlink"
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

// TestScorer_SelfReferenceExcluded reproduces spec.md's worked example:
// server "owner/x" with repository URL github.com/owner/x, a config
// reference sample containing both the self-repo and one external repo.
// The self-reference must be dropped, leaving exactly one tier1 edge.
func TestScorer_SelfReferenceExcluded(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.UpsertServer(ctx, &wisp.Server{
		Name:          "owner/x",
		Status:        "active",
		RepositoryURL: "https://github.com/owner/x",
	}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}
	if err := store.UpsertConfigReference(ctx, &wisp.ConfigReference{
		ServerName:     "owner/x",
		ConfigType:     "claude_desktop_config.json",
		ReferenceCount: 2,
		SampleRepos:    []string{"owner/x", "other/repo"},
		EnrichedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("seed config reference: %v", err)
	}

	now := time.Now()
	if err := store.UpsertBacklinkEdge(ctx, &wisp.BacklinkEdge{
		ServerName:     wisp.CacheServerName,
		ReferencerRepo: "other/repo",
		Tier:           wisp.TierMetadataCache,
		RepoStars:      1,
		RepoPushedAt:   now,
		IsArchived:     false,
		IsFork:         false,
	}); err != nil {
		t.Fatalf("seed metadata cache: %v", err)
	}

	sc := backlink.New(store, fetch.New(nil), discardLogger(), config.Backlink{MetadataFanout: 10}, config.Fetcher{Timeout: 5 * time.Second, MaxRetries: 1}, "", config.Breaker{MaxFailures: 5, Timeout: 30 * time.Second})
	if err := sc.Run(ctx); err != nil {
		t.Fatalf("run backlink scorer: %v", err)
	}

	edges, err := store.ListEdgesForServer(ctx, "owner/x")
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected exactly one tier1 edge (self-reference dropped), got %d", len(edges))
	}
	if edges[0].ReferencerRepo != "other/repo" {
		t.Fatalf("unexpected referencer repo: %s", edges[0].ReferencerRepo)
	}

	wantScore := 1.0 * (1 + math.Log1p(1)) * 1 * 1
	if math.Abs(edges[0].EdgeScore-wantScore) > 0.01 {
		t.Fatalf("edge_score = %v, want ~%v", edges[0].EdgeScore, wantScore)
	}

	score, err := store.GetBacklinkScore(ctx, "owner/x")
	if err != nil {
		t.Fatalf("get backlink score: %v", err)
	}
	if score.UniqueRepos != 1 {
		t.Fatalf("unique_repos = %d, want 1", score.UniqueRepos)
	}
	if score.RawScore <= 0 {
		t.Fatalf("expected positive raw_score, got %v", score.RawScore)
	}
	if score.NormalizedScore <= 0 || score.NormalizedScore > 1 {
		t.Fatalf("normalized_score out of bounds: %v", score.NormalizedScore)
	}
}

// TestScorer_ZeroSignalsYieldsZeroScore covers a server with no config
// references and no dependency signals: raw and normalized score stay 0.
func TestScorer_ZeroSignalsYieldsZeroScore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.UpsertServer(ctx, &wisp.Server{Name: "acme/quiet-server", Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}

	sc := backlink.New(store, fetch.New(nil), discardLogger(), config.Backlink{MetadataFanout: 10}, config.Fetcher{Timeout: 5 * time.Second, MaxRetries: 1}, "", config.Breaker{MaxFailures: 5, Timeout: 30 * time.Second})
	if err := sc.Run(ctx); err != nil {
		t.Fatalf("run backlink scorer: %v", err)
	}

	score, err := store.GetBacklinkScore(ctx, "acme/quiet-server")
	if err != nil {
		t.Fatalf("get backlink score: %v", err)
	}
	if score.RawScore != 0 || score.NormalizedScore != 0 {
		t.Fatalf("expected zero score for a server with no signals, got %+v", score)
	}
}
