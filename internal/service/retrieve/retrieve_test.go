package retrieve_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/localembed"
	"github.com/wisp-mcp/wisp/internal/adapter/ristretto"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/service/index"
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

func seedTool(t *testing.T, store *sqlite.Store, server, toolName, description string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertServer(ctx, &wisp.Server{Name: server, Status: "active"}); err != nil {
		t.Fatalf("upsert server %s: %v", server, err)
	}
	if err := store.ReplaceServerTools(ctx, server,
		[]wisp.Tool{{ServerName: server, ToolName: toolName, Title: toolName, Description: description, InputSchema: "{}"}},
		nil, nil, nil,
	); err != nil {
		t.Fatalf("seed tool %s/%s: %v", server, toolName, err)
	}
}

func testCfg() config.Retrieval {
	return config.Retrieval{
		DefaultLimit:    20,
		MaxLimit:        100,
		CandidateWindow: 200,
		// Below KeywordWeight: most tests here run without an embedder, so a
		// keyword hit's relevance is at most 0.3, which a floor of 0.3 drops.
		RelevanceFloor:  0.2,
		SemanticWeight:  0.7,
		KeywordWeight:   0.3,
		RelevanceWeight: 0.8,
		QualityWeight:   0.2,
	}
}

func TestRetriever_KeywordOnlyNoEmbedder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedTool(t, store, "acme/widget-server", "make_widget", "Creates a shiny widget")

	b := index.New(store, nil, discardLogger())
	if err := b.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild index: %v", err)
	}

	r := retrieve.New(store, nil, nil, testCfg())
	resp, err := r.Retrieve(ctx, "widget", 1, 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	if resp.Results[0].Name != "make_widget" {
		t.Fatalf("expected make_widget, got %s", resp.Results[0].Name)
	}
	if resp.Results[0].Relevance <= 0 {
		t.Fatalf("expected positive relevance, got %v", resp.Results[0].Relevance)
	}
}

func TestRetriever_RelevanceFloorDropsNoMatch(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedTool(t, store, "acme/widget-server", "make_widget", "Creates a shiny widget")

	b := index.New(store, nil, discardLogger())
	if err := b.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild index: %v", err)
	}

	r := retrieve.New(store, nil, nil, testCfg())
	resp, err := r.Retrieve(ctx, "completely unrelated gizmo query", 1, 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("expected 0 results for an unmatched query, got %d", len(resp.Results))
	}
}

func TestRetriever_QualityBlendsIntoScore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedTool(t, store, "acme/low-server", "make_widget", "Creates a shiny widget")
	seedTool(t, store, "acme/high-server", "make_widget", "Creates a shiny widget")

	if err := store.UpsertMarketRanking(ctx, &wisp.MarketRanking{ServerName: "acme/low-server"}); err != nil {
		t.Fatalf("upsert low ranking: %v", err)
	}
	if err := store.UpsertMarketRanking(ctx, &wisp.MarketRanking{ServerName: "acme/high-server", TotalScore: 1.0}); err != nil {
		t.Fatalf("upsert high ranking: %v", err)
	}

	b := index.New(store, nil, discardLogger())
	if err := b.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild index: %v", err)
	}

	r := retrieve.New(store, nil, nil, testCfg())
	resp, err := r.Retrieve(ctx, "widget", 1, 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Server.Name != "acme/high-server" {
		t.Fatalf("expected high-quality server ranked first, got %s", resp.Results[0].Server.Name)
	}
	if resp.Results[0].Score <= resp.Results[1].Score {
		t.Fatalf("expected higher-quality result to score higher: %v vs %v", resp.Results[0].Score, resp.Results[1].Score)
	}
}

func TestRetriever_Pagination(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedTool(t, store, serverName(i), "make_widget", "Creates a shiny widget")
	}

	b := index.New(store, nil, discardLogger())
	if err := b.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild index: %v", err)
	}

	r := retrieve.New(store, nil, nil, testCfg())

	page1, err := r.Retrieve(ctx, "widget", 1, 2)
	if err != nil {
		t.Fatalf("retrieve page 1: %v", err)
	}
	if page1.TotalCandidates != 5 {
		t.Fatalf("expected 5 total candidates, got %d", page1.TotalCandidates)
	}
	if len(page1.Results) != 2 {
		t.Fatalf("expected 2 results on page 1, got %d", len(page1.Results))
	}

	page3, err := r.Retrieve(ctx, "widget", 3, 2)
	if err != nil {
		t.Fatalf("retrieve page 3: %v", err)
	}
	if len(page3.Results) != 1 {
		t.Fatalf("expected 1 result on page 3 (5 total, limit 2), got %d", len(page3.Results))
	}

	pastEnd, err := r.Retrieve(ctx, "widget", 10, 2)
	if err != nil {
		t.Fatalf("retrieve page past end: %v", err)
	}
	if len(pastEnd.Results) != 0 {
		t.Fatalf("expected 0 results past the end, got %d", len(pastEnd.Results))
	}
}

func TestRetriever_QueryEmbeddingCacheServesRepeatedQuery(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedTool(t, store, "acme/widget-server", "make_widget", "Creates a shiny widget")

	b := index.New(store, localembed.New(32, discardLogger()), discardLogger())
	if err := b.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild index: %v", err)
	}
	if err := b.UpdateEmbeddings(ctx); err != nil {
		if strings.Contains(err.Error(), "vector extension not available") {
			t.Skip("sqlite-vec extension not available in this test environment")
		}
		t.Fatalf("update embeddings: %v", err)
	}

	cache, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Close)

	r := retrieve.New(store, localembed.New(32, discardLogger()), cache, testCfg())

	first, err := r.Retrieve(ctx, "widget", 1, 10)
	if err != nil {
		t.Fatalf("retrieve (cold): %v", err)
	}
	second, err := r.Retrieve(ctx, "widget", 1, 10)
	if err != nil {
		t.Fatalf("retrieve (warm): %v", err)
	}
	if len(first.Results) != len(second.Results) {
		t.Fatalf("expected cached query to return the same result count: %d vs %d", len(first.Results), len(second.Results))
	}
	if len(first.Results) > 0 && first.Results[0].Score != second.Results[0].Score {
		t.Fatalf("expected cached query's top score to match: %v vs %v", first.Results[0].Score, second.Results[0].Score)
	}
}

func serverName(i int) string {
	names := []string{"acme/a-server", "acme/b-server", "acme/c-server", "acme/d-server", "acme/e-server"}
	return names[i]
}
