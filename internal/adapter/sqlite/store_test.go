package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// setupStore opens a fresh SQLite database under a temp directory, runs
// migrations, and returns a ready-to-use Store. The underlying *sqlite.DB is
// closed via t.Cleanup.
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

func TestStore_ServerCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	srv := &wisp.Server{
		Name:          "acme/widget-server",
		Description:   "A widget server",
		Version:       "1.0.0",
		RepositoryURL: "https://github.com/acme/widget-server",
		Status:        "active",
	}
	if err := store.UpsertServer(ctx, srv); err != nil {
		t.Fatalf("upsert server: %v", err)
	}

	got, err := store.GetServer(ctx, srv.Name)
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if got.Description != srv.Description || got.Status != srv.Status {
		t.Fatalf("unexpected server: %+v", got)
	}

	srv.Description = "An updated widget server"
	if err := store.UpsertServer(ctx, srv); err != nil {
		t.Fatalf("re-upsert server: %v", err)
	}
	got, err = store.GetServer(ctx, srv.Name)
	if err != nil {
		t.Fatalf("get server after update: %v", err)
	}
	if got.Description != "An updated widget server" {
		t.Fatalf("expected updated description, got %q", got.Description)
	}

	if _, err := store.GetServer(ctx, "does/not-exist"); err == nil {
		t.Fatal("expected not-found error for missing server")
	}

	list, err := store.ListServers(ctx)
	if err != nil {
		t.Fatalf("list servers: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 server, got %d", len(list))
	}
}

func TestStore_ReplaceServerDependents(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	name := "acme/widget-server"
	if err := store.UpsertServer(ctx, &wisp.Server{Name: name, Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}

	packages := []wisp.Package{{ServerName: name, RegistryType: wisp.RegistryNPM, Identifier: "@acme/widget", TransportType: wisp.TransportStdio}}
	remotes := []wisp.Remote{{ServerName: name, TransportType: wisp.TransportSSE, URL: "https://widget.acme.dev/sse", Headers: map[string]string{"Authorization": "Bearer ${input:TOKEN}"}}}
	envVars := []wisp.EnvVar{{ServerName: name, VarName: "WIDGET_API_KEY", IsRequired: true, IsSecret: true}}

	if err := store.ReplaceServerDependents(ctx, name, packages, remotes, nil, envVars); err != nil {
		t.Fatalf("replace dependents: %v", err)
	}

	gotPackages, err := store.ListPackagesForServer(ctx, name)
	if err != nil {
		t.Fatalf("list packages: %v", err)
	}
	if len(gotPackages) != 1 || gotPackages[0].Identifier != "@acme/widget" {
		t.Fatalf("unexpected packages: %+v", gotPackages)
	}

	remote, err := store.GetRemote(ctx, name)
	if err != nil {
		t.Fatalf("get remote: %v", err)
	}
	if remote.Headers["Authorization"] != "Bearer ${input:TOKEN}" {
		t.Fatalf("unexpected remote headers: %+v", remote.Headers)
	}

	count, err := store.CountSecretEnvVars(ctx, name)
	if err != nil {
		t.Fatalf("count secret env vars: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 secret env var, got %d", count)
	}

	// Re-ingest with an empty set clears all prior dependents.
	if err := store.ReplaceServerDependents(ctx, name, nil, nil, nil, nil); err != nil {
		t.Fatalf("re-ingest clear: %v", err)
	}
	gotPackages, err = store.ListPackagesForServer(ctx, name)
	if err != nil {
		t.Fatalf("list packages after clear: %v", err)
	}
	if len(gotPackages) != 0 {
		t.Fatalf("expected no packages after clear, got %d", len(gotPackages))
	}
}

func TestStore_EnrichmentStatusRetryGating(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	name := "acme/widget-server"
	if err := store.UpsertServer(ctx, &wisp.Server{Name: name, Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}

	if err := store.UpsertEnrichmentStatus(ctx, &wisp.EnrichmentStatus{
		ServerName: name, EnrichmentType: sqlite.EnrichmentTypeGitHub, Status: wisp.EnrichmentTransientFailure, FailureReason: "timeout",
	}); err != nil {
		t.Fatalf("upsert transient failure: %v", err)
	}

	st, err := store.GetEnrichmentStatus(ctx, name, sqlite.EnrichmentTypeGitHub)
	if err != nil {
		t.Fatalf("get enrichment status: %v", err)
	}
	if st.RetryCount != 0 {
		t.Fatalf("expected retry_count 0 after first failure, got %d", st.RetryCount)
	}

	if err := store.UpsertEnrichmentStatus(ctx, &wisp.EnrichmentStatus{
		ServerName: name, EnrichmentType: sqlite.EnrichmentTypeGitHub, Status: wisp.EnrichmentPermanentFailure, FailureReason: "repo_not_found",
	}); err != nil {
		t.Fatalf("upsert permanent failure: %v", err)
	}

	failed, err := store.IsPermanentlyFailed(ctx, name, sqlite.EnrichmentTypeGitHub)
	if err != nil {
		t.Fatalf("is permanently failed: %v", err)
	}
	if !failed {
		t.Fatal("expected permanently failed after permanent_failure status")
	}

	if err := store.UpsertEnrichmentStatus(ctx, &wisp.EnrichmentStatus{
		ServerName: name, EnrichmentType: sqlite.EnrichmentTypeGitHub, Status: wisp.EnrichmentSuccess,
	}); err != nil {
		t.Fatalf("upsert success: %v", err)
	}
	st, err = store.GetEnrichmentStatus(ctx, name, sqlite.EnrichmentTypeGitHub)
	if err != nil {
		t.Fatalf("get enrichment status after success: %v", err)
	}
	if st.RetryCount != 0 {
		t.Fatalf("expected retry_count reset to 0 after success, got %d", st.RetryCount)
	}
}

func TestStore_BacklinkEdgeAndCacheMetadata(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	name := "acme/widget-server"
	if err := store.UpsertServer(ctx, &wisp.Server{Name: name, Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}

	_, found, err := store.GetCachedRepoMetadata(ctx, "other/repo")
	if err != nil {
		t.Fatalf("get cached metadata (empty): %v", err)
	}
	if found {
		t.Fatal("expected no cached metadata before any edge exists")
	}

	cacheEdge := &wisp.BacklinkEdge{
		ServerName:     wisp.CacheServerName,
		ReferencerRepo: "other/repo",
		Tier:           wisp.TierMetadataCache,
	}
	if err := store.UpsertBacklinkEdge(ctx, cacheEdge); err != nil {
		t.Fatalf("upsert cache edge: %v", err)
	}

	if err := store.PatchCachedRepoMetadata(ctx, "other/repo", 42, time.Now(), false, false); err != nil {
		t.Fatalf("patch cached metadata: %v", err)
	}

	meta, found, err := store.GetCachedRepoMetadata(ctx, "other/repo")
	if err != nil {
		t.Fatalf("get cached metadata: %v", err)
	}
	if !found {
		t.Fatal("expected cached metadata after patch")
	}
	if meta.Stars.Int64 != 42 {
		t.Fatalf("expected 42 stars, got %d", meta.Stars.Int64)
	}

	edge := &wisp.BacklinkEdge{
		ServerName:     name,
		ReferencerRepo: "other/repo",
		Tier:           wisp.Tier1Config,
		TierWeight:     wisp.TierWeights[wisp.Tier1Config],
		RepoStars:      42,
		EdgeScore:      1.693,
	}
	if err := store.UpsertBacklinkEdge(ctx, edge); err != nil {
		t.Fatalf("upsert tier1 edge: %v", err)
	}

	edges, err := store.ListEdgesForServer(ctx, name)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].Tier != wisp.Tier1Config {
		t.Fatalf("unexpected edges: %+v", edges)
	}
}

func TestStore_KeywordSearch(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	name := "acme/widget-server"
	if err := store.UpsertServer(ctx, &wisp.Server{Name: name, Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}
	if err := store.ReplaceServerTools(ctx, name,
		[]wisp.Tool{{ServerName: name, ToolName: "create_widget", Title: "Create Widget", Description: "Creates a new widget", InputSchema: "{}"}},
		nil, nil, nil,
	); err != nil {
		t.Fatalf("replace tools: %v", err)
	}

	tools, err := store.ListToolsForServer(ctx, name)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}

	doc := &wisp.SearchDoc{
		ToolID:     tools[0].ID,
		ToolName:   tools[0].ToolName,
		ServerName: name,
		NameText:   tools[0].ToolName,
		DescText:   tools[0].Description,
		ParamsText: "",
		FullDoc:    tools[0].ToolName + " " + tools[0].Description,
	}
	if err := store.UpsertSearchDoc(ctx, doc); err != nil {
		t.Fatalf("upsert search doc: %v", err)
	}
	if err := store.RebuildKeywordIndex(ctx); err != nil {
		t.Fatalf("rebuild keyword index: %v", err)
	}

	hits, err := store.KeywordSearch(ctx, "widget", 200)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(hits) != 1 || hits[0].ToolID != tools[0].ID {
		t.Fatalf("unexpected keyword hits: %+v", hits)
	}

	blankHits, err := store.KeywordSearch(ctx, "   ", 200)
	if err != nil {
		t.Fatalf("keyword search (blank): %v", err)
	}
	if blankHits != nil {
		t.Fatalf("expected nil hits for blank query, got %+v", blankHits)
	}
}

func TestStore_MarketRankingCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	name := "acme/widget-server"
	if err := store.UpsertServer(ctx, &wisp.Server{Name: name, Status: "active"}); err != nil {
		t.Fatalf("upsert server: %v", err)
	}

	ranking := &wisp.MarketRanking{ServerName: name, TotalScore: 0.75, UsageScore: 0.5, ReputationScore: 0.9, ActivityScore: 0.6, ReachScore: 0.8, IsZeroAuth: true}
	if err := store.UpsertMarketRanking(ctx, ranking); err != nil {
		t.Fatalf("upsert market ranking: %v", err)
	}

	got, err := store.GetMarketRanking(ctx, name)
	if err != nil {
		t.Fatalf("get market ranking: %v", err)
	}
	if got.TotalScore != 0.75 || !got.IsZeroAuth {
		t.Fatalf("unexpected ranking: %+v", got)
	}

	all, err := store.ListMarketRankings(ctx)
	if err != nil {
		t.Fatalf("list market rankings: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 ranking, got %d", len(all))
	}
}
