// Package backlink implements the corpus-wide backlink scoring pass of
// spec.md §4.4: aggregate tiered references into per-server edge scores,
// deduplicate, and normalise across the corpus.
package backlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wisp-mcp/wisp/internal/adapter/fetch"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/resilience"
	"github.com/wisp-mcp/wisp/internal/service/enrich"
)

const githubRepoAPIBase = "https://api.github.com/repos/"

// Scorer runs the backlink scoring pipeline. It assumes a quiescent
// snapshot: it must not run concurrently with config-reference or
// dependents enrichment on the same database (spec.md §5).
type Scorer struct {
	store    *sqlite.Store
	fetcher  *fetch.Fetcher
	logger   *slog.Logger
	cfg      config.Backlink
	fetchCfg config.Fetcher
	token    string
	sem      *semaphore.Weighted
	breaker  *resilience.Breaker
}

// New builds a Scorer. token is the GitHub API token used for metadata
// fan-out requests (optional — unauthenticated requests work at a lower
// rate limit). breakerCfg trips the shared metadata-fetch circuit breaker
// once the GitHub metadata API starts exhausting retries repeatedly across
// the bounded fan-out (spec.md §5's semaphore-capped concurrency).
func New(store *sqlite.Store, fetcher *fetch.Fetcher, logger *slog.Logger, cfg config.Backlink, fetchCfg config.Fetcher, token string, breakerCfg config.Breaker) *Scorer {
	fanout := cfg.MetadataFanout
	if fanout < 1 {
		fanout = 1
	}
	return &Scorer{
		store:    store,
		fetcher:  fetcher,
		logger:   logger,
		cfg:      cfg,
		fetchCfg: fetchCfg,
		token:    token,
		sem:      semaphore.NewWeighted(int64(fanout)),
		breaker:  resilience.NewBreaker(breakerCfg.MaxFailures, breakerCfg.Timeout),
	}
}

// repoMetadata is one referencer repo's cached GitHub metadata, gathered in
// step 1 and consulted by every server's edge walk in step 2.
type repoMetadata struct {
	stars    int
	pushedAt time.Time
	archived bool
	fork     bool
	known    bool // true once a fetch attempt has resolved (success or failure)
}

// Run executes the full pipeline in one pass: metadata fan-out, per-server
// edge aggregation, dependency tier2 contribution, and corpus-wide
// normalisation (spec.md §4.4).
func (sc *Scorer) Run(ctx context.Context) error {
	servers, err := sc.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers for backlink scoring: %w", err)
	}

	configRefs := make(map[string][]wisp.ConfigReference, len(servers))
	sampleRepos := make(map[string]bool)
	for _, srv := range servers {
		refs, err := sc.store.ListConfigReferences(ctx, srv.Name)
		if err != nil {
			return fmt.Errorf("list config references for %s: %w", srv.Name, err)
		}
		configRefs[srv.Name] = refs
		for _, ref := range refs {
			for _, repo := range ref.SampleRepos {
				sampleRepos[strings.ToLower(repo)] = true
			}
		}
	}

	cache, err := sc.gatherMetadata(ctx, sampleRepos)
	if err != nil {
		return fmt.Errorf("gather referencer metadata: %w", err)
	}

	for _, srv := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sc.scoreOneServer(ctx, srv, configRefs[srv.Name], cache); err != nil {
			return fmt.Errorf("score server %s: %w", srv.Name, err)
		}
	}

	return sc.normalize(ctx)
}

// gatherMetadata fetches GitHub metadata for every sample repo not already
// cached, bounded to cfg.MetadataFanout concurrent requests, and caches the
// result as a synthetic wisp.CacheServerName/TierMetadataCache edge
// (spec.md §4.4 step 1).
func (sc *Scorer) gatherMetadata(ctx context.Context, repos map[string]bool) (map[string]repoMetadata, error) {
	cache := make(map[string]repoMetadata, len(repos))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for repo := range repos {
		repo := repo
		if existing, ok, err := sc.store.GetCachedRepoMetadata(ctx, repo); err != nil {
			return nil, fmt.Errorf("get cached metadata for %s: %w", repo, err)
		} else if ok && existing.Stars.Valid {
			mu.Lock()
			cache[repo] = repoMetadata{
				stars:    int(existing.Stars.Int64),
				pushedAt: existing.PushedAt.Time,
				archived: existing.IsArchived,
				fork:     existing.IsFork,
				known:    true,
			}
			mu.Unlock()
			continue
		}

		if err := sc.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer sc.sem.Release(1)
			defer wg.Done()

			stars, pushedAt, archived, fork, err := sc.fetchRepoMetadata(ctx, repo)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// fetch failures are non-fatal: the repo is simply left uncached
				sc.logger.Warn("backlink: metadata fetch failed", "repo", repo, "error", err)
				return
			}
			cache[repo] = repoMetadata{stars: stars, pushedAt: pushedAt, archived: archived, fork: fork, known: true}
			if patchErr := sc.store.PatchCachedRepoMetadata(ctx, repo, stars, pushedAt, archived, fork); patchErr != nil {
				sc.logger.Error("backlink: patch cached metadata failed", "repo", repo, "error", patchErr)
			}
			edge := &wisp.BacklinkEdge{
				ServerName:     wisp.CacheServerName,
				ReferencerRepo: repo,
				Tier:           wisp.TierMetadataCache,
				RepoStars:      stars,
				RepoPushedAt:   pushedAt,
				IsArchived:     archived,
				IsFork:         fork,
			}
			if upsertErr := sc.store.UpsertBacklinkEdge(ctx, edge); upsertErr != nil {
				sc.logger.Error("backlink: cache metadata edge failed", "repo", repo, "error", upsertErr)
			}
		}()
	}
	wg.Wait()
	return cache, nil
}

type githubRepoMetaResponse struct {
	StargazersCount int    `json:"stargazers_count"`
	PushedAt        string `json:"pushed_at"`
	Archived        bool   `json:"archived"`
	Fork            bool   `json:"fork"`
}

func (sc *Scorer) fetchRepoMetadata(ctx context.Context, ownerRepo string) (stars int, pushedAt time.Time, archived, fork bool, err error) {
	url := githubRepoAPIBase + ownerRepo
	opts := fetch.Options{
		Timeout:    sc.fetchCfg.Timeout,
		MaxRetries: sc.fetchCfg.MaxRetries,
		BaseDelay:  sc.fetchCfg.BaseDelay,
	}
	if sc.token != "" {
		opts.Headers = map[string]string{"Authorization": "Bearer " + sc.token}
	}

	var resp *fetch.Response
	err = sc.breaker.Execute(func() error {
		var fetchErr error
		resp, fetchErr = sc.fetcher.Fetch(ctx, url, opts)
		if fetchErr != nil {
			return fetchErr
		}
		if resp.GaveUp || resp.StatusCode >= 500 {
			return fmt.Errorf("request to %s failed with status %d", url, resp.StatusCode)
		}
		return nil
	})
	if err != nil && resp == nil {
		return 0, time.Time{}, false, false, err
	}
	if resp.GaveUp || resp.StatusCode != 200 {
		return 0, time.Time{}, false, false, fmt.Errorf("request to %s failed with status %d", url, resp.StatusCode)
	}

	var body githubRepoMetaResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, time.Time{}, false, false, fmt.Errorf("invalid json in response body: %w", err)
	}
	pushed := time.Time{}
	if body.PushedAt != "" {
		if t, err := time.Parse(time.RFC3339, body.PushedAt); err == nil {
			pushed = t
		}
	}
	return body.StargazersCount, pushed, body.Archived, body.Fork, nil
}

// scoreOneServer walks one server's config-reference edges and dependency
// signals, computes the raw score, and writes BacklinkEdge and the first
// (un-normalised) pass of BacklinkScore (spec.md §4.4 steps 2-4, 6).
func (sc *Scorer) scoreOneServer(ctx context.Context, srv wisp.Server, refs []wisp.ConfigReference, cache map[string]repoMetadata) error {
	selfOwnerRepo := ""
	if owner, repo, ok := enrich.ParseGitHubRepoURL(srv.RepositoryURL); ok {
		selfOwnerRepo = strings.ToLower(owner + "/" + repo)
	}

	var tier1 float64
	uniqueRepos := make(map[string]bool)
	seenEdge := make(map[string]bool) // dedupe per (repo, tier)

	for _, ref := range refs {
		for _, repo := range ref.SampleRepos {
			lower := strings.ToLower(repo)
			if selfOwnerRepo != "" && lower == selfOwnerRepo {
				continue
			}
			key := lower + "|" + string(wisp.Tier1Config)
			if seenEdge[key] {
				continue
			}
			seenEdge[key] = true
			uniqueRepos[lower] = true

			meta := cache[lower]
			weight := wisp.TierWeights[wisp.Tier1Config]
			score := edgeScore(weight, meta.stars, meta.pushedAt, meta.archived, meta.fork)
			tier1 += score

			edge := &wisp.BacklinkEdge{
				ServerName:     srv.Name,
				ReferencerRepo: repo,
				Tier:           wisp.Tier1Config,
				TierWeight:     weight,
				RepoStars:      meta.stars,
				RepoPushedAt:   meta.pushedAt,
				IsArchived:     meta.archived,
				IsFork:         meta.fork,
				EdgeScore:      score,
			}
			if err := sc.store.UpsertBacklinkEdge(ctx, edge); err != nil {
				return err
			}
		}
	}

	deps, err := sc.store.ListDependencySignals(ctx, srv.Name)
	if err != nil {
		return fmt.Errorf("list dependency signals for %s: %w", srv.Name, err)
	}
	var tier2 float64
	tier2Weight := wisp.TierWeights[wisp.Tier2Dependency]
	for _, d := range deps {
		tier2 += tier2Weight * math.Log1p(float64(d.DependentsCount)) * math.Sqrt(1+float64(d.DependentReposCount)/100)
	}

	raw := tier1 + tier2
	return sc.store.UpsertBacklinkScore(ctx, &wisp.BacklinkScore{
		ServerName:        srv.Name,
		RawScore:          raw,
		Tier1Contribution: tier1,
		Tier2Contribution: tier2,
		UniqueRepos:       len(uniqueRepos),
	})
}

// edgeScore computes a single backlink edge's contribution (spec.md §4.4).
func edgeScore(tierWeight float64, stars int, pushedAt time.Time, archived, fork bool) float64 {
	starFactor := 1 + math.Log1p(float64(stars))
	recency := 0.5
	if !pushedAt.IsZero() {
		years := time.Since(pushedAt).Hours() / (24 * 365.25)
		recency = math.Exp(-0.5 * years)
	}
	quality := 1.0
	if archived {
		quality *= 0.2
	}
	if fork {
		quality *= 0.5
	}
	return tierWeight * starFactor * recency * quality
}

// normalize rewrites every server's normalized_score from the 99th
// percentile of log1p(raw_score) across the corpus (spec.md §4.4 step 5).
func (sc *Scorer) normalize(ctx context.Context) error {
	raws, err := sc.store.ListRawScoresForNormalization(ctx)
	if err != nil {
		return fmt.Errorf("list raw scores for normalization: %w", err)
	}
	if len(raws) == 0 {
		return nil
	}

	logs := make([]float64, 0, len(raws))
	for _, raw := range raws {
		logs = append(logs, math.Log1p(raw))
	}
	sort.Float64s(logs)
	idx := int(0.99 * float64(len(logs)))
	if idx >= len(logs) {
		idx = len(logs) - 1
	}
	q := logs[idx]
	if q < 1e-6 {
		q = 1e-6
	}

	for name, raw := range raws {
		score, err := sc.store.GetBacklinkScore(ctx, name)
		if err != nil {
			return fmt.Errorf("get backlink score for %s: %w", name, err)
		}
		score.NormalizedScore = math.Min(1, math.Log1p(raw)/q)
		if err := sc.store.UpsertBacklinkScore(ctx, score); err != nil {
			return fmt.Errorf("write normalized backlink score for %s: %w", name, err)
		}
	}
	return nil
}
