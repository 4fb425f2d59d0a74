package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

const librariesIOEnrichmentType = sqlite.EnrichmentTypeDependencies

// librariesIOPlatform maps a package's registry type onto the platform
// name libraries.io expects in its URL path.
var librariesIOPlatform = map[wisp.RegistryType]string{
	wisp.RegistryNPM:  "npm",
	wisp.RegistryPyPI: "pypi",
}

type librariesIOProjectResponse struct {
	DependentsCount     int64 `json:"dependents_count"`
	DependentRepoCount  int64 `json:"dependent_repos_count"`
	Rank                int   `json:"rank"`
}

// RunDependents enriches npm/pypi packages with libraries.io dependents
// data (spec.md §4.3 libraries.io dependents worker).
func (r *Runner) RunDependents(ctx context.Context) error {
	candidates, err := r.store.CandidatePackagesForDependents(ctx, r.cfg.DependentsStaleAfter)
	if err != nil {
		return fmt.Errorf("select dependents candidates: %w", err)
	}

	for i, pkg := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		skip, err := r.shouldSkip(ctx, pkg.ServerName, librariesIOEnrichmentType)
		if err != nil {
			return err
		}
		if !skip {
			r.enrichOneDependent(ctx, pkg)
		}
		r.logProgress("libraries_io", i+1, len(candidates))
		if err := r.politeSleep(ctx, r.cfg.LibrariesIODelay); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) enrichOneDependent(ctx context.Context, pkg wisp.Package) {
	platform, ok := librariesIOPlatform[pkg.RegistryType]
	if !ok {
		r.markOutcome(ctx, pkg.ServerName, librariesIOEnrichmentType, fmt.Errorf("invalid url: unsupported registry %s", pkg.RegistryType))
		return
	}

	url := fmt.Sprintf("https://libraries.io/api/%s/%s", platform, pkg.Identifier)
	opts := r.fetchOpts()
	if r.cfg.LibrariesIOAPIKey != "" {
		opts.Params = map[string]string{"api_key": r.cfg.LibrariesIOAPIKey}
	}

	resp, err := r.fetchThrough(ctx, "libraries_io", url, opts)
	if err != nil {
		r.markOutcome(ctx, pkg.ServerName, librariesIOEnrichmentType, err)
		return
	}
	if resp.GaveUp || resp.StatusCode != 200 {
		r.markOutcome(ctx, pkg.ServerName, librariesIOEnrichmentType, httpStatusError(url, resp.StatusCode))
		return
	}

	var body librariesIOProjectResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		r.markOutcome(ctx, pkg.ServerName, librariesIOEnrichmentType, fmt.Errorf("invalid json in response body: %w", err))
		return
	}

	err = r.store.UpsertDependencySignal(ctx, &wisp.DependencySignal{
		ServerName:          pkg.ServerName,
		PackageName:         pkg.Identifier,
		Platform:            platform,
		DependentsCount:     body.DependentsCount,
		DependentReposCount: body.DependentRepoCount,
		SourceRank:          body.Rank,
		EnrichedAt:          time.Now(),
	})
	r.markOutcome(ctx, pkg.ServerName, librariesIOEnrichmentType, err)
}
