package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// downloadWindows is the last-day/week/month triple every package-downloads
// worker resolves, regardless of registry.
type downloadWindows struct {
	lastDay, lastWeek, lastMonth int64
}

// RunNPM enriches every stale npm package's download counts (spec.md §4.3).
func (r *Runner) RunNPM(ctx context.Context) error {
	return r.enrichDownloads(ctx, wisp.RegistryNPM, sqlite.EnrichmentTypeDownloads, r.cfg.PackageStaleAfter, r.cfg.NPMDelay, r.fetchNPMDownloads)
}

// RunPyPI enriches every stale PyPI package's download counts.
func (r *Runner) RunPyPI(ctx context.Context) error {
	return r.enrichDownloads(ctx, wisp.RegistryPyPI, sqlite.EnrichmentTypeDownloads, r.cfg.PackageStaleAfter, r.cfg.PyPIDelay, r.fetchPyPIDownloads)
}

// RunDocker enriches every stale OCI package's total pull count, recorded
// in PackageDownloads.LastMonth (Docker Hub exposes only a running total,
// not windowed counts).
func (r *Runner) RunDocker(ctx context.Context) error {
	return r.enrichDownloads(ctx, wisp.RegistryOCI, sqlite.EnrichmentTypeDownloads, r.cfg.PackageStaleAfter, r.cfg.DockerDelay, r.fetchDockerDownloads)
}

// enrichDownloads runs the shared candidate/fetch/persist/sleep loop for
// one registry type, delegating the registry-specific HTTP call to fetchFn.
func (r *Runner) enrichDownloads(ctx context.Context, registryType wisp.RegistryType, enrichmentType string, staleAfter, delay time.Duration, fetchFn func(context.Context, wisp.Package) (downloadWindows, error)) error {
	candidates, err := r.store.CandidatePackages(ctx, registryType, staleAfter)
	if err != nil {
		return fmt.Errorf("select %s download candidates: %w", registryType, err)
	}

	for i, pkg := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		skip, err := r.shouldSkip(ctx, pkg.ServerName, enrichmentType)
		if err != nil {
			return err
		}
		if !skip {
			windows, err := fetchFn(ctx, pkg)
			if err != nil {
				r.markOutcome(ctx, pkg.ServerName, enrichmentType, err)
			} else {
				err := r.store.UpsertPackageDownloads(ctx, &wisp.PackageDownloads{
					ServerName:   pkg.ServerName,
					RegistryType: pkg.RegistryType,
					Identifier:   pkg.Identifier,
					LastDay:      windows.lastDay,
					LastWeek:     windows.lastWeek,
					LastMonth:    windows.lastMonth,
					EnrichedAt:   time.Now(),
				})
				r.markOutcome(ctx, pkg.ServerName, enrichmentType, err)
			}
		}
		r.logProgress(string(registryType), i+1, len(candidates))
		if err := r.politeSleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

type npmDownloadsPoint struct {
	Downloads int64 `json:"downloads"`
}

func (r *Runner) fetchNPMDownloads(ctx context.Context, pkg wisp.Package) (downloadWindows, error) {
	var windows downloadWindows
	for _, period := range []struct {
		name string
		dst  *int64
	}{
		{"last-day", &windows.lastDay},
		{"last-week", &windows.lastWeek},
		{"last-month", &windows.lastMonth},
	} {
		url := "https://api.npmjs.org/downloads/point/" + period.name + "/" + pkg.Identifier
		resp, err := r.fetchThrough(ctx, "npm", url, r.fetchOpts())
		if err != nil {
			return downloadWindows{}, err
		}
		if resp.GaveUp || resp.StatusCode != 200 {
			return downloadWindows{}, httpStatusError(url, resp.StatusCode)
		}
		var point npmDownloadsPoint
		if err := json.Unmarshal(resp.Body, &point); err != nil {
			return downloadWindows{}, fmt.Errorf("invalid json in response body: %w", err)
		}
		*period.dst = point.Downloads
	}
	return windows, nil
}

type pypiStatsResponse struct {
	Data struct {
		LastDay   int64 `json:"last_day"`
		LastWeek  int64 `json:"last_week"`
		LastMonth int64 `json:"last_month"`
	} `json:"data"`
}

func (r *Runner) fetchPyPIDownloads(ctx context.Context, pkg wisp.Package) (downloadWindows, error) {
	url := "https://pypistats.org/api/packages/" + pkg.Identifier + "/recent"
	resp, err := r.fetchThrough(ctx, "pypi", url, r.fetchOpts())
	if err != nil {
		return downloadWindows{}, err
	}
	if resp.GaveUp || resp.StatusCode != 200 {
		return downloadWindows{}, httpStatusError(url, resp.StatusCode)
	}
	var body pypiStatsResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return downloadWindows{}, fmt.Errorf("invalid json in response body: %w", err)
	}
	return downloadWindows{lastDay: body.Data.LastDay, lastWeek: body.Data.LastWeek, lastMonth: body.Data.LastMonth}, nil
}

type dockerHubRepoResponse struct {
	PullCount int64 `json:"pull_count"`
}

func (r *Runner) fetchDockerDownloads(ctx context.Context, pkg wisp.Package) (downloadWindows, error) {
	namespace, name := splitDockerIdentifier(pkg.Identifier)
	url := fmt.Sprintf("https://hub.docker.com/v2/repositories/%s/%s/", namespace, name)
	resp, err := r.fetchThrough(ctx, "docker", url, r.fetchOpts())
	if err != nil {
		return downloadWindows{}, err
	}
	if resp.GaveUp || resp.StatusCode != 200 {
		return downloadWindows{}, httpStatusError(url, resp.StatusCode)
	}
	var body dockerHubRepoResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return downloadWindows{}, fmt.Errorf("invalid json in response body: %w", err)
	}
	// Docker Hub exposes only a running total pull count, not windowed
	// figures; it is recorded as the month figure. The market ranker's Reach
	// pillar reads only the weekly window, so Docker pull counts do not
	// contribute to Reach.
	return downloadWindows{lastMonth: body.PullCount}, nil
}

// splitDockerIdentifier splits "namespace/repo" into its parts, defaulting
// to the "library" namespace for unqualified official images (spec.md §4.3).
func splitDockerIdentifier(identifier string) (namespace, repo string) {
	if idx := strings.Index(identifier, "/"); idx >= 0 {
		return identifier[:idx], identifier[idx+1:]
	}
	return "library", identifier
}
