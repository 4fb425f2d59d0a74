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

const (
	glamaSource         = "glama"
	glamaEnrichmentType = sqlite.EnrichmentTypeGlama
	glamaServersURL     = "https://glama.ai/api/mcp/v1/servers"
)

type glamaListResponse struct {
	Servers []glamaServerEntry `json:"servers"`
	PageInfo struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
}

type glamaServerEntry struct {
	Name            string `json:"name"`
	Slug            string `json:"slug"`
	RepositoryURL   string `json:"repositoryUrl"`
	SPDXLicense     string `json:"spdxLicense"`
	IconURL         string `json:"iconUrl"`
}

// RunGlama enumerates the entire Glama registry and matches each entry
// against local servers by name, slug, or normalised repository URL
// (spec.md §4.3: "no per-server HTTP calls — enumerate the entire external
// registry").
func (r *Runner) RunGlama(ctx context.Context) error {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers for glama matching: %w", err)
	}
	byNormalizedRepo := make(map[string]wisp.Server, len(servers))
	byName := make(map[string]wisp.Server, len(servers))
	for _, s := range servers {
		byName[strings.ToLower(s.Name)] = s
		if norm := normalizeRepoURL(s.RepositoryURL); norm != "" {
			byNormalizedRepo[norm] = s
		}
	}

	cursor := ""
	processed := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		page, err := r.fetchGlamaPage(ctx, cursor)
		if err != nil {
			return fmt.Errorf("fetch glama registry page: %w", err)
		}

		for _, entry := range page.Servers {
			match, ok := matchGlamaEntry(entry, byName, byNormalizedRepo)
			if !ok {
				continue
			}
			processed++
			skip, err := r.shouldSkip(ctx, match.Name, glamaEnrichmentType)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			err = r.store.UpsertCrossListing(ctx, &wisp.CrossListing{
				ServerName: match.Name,
				Source:     glamaSource,
				Slug:       entry.Slug,
				License:    entry.SPDXLicense,
				IconURL:    entry.IconURL,
				EnrichedAt: time.Now(),
			})
			r.markOutcome(ctx, match.Name, glamaEnrichmentType, err)
			r.logProgress("glama", processed, 0)
		}

		if !page.PageInfo.HasNextPage {
			break
		}
		cursor = page.PageInfo.EndCursor
	}
	return nil
}

func (r *Runner) fetchGlamaPage(ctx context.Context, cursor string) (*glamaListResponse, error) {
	opts := r.fetchOpts()
	if cursor != "" {
		opts.Params = map[string]string{"after": cursor}
	}
	resp, err := r.fetchThrough(ctx, "glama", glamaServersURL, opts)
	if err != nil {
		return nil, err
	}
	if resp.GaveUp || resp.StatusCode != 200 {
		return nil, httpStatusError(glamaServersURL, resp.StatusCode)
	}
	var page glamaListResponse
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, fmt.Errorf("invalid json in response body: %w", err)
	}
	return &page, nil
}

// matchGlamaEntry finds the local server a Glama registry entry refers to,
// trying name, slug, then normalised repository URL in that order.
func matchGlamaEntry(entry glamaServerEntry, byName map[string]wisp.Server, byNormalizedRepo map[string]wisp.Server) (wisp.Server, bool) {
	if s, ok := byName[strings.ToLower(entry.Name)]; ok {
		return s, true
	}
	if s, ok := byName[strings.ToLower(entry.Slug)]; ok {
		return s, true
	}
	if norm := normalizeRepoURL(entry.RepositoryURL); norm != "" {
		if s, ok := byNormalizedRepo[norm]; ok {
			return s, true
		}
	}
	return wisp.Server{}, false
}

// normalizeRepoURL lower-cases a repository URL and strips scheme,
// trailing slash, and ".git" suffix, so "https://github.com/Acme/Widget.git"
// and "github.com/acme/widget/" compare equal.
func normalizeRepoURL(repoURL string) string {
	if repoURL == "" {
		return ""
	}
	u := strings.ToLower(repoURL)
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return u
}
