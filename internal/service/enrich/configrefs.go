package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/fetch"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

const (
	configReferenceEnrichmentType = sqlite.EnrichmentTypeConfigRefs
	githubCodeSearchURL           = "https://api.github.com/search/code"
	maxSampleRepos                = 5
)

type githubCodeSearchResponse struct {
	TotalCount int `json:"total_count"`
	Items      []struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	} `json:"items"`
}

// RunConfigReferences searches GitHub code search for every server's
// package identifier appearing in each of the four recognised client
// config filenames, persisting the hit count and up to 5 sample repos
// (spec.md §4.3 config_references worker). Requires a GitHub token.
func (r *Runner) RunConfigReferences(ctx context.Context) error {
	if r.cfg.GitHubToken == "" {
		return fmt.Errorf("config references enrichment requires a github token")
	}

	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers for config reference search: %w", err)
	}

	for i, srv := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		skip, err := r.shouldSkip(ctx, srv.Name, configReferenceEnrichmentType)
		if err != nil {
			return err
		}
		if !skip {
			r.searchConfigReferencesFor(ctx, srv)
		}
		r.logProgress("config_refs", i+1, len(servers))
		if err := r.politeSleep(ctx, r.cfg.ConfigReferenceDelay); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) searchConfigReferencesFor(ctx context.Context, srv wisp.Server) {
	selfOwnerRepo := ""
	if owner, repo, ok := ParseGitHubRepoURL(srv.RepositoryURL); ok {
		selfOwnerRepo = strings.ToLower(owner + "/" + repo)
	}

	var firstErr error
	for _, configFile := range wisp.RecognizedConfigFiles {
		if ctx.Err() != nil {
			return
		}
		count, samples, err := r.searchOneConfigFile(ctx, srv.Name, configFile, selfOwnerRepo)
		if err != nil {
			firstErr = err
			continue
		}
		upsertErr := r.store.UpsertConfigReference(ctx, &wisp.ConfigReference{
			ServerName:     srv.Name,
			ConfigType:     configFile,
			ReferenceCount: count,
			SampleRepos:    samples,
			EnrichedAt:     time.Now(),
		})
		if upsertErr != nil {
			firstErr = upsertErr
		}
	}
	r.markOutcome(ctx, srv.Name, configReferenceEnrichmentType, firstErr)
}

func (r *Runner) searchOneConfigFile(ctx context.Context, packageName, configFile, selfOwnerRepo string) (int, []string, error) {
	opts := r.fetchOpts()
	opts.Service = fetch.ServiceGitHubCodeSearch
	opts.Headers = map[string]string{"Authorization": "Bearer " + r.cfg.GitHubToken}
	opts.Params = map[string]string{"q": fmt.Sprintf("%q filename:%s", packageName, configFile)}

	resp, err := r.fetchThrough(ctx, "github_code_search", githubCodeSearchURL, opts)
	if err != nil {
		return 0, nil, err
	}
	if resp.GaveUp || resp.StatusCode != 200 {
		return 0, nil, httpStatusError(githubCodeSearchURL, resp.StatusCode)
	}

	var body githubCodeSearchResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, nil, fmt.Errorf("invalid json in response body: %w", err)
	}

	var samples []string
	for _, item := range body.Items {
		if strings.EqualFold(item.Repository.FullName, selfOwnerRepo) {
			continue
		}
		samples = append(samples, item.Repository.FullName)
		if len(samples) >= maxSampleRepos {
			break
		}
	}
	return body.TotalCount, samples, nil
}
