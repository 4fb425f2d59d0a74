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

const githubAPIBase = "https://api.github.com/repos/"

type githubRepoResponse struct {
	StargazersCount int    `json:"stargazers_count"`
	ForksCount      int    `json:"forks_count"`
	OpenIssues      int    `json:"open_issues_count"`
	Watchers        int    `json:"watchers_count"`
	Subscribers     int    `json:"subscribers_count"`
	PushedAt        string `json:"pushed_at"`
	CreatedAt       string `json:"created_at"`
	Language        string `json:"language"`
	Topics          []string `json:"topics"`
	Archived        bool   `json:"archived"`
	Fork            bool   `json:"fork"`
	DefaultBranch   string `json:"default_branch"`
	License         *struct {
		SPDXID string `json:"spdx_id"`
	} `json:"license"`
}

// RunGitHub enriches every candidate server's GitHub repository metadata
// (spec.md §4.3 github_signals worker).
func (r *Runner) RunGitHub(ctx context.Context) error {
	candidates, err := r.store.CandidateServersForGitHub(ctx, r.cfg.GitHubStaleAfter)
	if err != nil {
		return fmt.Errorf("select github candidates: %w", err)
	}

	for i, srv := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		skip, err := r.shouldSkip(ctx, srv.Name, sqlite.EnrichmentTypeGitHub)
		if err != nil {
			return err
		}
		if !skip {
			r.enrichOneGitHub(ctx, srv)
		}
		r.logProgress("github", i+1, len(candidates))
		if err := r.politeSleep(ctx, r.cfg.GitHubDelay); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) enrichOneGitHub(ctx context.Context, srv wisp.Server) {
	owner, repo, ok := ParseGitHubRepoURL(srv.RepositoryURL)
	if !ok {
		r.markOutcome(ctx, srv.Name, sqlite.EnrichmentTypeGitHub, fmt.Errorf("invalid url: %s", srv.RepositoryURL))
		return
	}

	url := githubAPIBase + owner + "/" + repo
	opts := r.fetchOpts()
	if r.cfg.GitHubToken != "" {
		opts.Headers = map[string]string{"Authorization": "Bearer " + r.cfg.GitHubToken}
	}

	resp, err := r.fetchThrough(ctx, "github", url, opts)
	if err != nil {
		r.markOutcome(ctx, srv.Name, sqlite.EnrichmentTypeGitHub, err)
		return
	}
	if resp.GaveUp || resp.StatusCode != 200 {
		r.markOutcome(ctx, srv.Name, sqlite.EnrichmentTypeGitHub, httpStatusError(url, resp.StatusCode))
		return
	}

	var body githubRepoResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		r.markOutcome(ctx, srv.Name, sqlite.EnrichmentTypeGitHub, fmt.Errorf("invalid json in response body: %w", err))
		return
	}

	sig := &wisp.GitHubSignal{
		ServerName:    srv.Name,
		Stars:         body.StargazersCount,
		Forks:         body.ForksCount,
		OpenIssues:    body.OpenIssues,
		Watchers:      body.Watchers,
		Subscribers:   body.Subscribers,
		PushedAt:      parseGitHubTime(body.PushedAt),
		CreatedAt:     parseGitHubTime(body.CreatedAt),
		PrimaryLang:   body.Language,
		Topics:        body.Topics,
		IsArchived:    body.Archived,
		IsFork:        body.Fork,
		DefaultBranch: body.DefaultBranch,
		EnrichedAt:    time.Now(),
	}
	if body.License != nil {
		sig.LicenseSPDXID = body.License.SPDXID
	}

	if err := r.store.UpsertGitHubSignal(ctx, sig); err != nil {
		r.markOutcome(ctx, srv.Name, sqlite.EnrichmentTypeGitHub, err)
		return
	}
	r.markOutcome(ctx, srv.Name, sqlite.EnrichmentTypeGitHub, nil)
}

// ParseGitHubRepoURL extracts owner/repo from a github.com repository URL,
// tolerating a trailing ".git" or slash.
func ParseGitHubRepoURL(repoURL string) (owner, repo string, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git")
	idx := strings.Index(trimmed, "github.com/")
	if idx < 0 {
		return "", "", false
	}
	path := trimmed[idx+len("github.com/"):]
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func parseGitHubTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
