package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wisp-mcp/wisp/internal/domain"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// UpsertGitHubSignal writes the full GitHub signal row for a server,
// replacing any prior enrichment (spec.md §4.3 github_signals worker).
func (s *Store) UpsertGitHubSignal(ctx context.Context, g *wisp.GitHubSignal) error {
	topicsJSON, err := json.Marshal(g.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics for %s: %w", g.ServerName, err)
	}
	const q = `INSERT INTO github_signals (server_name, stars, forks, open_issues, watchers, subscribers,
			pushed_at, created_at, license_spdx_id, primary_language, topics_json, is_archived, is_fork, default_branch, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name) DO UPDATE SET
			stars = excluded.stars, forks = excluded.forks, open_issues = excluded.open_issues,
			watchers = excluded.watchers, subscribers = excluded.subscribers,
			pushed_at = excluded.pushed_at, created_at = excluded.created_at,
			license_spdx_id = excluded.license_spdx_id, primary_language = excluded.primary_language,
			topics_json = excluded.topics_json, is_archived = excluded.is_archived, is_fork = excluded.is_fork,
			default_branch = excluded.default_branch, enriched_at = excluded.enriched_at`
	_, err = s.db.ExecContext(ctx, q,
		g.ServerName, g.Stars, g.Forks, g.OpenIssues, g.Watchers, g.Subscribers,
		nullTime(g.PushedAt), nullTime(g.CreatedAt), g.LicenseSPDXID, g.PrimaryLang, string(topicsJSON),
		boolToInt(g.IsArchived), boolToInt(g.IsFork), g.DefaultBranch, nullTime(g.EnrichedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert github signal for %s: %w", g.ServerName, err)
	}
	return nil
}

// GetGitHubSignal retrieves the GitHub signal for one server.
func (s *Store) GetGitHubSignal(ctx context.Context, name string) (*wisp.GitHubSignal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, stars, forks, open_issues, watchers, subscribers, pushed_at, created_at,
			license_spdx_id, primary_language, topics_json, is_archived, is_fork, default_branch, enriched_at
		 FROM github_signals WHERE server_name = ?`, name)

	var g wisp.GitHubSignal
	var pushed, created, enriched sql.NullTime
	var license, lang, topicsJSON, branch sql.NullString
	var archived, fork int
	err := row.Scan(&g.ServerName, &g.Stars, &g.Forks, &g.OpenIssues, &g.Watchers, &g.Subscribers,
		&pushed, &created, &license, &lang, &topicsJSON, &archived, &fork, &branch, &enriched)
	if err != nil {
		return nil, notFoundWrap(err, "get github signal for %s", name)
	}
	g.PushedAt, g.CreatedAt, g.EnrichedAt = pushed.Time, created.Time, enriched.Time
	g.LicenseSPDXID, g.PrimaryLang, g.DefaultBranch = license.String, lang.String, branch.String
	g.IsArchived, g.IsFork = archived != 0, fork != 0
	if topicsJSON.Valid && topicsJSON.String != "" {
		_ = json.Unmarshal([]byte(topicsJSON.String), &g.Topics)
	}
	return &g, nil
}

// UpsertPackageDownloads writes the download-window row for one package.
func (s *Store) UpsertPackageDownloads(ctx context.Context, d *wisp.PackageDownloads) error {
	const q = `INSERT INTO package_downloads (server_name, registry_type, identifier, last_day, last_week, last_month, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name, registry_type, identifier) DO UPDATE SET
			last_day = excluded.last_day, last_week = excluded.last_week, last_month = excluded.last_month,
			enriched_at = excluded.enriched_at`
	_, err := s.db.ExecContext(ctx, q, d.ServerName, string(d.RegistryType), d.Identifier, d.LastDay, d.LastWeek, d.LastMonth, nullTime(d.EnrichedAt))
	if err != nil {
		return fmt.Errorf("upsert package downloads for %s/%s: %w", d.ServerName, d.Identifier, err)
	}
	return nil
}

// ListPackageDownloads returns every download row for a server, across all
// of its packages (a server may ship both an npm and a pypi package).
func (s *Store) ListPackageDownloads(ctx context.Context, name string) ([]wisp.PackageDownloads, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, registry_type, identifier, last_day, last_week, last_month, enriched_at
		 FROM package_downloads WHERE server_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("list package downloads for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.PackageDownloads
	for rows.Next() {
		var d wisp.PackageDownloads
		var registryType string
		var enriched sql.NullTime
		if err := rows.Scan(&d.ServerName, &registryType, &d.Identifier, &d.LastDay, &d.LastWeek, &d.LastMonth, &enriched); err != nil {
			return nil, fmt.Errorf("scan package downloads: %w", err)
		}
		d.RegistryType = wisp.RegistryType(registryType)
		d.EnrichedAt = enriched.Time
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDependencySignal writes the libraries.io dependents row for one
// package.
func (s *Store) UpsertDependencySignal(ctx context.Context, d *wisp.DependencySignal) error {
	const q = `INSERT INTO dependency_signals (server_name, package_name, platform, dependents_count, dependent_repos_count, sourcerank, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name, package_name) DO UPDATE SET
			platform = excluded.platform, dependents_count = excluded.dependents_count,
			dependent_repos_count = excluded.dependent_repos_count, sourcerank = excluded.sourcerank,
			enriched_at = excluded.enriched_at`
	_, err := s.db.ExecContext(ctx, q, d.ServerName, d.PackageName, d.Platform, d.DependentsCount, d.DependentReposCount, d.SourceRank, nullTime(d.EnrichedAt))
	if err != nil {
		return fmt.Errorf("upsert dependency signal for %s/%s: %w", d.ServerName, d.PackageName, err)
	}
	return nil
}

// ListDependencySignals returns all dependency signal rows for a server.
func (s *Store) ListDependencySignals(ctx context.Context, name string) ([]wisp.DependencySignal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, package_name, platform, dependents_count, dependent_repos_count, sourcerank, enriched_at
		 FROM dependency_signals WHERE server_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("list dependency signals for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.DependencySignal
	for rows.Next() {
		var d wisp.DependencySignal
		var enriched sql.NullTime
		if err := rows.Scan(&d.ServerName, &d.PackageName, &d.Platform, &d.DependentsCount, &d.DependentReposCount, &d.SourceRank, &enriched); err != nil {
			return nil, fmt.Errorf("scan dependency signal: %w", err)
		}
		d.EnrichedAt = enriched.Time
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertCrossListing writes one external-registry cross-listing row.
func (s *Store) UpsertCrossListing(ctx context.Context, c *wisp.CrossListing) error {
	const q = `INSERT INTO cross_listings (server_name, source, slug, license, icon_url, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name, source) DO UPDATE SET
			slug = excluded.slug, license = excluded.license, icon_url = excluded.icon_url, enriched_at = excluded.enriched_at`
	_, err := s.db.ExecContext(ctx, q, c.ServerName, c.Source, c.Slug, c.License, c.IconURL, nullTime(c.EnrichedAt))
	if err != nil {
		return fmt.Errorf("upsert cross listing for %s/%s: %w", c.ServerName, c.Source, err)
	}
	return nil
}

// UpsertConfigReference writes the code-search hit count for one server and
// config file type, replacing any prior enrichment pass.
func (s *Store) UpsertConfigReference(ctx context.Context, c *wisp.ConfigReference) error {
	samplesJSON, err := json.Marshal(c.SampleRepos)
	if err != nil {
		return fmt.Errorf("marshal sample repos for %s: %w", c.ServerName, err)
	}
	const q = `INSERT INTO config_references (server_name, config_type, reference_count, sample_repos_json, enriched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(server_name, config_type) DO UPDATE SET
			reference_count = excluded.reference_count, sample_repos_json = excluded.sample_repos_json,
			enriched_at = excluded.enriched_at`
	_, err = s.db.ExecContext(ctx, q, c.ServerName, c.ConfigType, c.ReferenceCount, string(samplesJSON), nullTime(c.EnrichedAt))
	if err != nil {
		return fmt.Errorf("upsert config reference for %s/%s: %w", c.ServerName, c.ConfigType, err)
	}
	return nil
}

// ListConfigReferences returns all config-reference rows for a server.
func (s *Store) ListConfigReferences(ctx context.Context, name string) ([]wisp.ConfigReference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, config_type, reference_count, sample_repos_json, enriched_at
		 FROM config_references WHERE server_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("list config references for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.ConfigReference
	for rows.Next() {
		var c wisp.ConfigReference
		var samplesJSON sql.NullString
		var enriched sql.NullTime
		if err := rows.Scan(&c.ServerName, &c.ConfigType, &c.ReferenceCount, &samplesJSON, &enriched); err != nil {
			return nil, fmt.Errorf("scan config reference: %w", err)
		}
		c.EnrichedAt = enriched.Time
		if samplesJSON.Valid && samplesJSON.String != "" {
			_ = json.Unmarshal([]byte(samplesJSON.String), &c.SampleRepos)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertServiceCostHint writes the offline service-cost classification for
// a server.
func (s *Store) UpsertServiceCostHint(ctx context.Context, h *wisp.ServiceCostHint) error {
	servicesJSON, err := json.Marshal(h.PaidServices)
	if err != nil {
		return fmt.Errorf("marshal paid services for %s: %w", h.ServerName, err)
	}
	const q = `INSERT INTO service_cost_hints (server_name, requires_paid_service, paid_services_json, free_tier_available, enriched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(server_name) DO UPDATE SET
			requires_paid_service = excluded.requires_paid_service, paid_services_json = excluded.paid_services_json,
			free_tier_available = excluded.free_tier_available, enriched_at = excluded.enriched_at`
	_, err = s.db.ExecContext(ctx, q, h.ServerName, boolToInt(h.RequiresPaidService), string(servicesJSON), boolToInt(h.FreeTierAvailable), nullTime(h.EnrichedAt))
	if err != nil {
		return fmt.Errorf("upsert service cost hint for %s: %w", h.ServerName, err)
	}
	return nil
}

// GetServiceCostHint retrieves the offline service-cost classification for
// a server.
func (s *Store) GetServiceCostHint(ctx context.Context, name string) (*wisp.ServiceCostHint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, requires_paid_service, paid_services_json, free_tier_available, enriched_at
		 FROM service_cost_hints WHERE server_name = ?`, name)

	var h wisp.ServiceCostHint
	var requires, freeTier int
	var servicesJSON sql.NullString
	var enriched sql.NullTime
	if err := row.Scan(&h.ServerName, &requires, &servicesJSON, &freeTier, &enriched); err != nil {
		return nil, notFoundWrap(err, "get service cost hint for %s", name)
	}
	h.RequiresPaidService, h.FreeTierAvailable = requires != 0, freeTier != 0
	h.EnrichedAt = enriched.Time
	if servicesJSON.Valid && servicesJSON.String != "" {
		_ = json.Unmarshal([]byte(servicesJSON.String), &h.PaidServices)
	}
	return &h, nil
}

// UpsertEnrichmentStatus records the outcome of one enrichment attempt
// (spec.md §7 retry-gating rule). A new row takes st.RetryCount; on an
// existing row a success resets retry_count to 0 and any other status
// increments it.
func (s *Store) UpsertEnrichmentStatus(ctx context.Context, st *wisp.EnrichmentStatus) error {
	const q = `INSERT INTO enrichment_status (server_name, enrichment_type, status, failure_reason, last_attempted_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name, enrichment_type) DO UPDATE SET
			status = excluded.status, failure_reason = excluded.failure_reason,
			last_attempted_at = excluded.last_attempted_at,
			retry_count = CASE WHEN excluded.status = 'success' THEN 0 ELSE enrichment_status.retry_count + 1 END`
	_, err := s.db.ExecContext(ctx, q, st.ServerName, st.EnrichmentType, string(st.Status), st.FailureReason, nullTime(st.LastAttemptedAt), st.RetryCount)
	if err != nil {
		return fmt.Errorf("upsert enrichment status for %s/%s: %w", st.ServerName, st.EnrichmentType, err)
	}
	return nil
}

// GetEnrichmentStatus retrieves the current enrichment status for one
// (server, enrichment_type) pair.
func (s *Store) GetEnrichmentStatus(ctx context.Context, name, enrichmentType string) (*wisp.EnrichmentStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, enrichment_type, status, failure_reason, last_attempted_at, retry_count
		 FROM enrichment_status WHERE server_name = ? AND enrichment_type = ?`, name, enrichmentType)
	var st wisp.EnrichmentStatus
	var status string
	var reason sql.NullString
	var attempted sql.NullTime
	if err := row.Scan(&st.ServerName, &st.EnrichmentType, &status, &reason, &attempted, &st.RetryCount); err != nil {
		return nil, notFoundWrap(err, "get enrichment status for %s/%s", name, enrichmentType)
	}
	st.Status = wisp.EnrichmentFailureCategory(status)
	st.FailureReason = reason.String
	st.LastAttemptedAt = attempted.Time
	return &st, nil
}

// IsPermanentlyFailed reports whether the given enrichment type is currently
// gated by a permanent failure, so a scheduler can skip it without a stale
// read (spec.md §7: "permanent failures are not retried").
func (s *Store) IsPermanentlyFailed(ctx context.Context, name, enrichmentType string) (bool, error) {
	st, err := s.GetEnrichmentStatus(ctx, name, enrichmentType)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return st.Status == wisp.EnrichmentPermanentFailure, nil
}

// CandidateEnrichmentTypes are the enrichment_type values CandidatePackages
// and CandidateServersForGitHub pair with when recording outcomes.
const (
	EnrichmentTypeGitHub       = "github"
	EnrichmentTypeDownloads    = "downloads"
	EnrichmentTypeDependencies = "dependencies"
	EnrichmentTypeGlama        = "glama"
	EnrichmentTypeConfigRefs   = "config_refs"
	EnrichmentTypeServiceCost  = "service_cost"
)
