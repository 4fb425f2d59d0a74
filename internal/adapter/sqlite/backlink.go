package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// UpsertBacklinkEdge writes one (server, referencer_repo, tier) edge,
// including the synthetic wisp.CacheServerName rows the scorer uses to
// cache referencer-repo metadata independently of any one server.
func (s *Store) UpsertBacklinkEdge(ctx context.Context, e *wisp.BacklinkEdge) error {
	const q = `INSERT INTO backlink_edges (server_name, referencer_repo, tier, tier_weight, repo_stars, repo_pushed_at, is_archived, is_fork, edge_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name, referencer_repo, tier) DO UPDATE SET
			tier_weight = excluded.tier_weight, repo_stars = excluded.repo_stars, repo_pushed_at = excluded.repo_pushed_at,
			is_archived = excluded.is_archived, is_fork = excluded.is_fork, edge_score = excluded.edge_score`
	_, err := s.db.ExecContext(ctx, q,
		e.ServerName, e.ReferencerRepo, string(e.Tier), e.TierWeight, e.RepoStars,
		nullTime(e.RepoPushedAt), boolToInt(e.IsArchived), boolToInt(e.IsFork), e.EdgeScore,
	)
	if err != nil {
		return fmt.Errorf("upsert backlink edge %s/%s/%s: %w", e.ServerName, e.ReferencerRepo, e.Tier, err)
	}
	return nil
}

// PatchCachedRepoMetadata fills in repo_stars/repo_pushed_at/is_archived/
// is_fork on the metadata_cache row for one referencer repo once its GitHub
// data has been fetched (spec.md §4.4 step 1: "patch repo_stars IS NULL
// rows with the fetched values").
func (s *Store) PatchCachedRepoMetadata(ctx context.Context, referencerRepo string, stars int, pushedAt time.Time, archived, fork bool) error {
	const q = `UPDATE backlink_edges SET repo_stars = ?, repo_pushed_at = ?, is_archived = ?, is_fork = ?
		WHERE server_name = ? AND referencer_repo = ? AND tier = ? AND repo_stars IS NULL`
	_, err := s.db.ExecContext(ctx, q, stars, nullTime(pushedAt), boolToInt(archived), boolToInt(fork), wisp.CacheServerName, referencerRepo, string(wisp.TierMetadataCache))
	if err != nil {
		return fmt.Errorf("patch cached repo metadata for %s: %w", referencerRepo, err)
	}
	return nil
}

// CachedRepoMetadata is one referencer repo's cached GitHub metadata, read
// back from the metadata_cache edge tier.
type CachedRepoMetadata struct {
	ReferencerRepo string
	Stars          sql.NullInt64
	PushedAt       sql.NullTime
	IsArchived     bool
	IsFork         bool
}

// GetCachedRepoMetadata returns the metadata_cache row for one referencer
// repo, if present. Per the resolved union-order ambiguity (spec.md §9,
// DESIGN.md Open Question 1) this prefers a row with non-null repo_stars
// and falls back to any row for that repo, rather than imposing a
// deterministic ordering the original query never specified.
func (s *Store) GetCachedRepoMetadata(ctx context.Context, referencerRepo string) (*CachedRepoMetadata, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT referencer_repo, repo_stars, repo_pushed_at, is_archived, is_fork
		 FROM backlink_edges WHERE server_name = ? AND referencer_repo = ? AND tier = ? AND repo_stars IS NOT NULL LIMIT 1`,
		wisp.CacheServerName, referencerRepo, string(wisp.TierMetadataCache))

	meta, err := scanCachedMetadata(row)
	if err == nil {
		return meta, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("get cached repo metadata (non-null) for %s: %w", referencerRepo, err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT referencer_repo, repo_stars, repo_pushed_at, is_archived, is_fork
		 FROM backlink_edges WHERE server_name = ? AND referencer_repo = ? AND tier = ? LIMIT 1`,
		wisp.CacheServerName, referencerRepo, string(wisp.TierMetadataCache))

	meta, err = scanCachedMetadata(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached repo metadata (any) for %s: %w", referencerRepo, err)
	}
	return meta, true, nil
}

func scanCachedMetadata(row *sql.Row) (*CachedRepoMetadata, error) {
	var m CachedRepoMetadata
	var archived, fork int
	err := row.Scan(&m.ReferencerRepo, &m.Stars, &m.PushedAt, &archived, &fork)
	if err != nil {
		return nil, err
	}
	m.IsArchived, m.IsFork = archived != 0, fork != 0
	return &m, nil
}

// ListEdgesForServer returns every non-cache backlink edge recorded for one
// server, used to recompute its BacklinkScore.
func (s *Store) ListEdgesForServer(ctx context.Context, name string) ([]wisp.BacklinkEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, referencer_repo, tier, tier_weight, repo_stars, repo_pushed_at, is_archived, is_fork, edge_score
		 FROM backlink_edges WHERE server_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("list edges for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.BacklinkEdge
	for rows.Next() {
		var e wisp.BacklinkEdge
		var tier string
		var stars sql.NullInt64
		var pushed sql.NullTime
		var archived, fork int
		var score sql.NullFloat64
		if err := rows.Scan(&e.ServerName, &e.ReferencerRepo, &tier, &e.TierWeight, &stars, &pushed, &archived, &fork, &score); err != nil {
			return nil, fmt.Errorf("scan backlink edge: %w", err)
		}
		e.Tier = wisp.BacklinkTier(tier)
		e.RepoStars = int(stars.Int64)
		e.RepoPushedAt = pushed.Time
		e.IsArchived, e.IsFork = archived != 0, fork != 0
		e.EdgeScore = score.Float64
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertBacklinkScore writes the aggregated backlink score for one server.
func (s *Store) UpsertBacklinkScore(ctx context.Context, b *wisp.BacklinkScore) error {
	const q = `INSERT INTO backlink_scores (server_name, raw_score, normalized_score, tier1_contribution, tier2_contribution,
			tier3_contribution, tier4_contribution, unique_repos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name) DO UPDATE SET
			raw_score = excluded.raw_score, normalized_score = excluded.normalized_score,
			tier1_contribution = excluded.tier1_contribution, tier2_contribution = excluded.tier2_contribution,
			tier3_contribution = excluded.tier3_contribution, tier4_contribution = excluded.tier4_contribution,
			unique_repos = excluded.unique_repos`
	_, err := s.db.ExecContext(ctx, q, b.ServerName, b.RawScore, b.NormalizedScore, b.Tier1Contribution,
		b.Tier2Contribution, b.Tier3Contribution, b.Tier4Contribution, b.UniqueRepos)
	if err != nil {
		return fmt.Errorf("upsert backlink score for %s: %w", b.ServerName, err)
	}
	return nil
}

// GetBacklinkScore retrieves the backlink score for one server.
func (s *Store) GetBacklinkScore(ctx context.Context, name string) (*wisp.BacklinkScore, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, raw_score, normalized_score, tier1_contribution, tier2_contribution, tier3_contribution, tier4_contribution, unique_repos
		 FROM backlink_scores WHERE server_name = ?`, name)
	var b wisp.BacklinkScore
	err := row.Scan(&b.ServerName, &b.RawScore, &b.NormalizedScore, &b.Tier1Contribution, &b.Tier2Contribution, &b.Tier3Contribution, &b.Tier4Contribution, &b.UniqueRepos)
	if err != nil {
		return nil, notFoundWrap(err, "get backlink score for %s", name)
	}
	return &b, nil
}

// ListRawScoresForNormalization returns every server's raw_score, used by
// the corpus-wide normalisation pass (spec.md §4.4 step 5: the 99th
// percentile of log1p(raw_score) across all servers with raw_score>0).
func (s *Store) ListRawScoresForNormalization(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_name, raw_score FROM backlink_scores WHERE raw_score > 0`)
	if err != nil {
		return nil, fmt.Errorf("list raw scores: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var raw float64
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("scan raw score: %w", err)
		}
		out[name] = raw
	}
	return out, rows.Err()
}
