package sqlite

import (
	"context"
	"fmt"

	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// UpsertMarketRanking writes the composite market ranking for one server
// (spec.md §4.5).
func (s *Store) UpsertMarketRanking(ctx context.Context, m *wisp.MarketRanking) error {
	const q = `INSERT INTO market_rankings (server_name, total_score, usage_score, reputation_score, activity_score, reach_score, is_zero_auth, is_verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name) DO UPDATE SET
			total_score = excluded.total_score, usage_score = excluded.usage_score, reputation_score = excluded.reputation_score,
			activity_score = excluded.activity_score, reach_score = excluded.reach_score,
			is_zero_auth = excluded.is_zero_auth, is_verified = excluded.is_verified`
	_, err := s.db.ExecContext(ctx, q, m.ServerName, m.TotalScore, m.UsageScore, m.ReputationScore, m.ActivityScore,
		m.ReachScore, boolToInt(m.IsZeroAuth), boolToInt(m.IsVerified))
	if err != nil {
		return fmt.Errorf("upsert market ranking for %s: %w", m.ServerName, err)
	}
	return nil
}

// GetMarketRanking retrieves the market ranking for one server.
func (s *Store) GetMarketRanking(ctx context.Context, name string) (*wisp.MarketRanking, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, total_score, usage_score, reputation_score, activity_score, reach_score, is_zero_auth, is_verified
		 FROM market_rankings WHERE server_name = ?`, name)
	var m wisp.MarketRanking
	var zeroAuth, verified int
	err := row.Scan(&m.ServerName, &m.TotalScore, &m.UsageScore, &m.ReputationScore, &m.ActivityScore, &m.ReachScore, &zeroAuth, &verified)
	if err != nil {
		return nil, notFoundWrap(err, "get market ranking for %s", name)
	}
	m.IsZeroAuth, m.IsVerified = zeroAuth != 0, verified != 0
	return &m, nil
}

// ListMarketRankings returns every market ranking, used by the ranker's
// corpus-wide percentile normalisation pass.
func (s *Store) ListMarketRankings(ctx context.Context) ([]wisp.MarketRanking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, total_score, usage_score, reputation_score, activity_score, reach_score, is_zero_auth, is_verified FROM market_rankings`)
	if err != nil {
		return nil, fmt.Errorf("list market rankings: %w", err)
	}
	defer rows.Close()

	var out []wisp.MarketRanking
	for rows.Next() {
		var m wisp.MarketRanking
		var zeroAuth, verified int
		if err := rows.Scan(&m.ServerName, &m.TotalScore, &m.UsageScore, &m.ReputationScore, &m.ActivityScore, &m.ReachScore, &zeroAuth, &verified); err != nil {
			return nil, fmt.Errorf("scan market ranking: %w", err)
		}
		m.IsZeroAuth, m.IsVerified = zeroAuth != 0, verified != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
