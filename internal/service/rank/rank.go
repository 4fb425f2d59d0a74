// Package rank implements the composite marketplace ranker of spec.md §4.5:
// four percentile-normalised pillars plus additive bonuses, clamped to
// [0, 1].
package rank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/domain"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/service/enrich"
)

// Ranker computes the market_rankings table from the signals every
// enrichment worker and the backlink scorer have already persisted. It
// reads but never mutates those upstream tables.
type Ranker struct {
	store *sqlite.Store
}

// New builds a Ranker.
func New(store *sqlite.Store) *Ranker {
	return &Ranker{store: store}
}

// rawSignals holds one server's pre-normalisation pillar inputs.
type rawSignals struct {
	name       string
	u          float64 // log1p(backlink raw_score)
	r          float64 // log10(1+stars) + log10(1+forks)
	activity   float64 // already in [0,1]
	reach      float64 // log10(1+total weekly downloads)
	isZeroAuth bool
	isVerified bool
}

// Run recomputes every server's MarketRanking in one pass (spec.md §4.5).
func (rk *Ranker) Run(ctx context.Context) error {
	servers, err := rk.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers for market ranking: %w", err)
	}

	signals := make([]rawSignals, 0, len(servers))
	for _, srv := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sig, err := rk.collectSignals(ctx, srv)
		if err != nil {
			return fmt.Errorf("collect signals for %s: %w", srv.Name, err)
		}
		signals = append(signals, sig)
	}

	qU := percentile99(extract(signals, func(s rawSignals) float64 { return s.u }))
	qR := percentile99(extract(signals, func(s rawSignals) float64 { return s.r }))
	qC := percentile99(extract(signals, func(s rawSignals) float64 { return s.reach }))

	for _, sig := range signals {
		usage := math.Min(1, sig.u/qU)
		reputation := math.Min(1, sig.r/qR)
		reach := math.Min(1, sig.reach/qC)

		total := 0.45*usage + 0.30*reputation + 0.15*sig.activity + 0.10*reach
		if sig.isZeroAuth {
			total += 0.05
		}
		if sig.isVerified {
			total += 0.10
		}
		total = math.Max(0, math.Min(1, total))

		err := rk.store.UpsertMarketRanking(ctx, &wisp.MarketRanking{
			ServerName:      sig.name,
			TotalScore:      total,
			UsageScore:      usage,
			ReputationScore: reputation,
			ActivityScore:   sig.activity,
			ReachScore:      reach,
			IsZeroAuth:      sig.isZeroAuth,
			IsVerified:      sig.isVerified,
		})
		if err != nil {
			return fmt.Errorf("write market ranking for %s: %w", sig.name, err)
		}
	}
	return nil
}

func (rk *Ranker) collectSignals(ctx context.Context, srv wisp.Server) (rawSignals, error) {
	sig := rawSignals{name: srv.Name, activity: 0.5}

	if backlinkScore, err := rk.store.GetBacklinkScore(ctx, srv.Name); err == nil {
		sig.u = math.Log1p(backlinkScore.RawScore)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return rawSignals{}, err
	}

	if ghSignal, err := rk.store.GetGitHubSignal(ctx, srv.Name); err == nil {
		sig.r = math.Log10(1+float64(ghSignal.Stars)) + math.Log10(1+float64(ghSignal.Forks))
		if !ghSignal.PushedAt.IsZero() {
			years := time.Since(ghSignal.PushedAt).Hours() / (24 * 365.25)
			sig.activity = math.Exp(-0.5 * years)
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return rawSignals{}, err
	}

	downloads, err := rk.store.ListPackageDownloads(ctx, srv.Name)
	if err != nil {
		return rawSignals{}, err
	}
	var weeklyTotal int64
	for _, d := range downloads {
		weeklyTotal += d.LastWeek
	}
	sig.reach = math.Log10(1 + float64(weeklyTotal))

	envVars, err := rk.store.ListEnvVars(ctx, srv.Name)
	if err != nil {
		return rawSignals{}, err
	}
	sig.isZeroAuth = true
	for _, ev := range envVars {
		if ev.IsSecret {
			sig.isZeroAuth = false
			break
		}
	}

	if owner, _, ok := enrich.ParseGitHubRepoURL(srv.RepositoryURL); ok {
		sig.isVerified = wisp.TrustedOrgs[strings.ToLower(owner)]
	}

	return sig, nil
}

// percentile99 returns the 99th-percentile value of vals, clamped to
// ≥ 1e-6 so a pillar with no corpus variance never divides by zero.
func percentile99(vals []float64) float64 {
	if len(vals) == 0 {
		return 1e-6
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	idx := int(0.99 * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	q := sorted[idx]
	if q < 1e-6 {
		q = 1e-6
	}
	return q
}

func extract(signals []rawSignals, f func(rawSignals) float64) []float64 {
	out := make([]float64, len(signals))
	for i, s := range signals {
		out[i] = f(s)
	}
	return out
}
