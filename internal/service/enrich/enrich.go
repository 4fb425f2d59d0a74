// Package enrich implements the per-source enrichment workers of spec.md
// §4.3: one worker per external source, each following the same
// select-candidates / fetch / classify / persist / politeness-sleep
// contract.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/fetch"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/resilience"
)

// Runner holds the dependencies shared by every enrichment worker.
type Runner struct {
	store      *sqlite.Store
	fetcher    *fetch.Fetcher
	logger     *slog.Logger
	cfg        config.Enrichment
	fetchCfg   config.Fetcher
	breakerCfg config.Breaker

	breakersMu sync.Mutex
	breakers   map[string]*resilience.Breaker
}

// New builds a Runner. cfg carries per-source politeness delays, the
// "clean" re-enrichment flag, and API credentials; fetchCfg configures the
// shared Fetcher's retry/backoff behaviour for every outbound call;
// breakerCfg bounds how many consecutive exhausted-retry failures a source
// tolerates before RunXxx starts short-circuiting calls to it for the rest
// of the run.
func New(store *sqlite.Store, fetcher *fetch.Fetcher, logger *slog.Logger, cfg config.Enrichment, fetchCfg config.Fetcher, breakerCfg config.Breaker) *Runner {
	return &Runner{
		store: store, fetcher: fetcher, logger: logger, cfg: cfg, fetchCfg: fetchCfg,
		breakerCfg: breakerCfg, breakers: make(map[string]*resilience.Breaker),
	}
}

// breakerFor returns the per-source circuit breaker, creating it on first
// use. Each external source (github, npm, pypi, ...) trips independently so
// one flaky dependency doesn't stall enrichment of servers whose other
// sources are healthy.
func (r *Runner) breakerFor(source string) *resilience.Breaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	b, ok := r.breakers[source]
	if !ok {
		b = resilience.NewBreaker(r.breakerCfg.MaxFailures, r.breakerCfg.Timeout)
		r.breakers[source] = b
	}
	return b
}

// fetchThrough issues a Fetch call for the given source through that
// source's circuit breaker. A tripped breaker fails fast with the
// breaker's own error, which CategorizeFailure treats as a transient
// failure like any other exhausted-retry outcome.
func (r *Runner) fetchThrough(ctx context.Context, source, url string, opts fetch.Options) (*fetch.Response, error) {
	var resp *fetch.Response
	err := r.breakerFor(source).Execute(func() error {
		var fetchErr error
		resp, fetchErr = r.fetcher.Fetch(ctx, url, opts)
		if fetchErr != nil {
			return fetchErr
		}
		if resp.GaveUp || resp.StatusCode >= 500 {
			return httpStatusError(url, resp.StatusCode)
		}
		return nil
	})
	if err != nil && resp == nil {
		return nil, err
	}
	return resp, nil
}

// fetchOpts builds the base fetch.Options shared by every worker, layering
// per-call headers/params/service on top.
func (r *Runner) fetchOpts() fetch.Options {
	return fetch.Options{
		Timeout:    r.fetchCfg.Timeout,
		MaxRetries: r.fetchCfg.MaxRetries,
		BaseDelay:  r.fetchCfg.BaseDelay,
	}
}

// shouldSkip reports whether (name, enrichmentType) is gated by a prior
// permanent_failure and the runner was not built with the clean flag
// (spec.md §4.3 step 2).
func (r *Runner) shouldSkip(ctx context.Context, name, enrichmentType string) (bool, error) {
	if r.cfg.Clean {
		return false, nil
	}
	failed, err := r.store.IsPermanentlyFailed(ctx, name, enrichmentType)
	if err != nil {
		return false, fmt.Errorf("check permanent failure for %s/%s: %w", name, enrichmentType, err)
	}
	return failed, nil
}

// markOutcome records a success or classified failure for one
// (server, enrichment_type) pair (spec.md §4.3 step 3, §7 taxonomy).
func (r *Runner) markOutcome(ctx context.Context, name, enrichmentType string, cause error) {
	st := &wisp.EnrichmentStatus{
		ServerName:      name,
		EnrichmentType:  enrichmentType,
		LastAttemptedAt: time.Now(),
	}
	if cause == nil {
		st.Status = wisp.EnrichmentSuccess
	} else {
		category, reason := wisp.CategorizeFailure(cause.Error())
		st.FailureReason = reason
		// spec.md §7: auth_required (401/403) is permanent-until-clean,
		// same as the permanent category proper.
		if category == wisp.CategoryPermanent || category == wisp.CategoryAuthRequired {
			st.Status = wisp.EnrichmentPermanentFailure
		} else {
			st.Status = wisp.EnrichmentTransientFailure
		}
	}
	if err := r.store.UpsertEnrichmentStatus(ctx, st); err != nil {
		r.logger.Error("failed to persist enrichment status", "server", name, "type", enrichmentType, "error", err)
	}
	if cause != nil {
		r.logger.Warn("enrichment failed", "server", name, "type", enrichmentType, "error", cause, "status", st.Status)
	}
}

// politeSleep enforces the per-source minimum inter-request delay, still
// interruptible by ctx (spec.md §4.3 step 4).
func (r *Runner) politeSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logProgress emits a periodic progress line every CommitBatchSize items
// (spec.md §4.3 step 5: "Commit periodically ... so an interrupt preserves
// progress" — each Upsert* call already commits individually, this is only
// the operator-facing progress marker).
func (r *Runner) logProgress(source string, processed, total int) {
	if r.cfg.CommitBatchSize <= 0 || processed%r.cfg.CommitBatchSize != 0 {
		return
	}
	r.logger.Info("enrichment progress", "source", source, "processed", processed, "total", total)
}

// httpStatusError builds an error message CategorizeFailure can classify
// from a non-2xx HTTP response (the status code itself is embedded in the
// message per DESIGN.md Open Question 2).
func httpStatusError(url string, status int) error {
	return fmt.Errorf("request to %s failed with status %d", url, status)
}
