package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

const serviceCostEnrichmentType = sqlite.EnrichmentTypeServiceCost

// RunServiceCost classifies every server's paid-service dependencies from
// its secret env var names against the curated KnownPaidServices table.
// Entirely offline: no HTTP Fetcher, no politeness delay (spec.md §4.3).
func (r *Runner) RunServiceCost(ctx context.Context) error {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers for service cost analysis: %w", err)
	}

	for i, srv := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		skip, err := r.shouldSkip(ctx, srv.Name, serviceCostEnrichmentType)
		if err != nil {
			return err
		}
		if !skip {
			if err := r.classifyOneServer(ctx, srv.Name); err != nil {
				r.markOutcome(ctx, srv.Name, serviceCostEnrichmentType, err)
			} else {
				r.markOutcome(ctx, srv.Name, serviceCostEnrichmentType, nil)
			}
		}
		r.logProgress("service_cost", i+1, len(servers))
	}
	return nil
}

func (r *Runner) classifyOneServer(ctx context.Context, name string) error {
	envVars, err := r.store.ListEnvVars(ctx, name)
	if err != nil {
		return fmt.Errorf("list env vars for %s: %w", name, err)
	}

	var paidServices []string
	freeTierAvailable := false
	seen := make(map[string]bool)
	for _, ev := range envVars {
		if !ev.IsSecret {
			continue
		}
		lowerName := strings.ToLower(ev.VarName)
		for fragment, svc := range wisp.KnownPaidServices {
			if !strings.Contains(lowerName, fragment) || seen[svc.DisplayName] {
				continue
			}
			seen[svc.DisplayName] = true
			paidServices = append(paidServices, svc.DisplayName)
			if svc.HasFreeTier {
				freeTierAvailable = true
			}
		}
	}

	return r.store.UpsertServiceCostHint(ctx, &wisp.ServiceCostHint{
		ServerName:          name,
		RequiresPaidService: len(paidServices) > 0,
		PaidServices:        paidServices,
		FreeTierAvailable:   freeTierAvailable,
		EnrichedAt:          time.Now(),
	})
}
