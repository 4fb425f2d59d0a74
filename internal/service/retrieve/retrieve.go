// Package retrieve implements the Hybrid Retriever of spec.md §4.7: fuse
// vector and keyword candidate sets, apply a relevance floor and a
// marketplace-quality re-rank, paginate, then hydrate the surviving page.
package retrieve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/ristretto"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain"
	"github.com/wisp-mcp/wisp/internal/port/embedding"
)

// embeddingCacheTTL bounds how long a query's embedding is reused. Query
// embeddings are stable for a given index generation, but nothing here
// invalidates the cache on index rebuild, so entries expire on their own
// instead of living forever.
const embeddingCacheTTL = 10 * time.Minute

// ServerRef is the nested server summary returned with each result.
type ServerRef struct {
	Name        string
	Description string
}

// Result is one hydrated, scored tool match.
type Result struct {
	ToolID       int64
	Name         string
	Title        string
	Description  string
	InputSchema  string
	RequiresAuth bool
	Server       ServerRef
	Relevance    float64
	Quality      float64
	Score        float64
}

// Response is the full paginated retrieval result (spec.md §4.7).
type Response struct {
	Query           string
	Page            int
	Limit           int
	TotalCandidates int
	Results         []Result
}

// Retriever executes hybrid keyword+vector search over the index built by
// the Index Builder.
type Retriever struct {
	store      *sqlite.Store
	embedder   embedding.Embedder
	queryCache *ristretto.Cache
	cfg        config.Retrieval
}

// New builds a Retriever. embedder may be nil: retrieval then falls back
// to keyword-only candidates, whose relevance is at most cfg.KeywordWeight;
// with the default keyword weight and relevance floor (both 0.3) none of
// them clears the floor. queryCache may also be nil, in which case
// every call re-embeds its query text.
func New(store *sqlite.Store, embedder embedding.Embedder, queryCache *ristretto.Cache, cfg config.Retrieval) *Retriever {
	return &Retriever{store: store, embedder: embedder, queryCache: queryCache, cfg: cfg}
}

type candidate struct {
	toolID    int64
	sScore    float64
	hasS      bool
	kRaw      float64
	hasK      bool
	relevance float64
	quality   float64
}

// score blends relevance and marketplace quality (spec.md §4.7 step 5).
func score(c candidate, cfg config.Retrieval) float64 {
	return cfg.RelevanceWeight*c.relevance + cfg.QualityWeight*c.quality
}

// Retrieve runs the full pipeline of spec.md §4.7 for one (query, page,
// limit) request.
func (r *Retriever) Retrieve(ctx context.Context, query string, page, limit int) (*Response, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	if limit > r.cfg.MaxLimit {
		limit = r.cfg.MaxLimit
	}

	candidates, err := r.collectCandidates(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("collect candidates: %w", err)
	}

	floored := candidates[:0]
	for _, c := range candidates {
		if c.relevance > r.cfg.RelevanceFloor {
			floored = append(floored, c)
		}
	}

	if err := r.applyQuality(ctx, floored); err != nil {
		return nil, fmt.Errorf("apply quality scores: %w", err)
	}

	sort.Slice(floored, func(i, j int) bool { return score(floored[i], r.cfg) > score(floored[j], r.cfg) })

	total := len(floored)
	start := (page - 1) * limit
	end := start + limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	pageCandidates := floored[start:end]

	results, err := r.hydrate(ctx, pageCandidates)
	if err != nil {
		return nil, fmt.Errorf("hydrate page: %w", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	return &Response{
		Query:           query,
		Page:            page,
		Limit:           limit,
		TotalCandidates: total,
		Results:         results,
	}, nil
}

// collectCandidates computes the vector+keyword union and each candidate's
// fused relevance score (spec.md §4.7 steps 1-4).
func (r *Retriever) collectCandidates(ctx context.Context, query string) ([]candidate, error) {
	byID := make(map[int64]*candidate)

	if r.embedder != nil {
		vector, err := r.embedQuery(ctx, query)
		if err == nil {
			hits, err := r.store.VectorSearch(ctx, vector, r.cfg.CandidateWindow)
			if err != nil && !strings.Contains(err.Error(), errVecUnavailable.Error()) {
				return nil, fmt.Errorf("vector search: %w", err)
			}
			for _, h := range hits {
				byID[h.ToolID] = &candidate{toolID: h.ToolID, sScore: h.SScore, hasS: true}
			}
		}
	}

	ftsQuery := sanitizeKeywordQuery(query)
	keywordHits, err := r.store.KeywordSearch(ctx, ftsQuery, r.cfg.CandidateWindow)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	var kMax float64
	for _, h := range keywordHits {
		if h.KRaw > kMax {
			kMax = h.KRaw
		}
	}
	for _, h := range keywordHits {
		c, ok := byID[h.ToolID]
		if !ok {
			c = &candidate{toolID: h.ToolID}
			byID[h.ToolID] = c
		}
		c.kRaw = h.KRaw
		c.hasK = true
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		var keywordTerm float64
		if c.hasK && kMax > 0 {
			keywordTerm = math.Log1p(c.kRaw) / math.Log1p(kMax)
		}
		var semanticTerm float64
		if c.hasS {
			semanticTerm = c.sScore
		}
		c.relevance = r.cfg.SemanticWeight*semanticTerm + r.cfg.KeywordWeight*keywordTerm
		out = append(out, *c)
	}
	return out, nil
}

// embedQuery embeds a query's text, reusing r.queryCache when present so
// repeated searches for the same text skip the embedder call.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	cacheKey := "query-embed:" + query
	if r.queryCache != nil {
		if cached, ok, err := r.queryCache.Get(ctx, cacheKey); err == nil && ok {
			var vector []float32
			if err := json.Unmarshal(cached, &vector); err == nil {
				return vector, nil
			}
		}
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}

	if r.queryCache != nil {
		if encoded, err := json.Marshal(vectors[0]); err == nil {
			_ = r.queryCache.Set(ctx, cacheKey, encoded, embeddingCacheTTL)
		}
	}
	return vectors[0], nil
}

// errVecUnavailable carries the message of the error the sqlite adapter
// returns when the vector extension isn't loaded. The adapter's sentinel is
// unexported, so collectCandidates matches it by message; retrieval then
// degrades to keyword-only candidates rather than failing the request.
var errVecUnavailable = errors.New("vector extension not available")

func sanitizeKeywordQuery(query string) string {
	var b strings.Builder
	for _, r := range query {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

// applyQuality joins each candidate to its server's MarketRanking.total_score
// (spec.md §4.7 step 5); absent rankings contribute 0.
func (r *Retriever) applyQuality(ctx context.Context, candidates []candidate) error {
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.toolID
	}
	serverNames, err := r.store.ServerNamesForTools(ctx, ids)
	if err != nil {
		return err
	}

	qualityByServer := make(map[string]float64)
	for _, name := range serverNames {
		if _, ok := qualityByServer[name]; ok {
			continue
		}
		ranking, err := r.store.GetMarketRanking(ctx, name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				qualityByServer[name] = 0
				continue
			}
			return err
		}
		qualityByServer[name] = ranking.TotalScore
	}

	for i := range candidates {
		candidates[i].quality = qualityByServer[serverNames[candidates[i].toolID]]
	}
	return nil
}

// hydrate fetches full server/tool metadata for the final page of
// candidates (spec.md §4.7 step 8).
func (r *Retriever) hydrate(ctx context.Context, candidates []candidate) ([]Result, error) {
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.toolID
	}
	hydrated, err := r.store.HydrateTools(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		h, ok := hydrated[c.toolID]
		if !ok {
			continue
		}
		out = append(out, Result{
			ToolID:       c.toolID,
			Name:         h.ToolName,
			Title:        h.Title,
			Description:  h.Description,
			InputSchema:  h.InputSchema,
			RequiresAuth: h.RequiresAuth,
			Server:       ServerRef{Name: h.ServerName, Description: h.ServerDescription},
			Relevance:    c.relevance,
			Quality:      c.quality,
			Score:        score(c, r.cfg),
		})
	}
	return out, nil
}
