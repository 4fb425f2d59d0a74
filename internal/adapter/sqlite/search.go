package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// UpsertSearchDoc writes one tool's derived search document. tools_search is
// the FTS5 "content table"; it does not itself keep tools_fts in sync, so
// callers must follow a batch of writes with RebuildKeywordIndex (spec.md
// §4.6: "rebuild the FTS index from the SearchDoc table as a single
// operation").
func (s *Store) UpsertSearchDoc(ctx context.Context, d *wisp.SearchDoc) error {
	const q = `INSERT INTO tools_search (tool_id, tool_name, server_name, name_text, desc_text, params_text, full_doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tool_id) DO UPDATE SET
			tool_name = excluded.tool_name, server_name = excluded.server_name, name_text = excluded.name_text,
			desc_text = excluded.desc_text, params_text = excluded.params_text, full_doc = excluded.full_doc`
	_, err := s.db.ExecContext(ctx, q, d.ToolID, d.ToolName, d.ServerName, d.NameText, d.DescText, d.ParamsText, d.FullDoc)
	if err != nil {
		return fmt.Errorf("upsert search doc for tool %d: %w", d.ToolID, err)
	}
	return nil
}

// DeleteSearchDoc removes a tool's search document (and its embedding),
// used when a server's tool listing is replaced and a prior tool id no
// longer exists.
func (s *Store) DeleteSearchDoc(ctx context.Context, toolID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tools_search WHERE tool_id = ?`, toolID); err != nil {
		return fmt.Errorf("delete search doc %d: %w", toolID, err)
	}
	if s.db.VecAvailable() {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_embeddings WHERE tool_id = ?`, toolID); err != nil {
			return fmt.Errorf("delete embedding %d: %w", toolID, err)
		}
	}
	return nil
}

// RebuildKeywordIndex rebuilds tools_fts from tools_search in one operation,
// FTS5's documented 'rebuild' special command for external-content tables.
func (s *Store) RebuildKeywordIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tools_fts(tools_fts) VALUES('rebuild')`)
	if err != nil {
		return fmt.Errorf("rebuild keyword index: %w", err)
	}
	return nil
}

// SearchDocsMissingEmbedding returns up to limit SearchDocs whose tool has
// no row in tool_embeddings yet, the index builder's resumable embedding
// backlog (spec.md §4.6: "encoding may be interrupted; restart resumes from
// the missing set").
func (s *Store) SearchDocsMissingEmbedding(ctx context.Context, limit int) ([]wisp.SearchDoc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts.tool_id, ts.tool_name, ts.server_name, ts.name_text, ts.desc_text, ts.params_text, ts.full_doc
		 FROM tools_search ts
		 LEFT JOIN tool_embeddings te ON te.tool_id = ts.tool_id
		 WHERE te.tool_id IS NULL
		 ORDER BY ts.tool_id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list search docs missing embedding: %w", err)
	}
	defer rows.Close()

	var out []wisp.SearchDoc
	for rows.Next() {
		var d wisp.SearchDoc
		if err := rows.Scan(&d.ToolID, &d.ToolName, &d.ServerName, &d.NameText, &d.DescText, &d.ParamsText, &d.FullDoc); err != nil {
			return nil, fmt.Errorf("scan search doc: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertEmbedding writes one tool's dense embedding vector. vector is
// encoded as a JSON float array and converted by vec_f32() on write, the
// sqlite-vec-documented text input format for vec0 columns.
func (s *Store) UpsertEmbedding(ctx context.Context, toolID int64, vector []float32) error {
	if !s.db.VecAvailable() {
		return fmt.Errorf("upsert embedding for tool %d: %w", toolID, errVecUnavailable)
	}
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal embedding for tool %d: %w", toolID, err)
	}
	const q = `INSERT INTO tool_embeddings (tool_id, embedding) VALUES (?, vec_f32(?))
		ON CONFLICT(tool_id) DO UPDATE SET embedding = excluded.embedding`
	if _, err := s.db.ExecContext(ctx, q, toolID, string(encoded)); err != nil {
		return fmt.Errorf("upsert embedding for tool %d: %w", toolID, err)
	}
	return nil
}

var errVecUnavailable = fmt.Errorf("vector extension not available")

// VectorHit is one top-k match from VectorSearch.
type VectorHit struct {
	ToolID  int64
	SScore  float64 // 1 - cosine_distance, per spec.md §4.7 step 3
}

// VectorSearch returns the top `limit` tools by cosine similarity to
// queryVector. Callers must check s.db.VecAvailable() first; when the
// extension is missing the retriever falls back to keyword-only results
// (spec.md §4.7 is silent on this fallback but §4.1's failure clause
// implies it, since the vector tables are simply absent).
func (s *Store) VectorSearch(ctx context.Context, queryVector []float32, limit int) ([]VectorHit, error) {
	if !s.db.VecAvailable() {
		return nil, errVecUnavailable
	}
	encoded, err := json.Marshal(queryVector)
	if err != nil {
		return nil, fmt.Errorf("marshal query vector: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_id, distance FROM tool_embeddings WHERE embedding MATCH vec_f32(?) AND k = ? ORDER BY distance`,
		string(encoded), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []VectorHit
	for rows.Next() {
		var toolID int64
		var distance float64
		if err := rows.Scan(&toolID, &distance); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		out = append(out, VectorHit{ToolID: toolID, SScore: 1 - distance})
	}
	return out, rows.Err()
}

// KeywordHit is one top-k match from KeywordSearch.
type KeywordHit struct {
	ToolID int64
	KRaw   float64 // -bm25(weights), per spec.md §4.7 step 3
}

// KeywordSearch returns the top `limit` tools by negated BM25 score with
// the fixed per-segment weights of spec.md §3 (5.0 name, 3.0 description,
// 1.0 parameters). An empty or whitespace-only query returns no rows
// without error; callers then rely on vector hits alone (spec.md §8: "FTS
// queries that reduce to empty whitespace" return only vector hits).
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	if isBlank(query) {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, -bm25(tools_fts, 5.0, 3.0, 1.0) AS k_raw FROM tools_fts WHERE tools_fts MATCH ? ORDER BY k_raw DESC LIMIT ?`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var out []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.ToolID, &h.KRaw); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' {
			return false
		}
	}
	return true
}

// HydratedTool is one row of v_tools_full, the shape the Hybrid Retriever
// fetches for the page of candidates left after sorting and pagination.
type HydratedTool struct {
	ToolID            int64
	ToolName          string
	Title             string
	Description       string
	InputSchema       string
	OutputSchema      string
	ServerName        string
	ServerDescription string
	RequiresAuth      bool
}

// ServerNamesForTools returns the server_name each of the given tool ids
// belongs to, read from tools_search. The Hybrid Retriever uses this to
// join each candidate against its server's MarketRanking (spec.md §4.7
// step 5) before paying for the fuller v_tools_full hydration of step 8.
func (s *Store) ServerNamesForTools(ctx context.Context, toolIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(toolIDs))
	if len(toolIDs) == 0 {
		return out, nil
	}

	placeholders := make([]byte, 0, len(toolIDs)*2)
	args := make([]any, 0, len(toolIDs))
	for i, id := range toolIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}

	query := fmt.Sprintf(`SELECT tool_id, server_name FROM tools_search WHERE tool_id IN (%s)`, string(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("server names for tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan server name for tool: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

// HydrateTools fetches v_tools_full rows for a specific set of tool ids,
// preserving no particular order; callers re-sort by score themselves.
func (s *Store) HydrateTools(ctx context.Context, toolIDs []int64) (map[int64]HydratedTool, error) {
	out := make(map[int64]HydratedTool, len(toolIDs))
	if len(toolIDs) == 0 {
		return out, nil
	}

	placeholders := make([]byte, 0, len(toolIDs)*2)
	args := make([]any, 0, len(toolIDs))
	for i, id := range toolIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`SELECT tool_id, tool_name, title, description, input_schema, output_schema, server_name, server_description, requires_auth
		 FROM v_tools_full WHERE tool_id IN (%s)`, string(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hydrate tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h HydratedTool
		var output sql.NullString
		var requiresAuth int
		if err := rows.Scan(&h.ToolID, &h.ToolName, &h.Title, &h.Description, &h.InputSchema, &output, &h.ServerName, &h.ServerDescription, &requiresAuth); err != nil {
			return nil, fmt.Errorf("scan hydrated tool: %w", err)
		}
		h.OutputSchema = output.String
		h.RequiresAuth = requiresAuth != 0
		out[h.ToolID] = h
	}
	return out, rows.Err()
}
