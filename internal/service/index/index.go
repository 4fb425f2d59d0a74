// Package index implements the Index Builder of spec.md §4.6: rebuild the
// flattened SearchDoc table and keyword index from scratch, then fill in
// any missing dense embeddings in resumable batches.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/port/embedding"
)

// embeddingBatchSize is the fixed batch size for embedding encoding
// (spec.md §4.6: "batches of 16").
const embeddingBatchSize = 16

// Builder rebuilds the search index from the servers/tools tables and
// keeps tool_embeddings in sync with tools_search.
type Builder struct {
	store    *sqlite.Store
	embedder embedding.Embedder
	logger   *slog.Logger
}

// New builds an index.Builder. embedder may be nil: embeddings are then
// skipped and retrieval falls back to keyword-only search.
func New(store *sqlite.Store, embedder embedding.Embedder, logger *slog.Logger) *Builder {
	return &Builder{store: store, embedder: embedder, logger: logger}
}

// Rebuild reconstructs every tool's SearchDoc from its current parameters
// and server metadata, then rebuilds the FTS5 keyword index in one
// operation (spec.md §4.6: "rebuild-from-scratch").
func (b *Builder) Rebuild(ctx context.Context) error {
	servers, err := b.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers for index rebuild: %w", err)
	}

	for _, srv := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tools, err := b.store.ListToolsForServer(ctx, srv.Name)
		if err != nil {
			return fmt.Errorf("list tools for %s: %w", srv.Name, err)
		}
		for _, tool := range tools {
			params, err := b.store.ListToolParameters(ctx, srv.Name, tool.ToolName)
			if err != nil {
				return fmt.Errorf("list parameters for %s/%s: %w", srv.Name, tool.ToolName, err)
			}
			doc := buildSearchDoc(srv, tool, params)
			if err := b.store.UpsertSearchDoc(ctx, &doc); err != nil {
				return fmt.Errorf("upsert search doc for %s/%s: %w", srv.Name, tool.ToolName, err)
			}
		}
	}

	return b.store.RebuildKeywordIndex(ctx)
}

// buildSearchDoc flattens one tool into the SearchDoc segments of spec.md
// §4.6. The server name is deliberately omitted from name_text: it lives
// only in desc_text's context, per the segment-weighting rationale.
func buildSearchDoc(srv wisp.Server, tool wisp.Tool, params []wisp.ToolParameter) wisp.SearchDoc {
	nameText := strings.TrimSpace(tool.ToolName + " " + tool.Title)
	descText := strings.TrimSpace(tool.Description + " " + srv.Description)

	parts := make([]string, 0, len(params))
	for _, p := range params {
		part := fmt.Sprintf("%s: %s", p.ParamName, p.Description)
		if p.EnumValues != "" {
			part += fmt.Sprintf(" (enums: %s)", p.EnumValues)
		}
		parts = append(parts, part)
	}
	paramsText := strings.Join(parts, " | ")

	fullDoc := fmt.Sprintf(
		"Tool: %s\nServer: %s\nTitle: %s\nDescription: %s\nServer Description: %s\nParameters: %s",
		tool.ToolName, srv.Name, tool.Title, tool.Description, srv.Description, paramsText,
	)

	return wisp.SearchDoc{
		ToolID:     tool.ID,
		ToolName:   tool.ToolName,
		ServerName: srv.Name,
		NameText:   nameText,
		DescText:   descText,
		ParamsText: paramsText,
		FullDoc:    fullDoc,
	}
}

// UpdateEmbeddings encodes every SearchDoc missing a vector row, in batches
// of 16, committing after each batch so an interruption resumes from the
// missing set (spec.md §4.6). It is a no-op if no embedder was configured.
func (b *Builder) UpdateEmbeddings(ctx context.Context) error {
	if b.embedder == nil {
		b.logger.Warn("index: no embedder configured, skipping embedding update")
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := b.store.SearchDocsMissingEmbedding(ctx, embeddingBatchSize)
		if err != nil {
			return fmt.Errorf("list search docs missing embedding: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		docs := make([]string, len(batch))
		for i, d := range batch {
			docs[i] = d.FullDoc
		}
		vectors, err := b.embedder.Embed(ctx, docs)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(batch))
		}

		for i, d := range batch {
			if err := b.store.UpsertEmbedding(ctx, d.ToolID, vectors[i]); err != nil {
				return fmt.Errorf("store embedding for tool %d: %w", d.ToolID, err)
			}
		}
		b.logger.Info("index: embedded batch", "count", len(batch))
	}
}
