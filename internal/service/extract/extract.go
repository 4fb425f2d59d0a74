// Package extract implements the tool-listing extraction worker: for each
// candidate server it opens an MCP session, lists tools/resources/prompts,
// and persists the result, grounded on original_source/wisp/server/
// mcp_client.py's save_tools/save_resources/save_prompts/log_connection/
// update_extraction_status (SPEC_FULL.md Part D.1–D.2).
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wisp-mcp/wisp/internal/adapter/mcpclient"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/domain"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
	"github.com/wisp-mcp/wisp/internal/service/connect"
)

// Worker runs the extraction pass over every registered server.
type Worker struct {
	store   *sqlite.Store
	logger  *slog.Logger
	timeout time.Duration
	clean   bool
}

// New builds an extraction Worker. timeout bounds each server's full
// session (initialize + list_tools + list_resources + list_prompts); clean
// disables the permanent_failure skip so every server is retried.
func New(store *sqlite.Store, logger *slog.Logger, timeout time.Duration, clean bool) *Worker {
	return &Worker{store: store, logger: logger, timeout: timeout, clean: clean}
}

// Run extracts tools for every server in names, skipping those gated by a
// prior permanent_failure unless the worker was built with clean=true.
func (w *Worker) Run(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.clean {
			st, err := w.store.GetExtractionStatus(ctx, name)
			if err == nil && st.Status == wisp.ExtractionPermanentFailure {
				continue
			}
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("check extraction status for %s: %w", name, err)
			}
		}
		w.extractOne(ctx, name)
	}
	return nil
}

// extractOne extracts a single server's tools/resources/prompts. Errors are
// recorded in ExtractionStatus and ConnectionLog rather than propagated, so
// one server's failure never aborts the batch (mirrors the enrichment
// worker contract of spec.md §4.3 step 3).
func (w *Worker) extractOne(ctx context.Context, name string) {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	info, err := connect.Resolve(callCtx, w.store, name)
	if err != nil {
		w.recordFailure(ctx, name, "none", "", err)
		return
	}

	urlOrCommand := info.Command
	if info.Method == mcpclient.MethodRemote {
		urlOrCommand = info.URL
	}

	session, err := mcpclient.Open(callCtx, info)
	if err != nil {
		w.recordFailure(ctx, name, string(info.Method), urlOrCommand, err)
		return
	}
	defer session.Close() //nolint:errcheck

	tools, err := session.ListTools(callCtx)
	if err != nil {
		w.recordFailure(ctx, name, string(info.Method), urlOrCommand, err)
		return
	}
	resources, err := session.ListResources(callCtx)
	if err != nil {
		w.logger.Warn("list resources failed, continuing with tools only", "server", name, "error", err)
		resources = nil
	}
	prompts, err := session.ListPrompts(callCtx)
	if err != nil {
		w.logger.Warn("list prompts failed, continuing with tools only", "server", name, "error", err)
		prompts = nil
	}

	domainTools, domainParams := convertTools(name, tools)
	domainResources := convertResources(name, resources)
	domainPrompts := convertPrompts(name, prompts)

	if err := w.store.ReplaceServerTools(ctx, name, domainTools, domainParams, domainResources, domainPrompts); err != nil {
		w.recordFailure(ctx, name, string(info.Method), urlOrCommand, err)
		return
	}

	now := time.Now()
	if err := w.store.UpsertExtractionStatus(ctx, &wisp.ExtractionStatus{
		ServerName:       name,
		Status:           wisp.ExtractionSuccess,
		ToolsCount:       len(domainTools),
		ResourcesCount:   len(domainResources),
		PromptsCount:     len(domainPrompts),
		ConnectionMethod: string(info.Method),
		LastAttemptedAt:  now,
		LastSuccessfulAt: now,
	}); err != nil {
		w.logger.Error("failed to persist extraction status", "server", name, "error", err)
	}

	if err := w.store.InsertConnectionLog(ctx, &wisp.ConnectionLog{
		ServerName:     name,
		ConnectionType: string(info.Method),
		URLOrCommand:   urlOrCommand,
		Success:        true,
		ToolsCount:     len(domainTools),
		ResourcesCount: len(domainResources),
		PromptsCount:   len(domainPrompts),
		AttemptedAt:    now,
	}); err != nil {
		w.logger.Error("failed to persist connection log", "server", name, "error", err)
	}
}

// recordFailure classifies err and writes the resulting ExtractionStatus
// and ConnectionLog rows (original_source's update_extraction_status /
// log_connection).
func (w *Worker) recordFailure(ctx context.Context, name, connectionType, urlOrCommand string, cause error) {
	category, reason := wisp.CategorizeFailure(cause.Error())
	if errors.Is(cause, connect.ErrNoConnectionInfo) {
		category, reason = wisp.CategoryPermanent, "not_found"
	}
	status := wisp.ExtractionTransientFailure
	if category == wisp.CategoryPermanent {
		status = wisp.ExtractionPermanentFailure
	}

	now := time.Now()
	if err := w.store.UpsertExtractionStatus(ctx, &wisp.ExtractionStatus{
		ServerName:       name,
		Status:           status,
		FailureCategory:  string(category),
		FailureReason:    reason,
		ConnectionMethod: connectionType,
		LastAttemptedAt:  now,
	}); err != nil {
		w.logger.Error("failed to persist extraction failure status", "server", name, "error", err)
	}

	if err := w.store.InsertConnectionLog(ctx, &wisp.ConnectionLog{
		ServerName:     name,
		ConnectionType: connectionType,
		URLOrCommand:   urlOrCommand,
		Success:        false,
		ErrorMessage:   cause.Error(),
		AttemptedAt:    now,
	}); err != nil {
		w.logger.Error("failed to persist connection log", "server", name, "error", err)
	}

	w.logger.Warn("extraction failed", "server", name, "category", category, "reason", reason, "error", cause)
}

// convertTools maps mcp-go tool results onto domain rows, flattening each
// tool's JSON Schema "properties" into ToolParameter rows (mirrors
// mcp_client.py's save_tools).
func convertTools(serverName string, tools []mcp.Tool) ([]wisp.Tool, []wisp.ToolParameter) {
	domainTools := make([]wisp.Tool, 0, len(tools))
	var domainParams []wisp.ToolParameter

	for _, t := range tools {
		inputSchema, _ := json.Marshal(t.InputSchema)

		domainTools = append(domainTools, wisp.Tool{
			ServerName:  serverName,
			ToolName:    t.Name,
			Description: t.Description,
			InputSchema: string(inputSchema),
		})

		domainParams = append(domainParams, SchemaToParameters(serverName, t.Name, t.InputSchema)...)
	}
	return domainTools, domainParams
}

func convertResources(serverName string, resources []mcp.Resource) []wisp.Resource {
	out := make([]wisp.Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, wisp.Resource{
			ServerName:  serverName,
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MIMEType,
		})
	}
	return out
}

func convertPrompts(serverName string, prompts []mcp.Prompt) []wisp.Prompt {
	out := make([]wisp.Prompt, 0, len(prompts))
	for _, p := range prompts {
		argsJSON, _ := json.Marshal(p.Arguments)
		out = append(out, wisp.Prompt{
			ServerName:    serverName,
			PromptName:    p.Name,
			Description:   p.Description,
			ArgumentsJSON: string(argsJSON),
		})
	}
	return out
}

// SchemaToParameters flattens a JSON-Schema "properties" object into one
// ToolParameter row per property (mirrors mcp_client.py's save_tools, which
// stores each input-schema property as its own row for search/filtering).
func SchemaToParameters(serverName, toolName string, schema mcp.ToolInputSchema) []wisp.ToolParameter {
	if len(schema.Properties) == 0 {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}

	params := make([]wisp.ToolParameter, 0, len(schema.Properties))
	for name, raw := range schema.Properties {
		prop, _ := raw.(map[string]any)

		paramType, _ := prop["type"].(string)
		description, _ := prop["description"].(string)

		var defaultJSON, enumJSON []byte
		if def, ok := prop["default"]; ok {
			defaultJSON, _ = json.Marshal(def)
		}
		if enum, ok := prop["enum"]; ok {
			enumJSON, _ = json.Marshal(enum)
		}

		params = append(params, wisp.ToolParameter{
			ServerName:   serverName,
			ToolName:     toolName,
			ParamName:    name,
			ParamType:    paramType,
			Description:  description,
			IsRequired:   required[name],
			DefaultValue: string(defaultJSON),
			EnumValues:   string(enumJSON),
		})
	}
	return params
}
