package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// ReplaceServerTools replaces a server's full tool/resource/prompt listing
// in one transaction, the extraction worker's re-ingest semantics mirroring
// ReplaceServerDependents (spec.md §4.2: "a successful extraction wholly
// replaces the prior listing").
func (s *Store) ReplaceServerTools(ctx context.Context, name string, tools []wisp.Tool, params []wisp.ToolParameter, resources []wisp.Resource, prompts []wisp.Prompt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tools: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM tool_parameters WHERE server_name = ?`,
		`DELETE FROM tools WHERE server_name = ?`,
		`DELETE FROM resources WHERE server_name = ?`,
		`DELETE FROM prompts WHERE server_name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return fmt.Errorf("clear tools for %s: %w", name, err)
		}
	}

	for _, t := range tools {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tools (server_name, tool_name, title, description, input_schema, output_schema) VALUES (?, ?, ?, ?, ?, ?)`,
			name, t.ToolName, t.Title, t.Description, t.InputSchema, t.OutputSchema,
		)
		if err != nil {
			return fmt.Errorf("insert tool %s/%s: %w", name, t.ToolName, err)
		}
	}

	for _, p := range params {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tool_parameters (server_name, tool_name, param_name, param_type, description, is_required, default_value, enum_values)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			name, p.ToolName, p.ParamName, p.ParamType, p.Description, boolToInt(p.IsRequired), p.DefaultValue, p.EnumValues,
		)
		if err != nil {
			return fmt.Errorf("insert tool parameter %s/%s/%s: %w", name, p.ToolName, p.ParamName, err)
		}
	}

	for _, r := range resources {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO resources (server_name, uri, name, description, mime_type) VALUES (?, ?, ?, ?, ?)`,
			name, r.URI, r.Name, r.Description, r.MimeType,
		)
		if err != nil {
			return fmt.Errorf("insert resource %s/%s: %w", name, r.URI, err)
		}
	}

	for _, p := range prompts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO prompts (server_name, prompt_name, description, arguments_json) VALUES (?, ?, ?, ?)`,
			name, p.PromptName, p.Description, p.ArgumentsJSON,
		)
		if err != nil {
			return fmt.Errorf("insert prompt %s/%s: %w", name, p.PromptName, err)
		}
	}

	return tx.Commit()
}

// ListToolsForServer returns every tool advertised by a server.
func (s *Store) ListToolsForServer(ctx context.Context, name string) ([]wisp.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_name, tool_name, title, description, input_schema, output_schema FROM tools WHERE server_name = ? ORDER BY tool_name`, name)
	if err != nil {
		return nil, fmt.Errorf("list tools for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.Tool
	for rows.Next() {
		var t wisp.Tool
		var output sql.NullString
		if err := rows.Scan(&t.ID, &t.ServerName, &t.ToolName, &t.Title, &t.Description, &t.InputSchema, &output); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		t.OutputSchema = output.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListToolParameters returns every parameter of one tool.
func (s *Store) ListToolParameters(ctx context.Context, serverName, toolName string) ([]wisp.ToolParameter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, tool_name, param_name, param_type, description, is_required, default_value, enum_values
		 FROM tool_parameters WHERE server_name = ? AND tool_name = ? ORDER BY param_name`, serverName, toolName)
	if err != nil {
		return nil, fmt.Errorf("list tool parameters for %s/%s: %w", serverName, toolName, err)
	}
	defer rows.Close()

	var out []wisp.ToolParameter
	for rows.Next() {
		var p wisp.ToolParameter
		var required int
		var def, enums sql.NullString
		if err := rows.Scan(&p.ServerName, &p.ToolName, &p.ParamName, &p.ParamType, &p.Description, &required, &def, &enums); err != nil {
			return nil, fmt.Errorf("scan tool parameter: %w", err)
		}
		p.IsRequired = required != 0
		p.DefaultValue, p.EnumValues = def.String, enums.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListResourcesForServer returns every resource advertised by a server.
func (s *Store) ListResourcesForServer(ctx context.Context, name string) ([]wisp.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, uri, name, description, mime_type FROM resources WHERE server_name = ? ORDER BY uri`, name)
	if err != nil {
		return nil, fmt.Errorf("list resources for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.Resource
	for rows.Next() {
		var r wisp.Resource
		if err := rows.Scan(&r.ServerName, &r.URI, &r.Name, &r.Description, &r.MimeType); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPromptsForServer returns every prompt advertised by a server.
func (s *Store) ListPromptsForServer(ctx context.Context, name string) ([]wisp.Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, prompt_name, description, arguments_json FROM prompts WHERE server_name = ? ORDER BY prompt_name`, name)
	if err != nil {
		return nil, fmt.Errorf("list prompts for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.Prompt
	for rows.Next() {
		var p wisp.Prompt
		var args sql.NullString
		if err := rows.Scan(&p.ServerName, &p.PromptName, &p.Description, &args); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		p.ArgumentsJSON = args.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertExtractionStatus records the outcome of an extraction attempt. On
// success, last_successful_at is bumped to the attempt time and retry_count
// resets; on failure retry_count increments (mirrors enrichment_status'
// retry-gating rule, original_source's update_extraction_status).
func (s *Store) UpsertExtractionStatus(ctx context.Context, st *wisp.ExtractionStatus) error {
	const q = `INSERT INTO extraction_status (server_name, status, failure_category, failure_reason, tools_count,
			resources_count, prompts_count, connection_method, last_attempted_at, last_successful_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name) DO UPDATE SET
			status = excluded.status, failure_category = excluded.failure_category, failure_reason = excluded.failure_reason,
			tools_count = excluded.tools_count, resources_count = excluded.resources_count, prompts_count = excluded.prompts_count,
			connection_method = excluded.connection_method, last_attempted_at = excluded.last_attempted_at,
			last_successful_at = CASE WHEN excluded.status = 'success' THEN excluded.last_attempted_at ELSE extraction_status.last_successful_at END,
			retry_count = CASE WHEN excluded.status = 'success' THEN 0 ELSE extraction_status.retry_count + 1 END`
	_, err := s.db.ExecContext(ctx, q,
		st.ServerName, string(st.Status), st.FailureCategory, st.FailureReason, st.ToolsCount,
		st.ResourcesCount, st.PromptsCount, st.ConnectionMethod, nullTime(st.LastAttemptedAt), nullTime(st.LastSuccessfulAt), st.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("upsert extraction status for %s: %w", st.ServerName, err)
	}
	return nil
}

// GetExtractionStatus retrieves the current extraction status for a server.
func (s *Store) GetExtractionStatus(ctx context.Context, name string) (*wisp.ExtractionStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, status, failure_category, failure_reason, tools_count, resources_count, prompts_count,
			connection_method, last_attempted_at, last_successful_at, retry_count
		 FROM extraction_status WHERE server_name = ?`, name)

	var st wisp.ExtractionStatus
	var status string
	var failCat, failReason, method sql.NullString
	var attempted, successful sql.NullTime
	err := row.Scan(&st.ServerName, &status, &failCat, &failReason, &st.ToolsCount, &st.ResourcesCount, &st.PromptsCount,
		&method, &attempted, &successful, &st.RetryCount)
	if err != nil {
		return nil, notFoundWrap(err, "get extraction status for %s", name)
	}
	st.Status = wisp.ExtractionOutcome(status)
	st.FailureCategory, st.FailureReason, st.ConnectionMethod = failCat.String, failReason.String, method.String
	st.LastAttemptedAt, st.LastSuccessfulAt = attempted.Time, successful.Time
	return &st, nil
}

// InsertConnectionLog appends one audit row recording an extraction attempt
// against a server's MCP endpoint.
func (s *Store) InsertConnectionLog(ctx context.Context, l *wisp.ConnectionLog) error {
	const q = `INSERT INTO connection_log (server_name, connection_type, url_or_command, success, error_message,
			tools_count, resources_count, prompts_count, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		l.ServerName, l.ConnectionType, l.URLOrCommand, boolToInt(l.Success), l.ErrorMessage,
		l.ToolsCount, l.ResourcesCount, l.PromptsCount, nullTime(l.AttemptedAt),
	)
	if err != nil {
		return fmt.Errorf("insert connection log for %s: %w", l.ServerName, err)
	}
	return nil
}

// ListConnectionLog returns the most recent connection log entries for a
// server, newest first, bounded by limit.
func (s *Store) ListConnectionLog(ctx context.Context, name string, limit int) ([]wisp.ConnectionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, connection_type, url_or_command, success, error_message, tools_count, resources_count, prompts_count, attempted_at
		 FROM connection_log WHERE server_name = ? ORDER BY attempted_at DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("list connection log for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.ConnectionLog
	for rows.Next() {
		var l wisp.ConnectionLog
		var success int
		var attempted sql.NullTime
		if err := rows.Scan(&l.ServerName, &l.ConnectionType, &l.URLOrCommand, &success, &l.ErrorMessage,
			&l.ToolsCount, &l.ResourcesCount, &l.PromptsCount, &attempted); err != nil {
			return nil, fmt.Errorf("scan connection log: %w", err)
		}
		l.Success = success != 0
		l.AttemptedAt = attempted.Time
		out = append(out, l)
	}
	return out, rows.Err()
}
