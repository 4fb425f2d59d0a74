package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// UpsertServer inserts or overwrites a server's core identity row. Name is
// immutable once created; every other attribute may be overwritten by
// re-ingest (spec.md §3).
func (s *Store) UpsertServer(ctx context.Context, srv *wisp.Server) error {
	const q = `INSERT INTO servers (name, description, version, repository_url, status, published_at, updated_at, icon_src, icon_mime_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			version = excluded.version,
			repository_url = excluded.repository_url,
			status = excluded.status,
			published_at = excluded.published_at,
			updated_at = excluded.updated_at,
			icon_src = excluded.icon_src,
			icon_mime_type = excluded.icon_mime_type`
	_, err := s.db.ExecContext(ctx, q,
		srv.Name, srv.Description, srv.Version, srv.RepositoryURL, srv.Status,
		nullTime(srv.PublishedAt), nullTime(srv.UpdatedAt), srv.IconSrc, srv.IconMimeType,
	)
	if err != nil {
		return fmt.Errorf("upsert server %s: %w", srv.Name, err)
	}
	return nil
}

// ReplaceServerDependents performs the re-ingest DELETE-then-reinsert
// documented in spec.md §3's lifecycle note: all rows that describe how to
// invoke a server (packages, remotes, local source, env vars) are wholly
// replaced on each ingest pass.
func (s *Store) ReplaceServerDependents(ctx context.Context, name string, packages []wisp.Package, remotes []wisp.Remote, local *wisp.LocalSource, envVars []wisp.EnvVar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace dependents: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM server_packages WHERE server_name = ?`,
		`DELETE FROM server_remotes WHERE server_name = ?`,
		`DELETE FROM server_local_sources WHERE server_name = ?`,
		`DELETE FROM environment_variables WHERE server_name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return fmt.Errorf("clear dependents for %s: %w", name, err)
		}
	}

	for _, p := range packages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO server_packages (server_name, registry_type, identifier, transport_type, runtime_hint, version)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			name, string(p.RegistryType), p.Identifier, string(p.TransportType), p.RuntimeHint, p.Version,
		)
		if err != nil {
			return fmt.Errorf("insert package for %s: %w", name, err)
		}
	}

	for _, r := range remotes {
		headersJSON, err := json.Marshal(r.Headers)
		if err != nil {
			return fmt.Errorf("marshal remote headers for %s: %w", name, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO server_remotes (server_name, transport_type, url, headers_json) VALUES (?, ?, ?, ?)`,
			name, string(r.TransportType), r.URL, string(headersJSON),
		)
		if err != nil {
			return fmt.Errorf("insert remote for %s: %w", name, err)
		}
	}

	if local != nil {
		argsJSON, _ := json.Marshal(local.Args)
		envJSON, _ := json.Marshal(local.Env)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO server_local_sources (server_name, command, args_json, working_dir, env_json) VALUES (?, ?, ?, ?, ?)`,
			name, local.Command, string(argsJSON), local.WorkingDir, string(envJSON),
		)
		if err != nil {
			return fmt.Errorf("insert local source for %s: %w", name, err)
		}
	}

	for _, e := range envVars {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO environment_variables (server_name, var_name, is_required, is_secret, description) VALUES (?, ?, ?, ?, ?)`,
			name, e.VarName, boolToInt(e.IsRequired), boolToInt(e.IsSecret), e.Description,
		)
		if err != nil {
			return fmt.Errorf("insert env var for %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func scanServer(row scannable) (wisp.Server, error) {
	var srv wisp.Server
	var published, updated sql.NullTime
	var icon, mime sql.NullString
	err := row.Scan(&srv.Name, &srv.Description, &srv.Version, &srv.RepositoryURL, &srv.Status, &published, &updated, &icon, &mime)
	if err != nil {
		return srv, err
	}
	srv.PublishedAt = published.Time
	srv.UpdatedAt = updated.Time
	srv.IconSrc = icon.String
	srv.IconMimeType = mime.String
	return srv, nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

const serverColumns = `name, description, version, repository_url, status, published_at, updated_at, icon_src, icon_mime_type`

// GetServer retrieves a server by name.
func (s *Store) GetServer(ctx context.Context, name string) (*wisp.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	srv, err := scanServer(row)
	if err != nil {
		return nil, notFoundWrap(err, "get server %s", name)
	}
	return &srv, nil
}

// ListServers returns every registered server.
func (s *Store) ListServers(ctx context.Context) ([]wisp.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []wisp.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// CandidateServersForGitHub selects servers whose repository_url points at
// GitHub and whose GitHub signal is missing or older than staleAfter
// (spec.md §4.3 github_signals candidate selection).
func (s *Store) CandidateServersForGitHub(ctx context.Context, staleAfter time.Duration) ([]wisp.Server, error) {
	cutoff := time.Now().Add(-staleAfter)
	const q = `SELECT s.name, s.description, s.version, s.repository_url, s.status, s.published_at, s.updated_at, s.icon_src, s.icon_mime_type
		FROM servers s
		LEFT JOIN github_signals g ON g.server_name = s.name
		WHERE (s.repository_url LIKE 'https://github.com/%' OR s.repository_url LIKE 'http://github.com/%')
		  AND (g.enriched_at IS NULL OR g.enriched_at < ?)`
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("candidate servers for github: %w", err)
	}
	defer rows.Close()

	var out []wisp.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// CandidatePackages selects packages of the given registry type whose
// download-signal row is missing or older than staleAfter.
func (s *Store) CandidatePackages(ctx context.Context, registryType wisp.RegistryType, staleAfter time.Duration) ([]wisp.Package, error) {
	cutoff := time.Now().Add(-staleAfter)
	const q = `SELECT sp.server_name, sp.registry_type, sp.identifier, sp.transport_type, sp.runtime_hint, sp.version
		FROM server_packages sp
		LEFT JOIN package_downloads pd ON pd.server_name = sp.server_name AND pd.registry_type = sp.registry_type AND pd.identifier = sp.identifier
		WHERE sp.registry_type = ? AND (pd.enriched_at IS NULL OR pd.enriched_at < ?)`
	rows, err := s.db.QueryContext(ctx, q, string(registryType), cutoff)
	if err != nil {
		return nil, fmt.Errorf("candidate packages for %s: %w", registryType, err)
	}
	defer rows.Close()
	return scanPackages(rows)
}

// CandidatePackagesForDependents selects npm/pypi packages whose dependency
// signal is missing or older than staleAfter (libraries.io worker, spec.md
// §4.3).
func (s *Store) CandidatePackagesForDependents(ctx context.Context, staleAfter time.Duration) ([]wisp.Package, error) {
	cutoff := time.Now().Add(-staleAfter)
	const q = `SELECT sp.server_name, sp.registry_type, sp.identifier, sp.transport_type, sp.runtime_hint, sp.version
		FROM server_packages sp
		LEFT JOIN dependency_signals ds ON ds.server_name = sp.server_name AND ds.package_name = sp.identifier
		WHERE sp.registry_type IN ('npm', 'pypi') AND (ds.enriched_at IS NULL OR ds.enriched_at < ?)`
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("candidate packages for dependents: %w", err)
	}
	defer rows.Close()
	return scanPackages(rows)
}

func scanPackages(rows *sql.Rows) ([]wisp.Package, error) {
	var out []wisp.Package
	for rows.Next() {
		var p wisp.Package
		var registryType, transportType string
		if err := rows.Scan(&p.ServerName, &registryType, &p.Identifier, &transportType, &p.RuntimeHint, &p.Version); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		p.RegistryType = wisp.RegistryType(registryType)
		p.TransportType = wisp.TransportType(transportType)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPackagesForServer returns every package row for one server.
func (s *Store) ListPackagesForServer(ctx context.Context, name string) ([]wisp.Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, registry_type, identifier, transport_type, runtime_hint, version FROM server_packages WHERE server_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("list packages for %s: %w", name, err)
	}
	defer rows.Close()
	return scanPackages(rows)
}

// GetStdioPackage returns the first stdio-transport package for a server,
// used by the Invocation Gateway's connection resolution (spec.md §4.8).
func (s *Store) GetStdioPackage(ctx context.Context, name string) (*wisp.Package, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, registry_type, identifier, transport_type, runtime_hint, version
		 FROM server_packages WHERE server_name = ? AND transport_type = 'stdio' LIMIT 1`, name)
	var p wisp.Package
	var registryType, transportType string
	err := row.Scan(&p.ServerName, &registryType, &p.Identifier, &transportType, &p.RuntimeHint, &p.Version)
	if err != nil {
		return nil, notFoundWrap(err, "get stdio package for %s", name)
	}
	p.RegistryType = wisp.RegistryType(registryType)
	p.TransportType = wisp.TransportType(transportType)
	return &p, nil
}

// GetRemote returns the remote endpoint for a server, if any.
func (s *Store) GetRemote(ctx context.Context, name string) (*wisp.Remote, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, transport_type, url, headers_json FROM server_remotes WHERE server_name = ? LIMIT 1`, name)
	var r wisp.Remote
	var transportType string
	var headersJSON sql.NullString
	if err := row.Scan(&r.ServerName, &transportType, &r.URL, &headersJSON); err != nil {
		return nil, notFoundWrap(err, "get remote for %s", name)
	}
	r.TransportType = wisp.TransportType(transportType)
	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &r.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers for %s: %w", name, err)
		}
	}
	return &r, nil
}

// GetLocalSource returns the local-checkout invocation info for a server,
// if any.
func (s *Store) GetLocalSource(ctx context.Context, name string) (*wisp.LocalSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_name, command, args_json, working_dir, env_json FROM server_local_sources WHERE server_name = ?`, name)
	var l wisp.LocalSource
	var argsJSON, envJSON sql.NullString
	if err := row.Scan(&l.ServerName, &l.Command, &argsJSON, &l.WorkingDir, &envJSON); err != nil {
		return nil, notFoundWrap(err, "get local source for %s", name)
	}
	if argsJSON.Valid && argsJSON.String != "" {
		_ = json.Unmarshal([]byte(argsJSON.String), &l.Args)
	}
	if envJSON.Valid && envJSON.String != "" {
		_ = json.Unmarshal([]byte(envJSON.String), &l.Env)
	}
	return &l, nil
}

// ListEnvVars returns all documented env vars for a server.
func (s *Store) ListEnvVars(ctx context.Context, name string) ([]wisp.EnvVar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, var_name, is_required, is_secret, description FROM environment_variables WHERE server_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("list env vars for %s: %w", name, err)
	}
	defer rows.Close()

	var out []wisp.EnvVar
	for rows.Next() {
		var e wisp.EnvVar
		var required, secret int
		if err := rows.Scan(&e.ServerName, &e.VarName, &required, &secret, &e.Description); err != nil {
			return nil, fmt.Errorf("scan env var: %w", err)
		}
		e.IsRequired = required != 0
		e.IsSecret = secret != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountSecretEnvVars counts secret-marked env vars for a server. Neither the
// market ranker nor the service-cost analyzer calls it.
func (s *Store) CountSecretEnvVars(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM environment_variables WHERE server_name = ? AND is_secret = 1`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count secret env vars for %s: %w", name, err)
	}
	return n, nil
}

// ServerSummary is the hydrated result of v_server_summary, used by debug
// and admin surfaces.
type ServerSummary struct {
	Name          string
	Description   string
	Version       string
	RepositoryURL string
	Status        string
	PublishedAt   time.Time
	UpdatedAt     time.Time
	PackageTypes  string
	AuthVarCount  int
	ToolCount     int
	RemoteURL     string
	MarketRank    float64
}

// GetServerSummary reads the v_server_summary view for one server.
func (s *Store) GetServerSummary(ctx context.Context, name string) (*ServerSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, description, version, repository_url, status, published_at, updated_at,
		COALESCE(package_types, ''), auth_var_count, tool_count, COALESCE(remote_url, ''), COALESCE(market_rank, 0)
		FROM v_server_summary WHERE name = ?`, name)

	var sum ServerSummary
	var published, updated sql.NullTime
	err := row.Scan(&sum.Name, &sum.Description, &sum.Version, &sum.RepositoryURL, &sum.Status,
		&published, &updated, &sum.PackageTypes, &sum.AuthVarCount, &sum.ToolCount, &sum.RemoteURL, &sum.MarketRank)
	if err != nil {
		return nil, notFoundWrap(err, "get server summary %s", name)
	}
	sum.PublishedAt = published.Time
	sum.UpdatedAt = updated.Time
	return &sum, nil
}
