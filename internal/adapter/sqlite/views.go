package sqlite

import "context"

// createViews (re)builds the Store's derived views. Views are plain
// DROP+CREATE since SQLite has no CREATE OR REPLACE VIEW; rebuilding on
// demand keeps them forward-compatible with schema changes the way the
// migration DDL is (spec.md §4.1: "view creation (rebuilt on demand)").
func (d *DB) createViews(ctx context.Context) error {
	stmts := []string{
		`DROP VIEW IF EXISTS v_server_summary`,
		`CREATE VIEW v_server_summary AS
		 SELECT
		   s.name,
		   s.description,
		   s.version,
		   s.repository_url,
		   s.status,
		   s.published_at,
		   s.updated_at,
		   (SELECT GROUP_CONCAT(DISTINCT sp.registry_type) FROM server_packages sp WHERE sp.server_name = s.name) AS package_types,
		   (SELECT COUNT(*) FROM environment_variables ev WHERE ev.server_name = s.name AND ev.is_secret = 1) AS auth_var_count,
		   (SELECT COUNT(*) FROM tools t WHERE t.server_name = s.name) AS tool_count,
		   (SELECT sr.url FROM server_remotes sr WHERE sr.server_name = s.name LIMIT 1) AS remote_url,
		   mr.total_score AS market_rank
		 FROM servers s
		 LEFT JOIN market_rankings mr ON mr.server_name = s.name`,

		`DROP VIEW IF EXISTS v_tools_full`,
		`CREATE VIEW v_tools_full AS
		 SELECT
		   t.id AS tool_id,
		   t.tool_name,
		   t.title,
		   t.description,
		   t.input_schema,
		   t.output_schema,
		   t.server_name,
		   s.description AS server_description,
		   EXISTS(
		     SELECT 1 FROM environment_variables ev
		     WHERE ev.server_name = t.server_name AND ev.is_secret = 1
		   ) AS requires_auth
		 FROM tools t
		 JOIN servers s ON s.name = t.server_name`,
	}

	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
