// Package sqlite implements the Store contract of spec.md §4.1: a single
// logical SQLite database, WAL-mode journaling, a 30s busy timeout, foreign
// keys enforced, a custom log1p scalar, and an optional vector-index
// extension.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/wisp-mcp/wisp/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

const driverName = "sqlite3_wisp"

var registerOnce sync.Once

// vecExtPath is set by Open and read by the ConnectHook closure; safe
// because all connections in a pool share one configured extension path.
var vecExtPath string

// registerDriver registers a sqlite3 driver variant that installs the
// log1p(x) = ln(1+max(0,x)) scalar function on every new connection
// (original_source db.py's safe_log1p) and attempts to load the sqlite-vec
// extension if a path was configured. Loading must never fail init: a
// missing extension is logged and the vector tables are simply unavailable
// (spec.md §4.1 "Failure" clause).
func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if err := conn.RegisterFunc("log1p", log1p, true); err != nil {
					return fmt.Errorf("register log1p: %w", err)
				}
				if vecExtPath != "" {
					if err := conn.LoadExtension(vecExtPath, ""); err != nil {
						slog.Warn("vector extension load failed, vector search disabled", "path", vecExtPath, "error", err)
					}
				}
				return nil
			},
		})
	})
}

// log1p implements spec.md §4.1's custom scalar: ln(1+max(0,x)), tolerant of
// NULL/non-numeric input (returns 0.0), grounded on db.py's safe_log1p.
func log1p(x any) float64 {
	v, ok := toFloat(x)
	if !ok {
		return 0.0
	}
	if v < 0 {
		v = 0
	}
	return math.Log1p(v)
}

func toFloat(x any) (float64, bool) {
	switch v := x.(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// DB wraps the underlying *sql.DB connection pool with the Store's
// migration and view-management operations.
type DB struct {
	*sql.DB
	vecAvailable bool
}

// Open opens (creating if necessary) the single SQLite database file named
// by cfg.Path, applies pragmas, registers log1p, and attempts to load the
// optional vector extension. It does not run migrations; call Migrate
// separately so callers can control ordering relative to other startup work.
func Open(cfg config.Store) (*DB, error) {
	vecExtPath = cfg.VecPath
	registerDriver()

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite permits exactly one writer; a single-connection pool avoids
	// SQLITE_BUSY races that the busy_timeout pragma can't fully paper over
	// under concurrent writers from this process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	wrapped := &DB{DB: db, vecAvailable: cfg.VecPath != ""}
	return wrapped, nil
}

// Migrate applies all pending goose migrations from the embedded SQL files
// and then creates the vector virtual table and derived views. Migration
// DDL uses CREATE IF NOT EXISTS throughout so repeated calls are idempotent
// (spec.md §4.1: "schema migration is forward-compatible").
func (d *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, d.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if err := d.createVectorTable(ctx); err != nil {
		slog.Warn("vector table unavailable", "error", err)
	}

	if err := d.createViews(ctx); err != nil {
		return fmt.Errorf("create views: %w", err)
	}

	return nil
}

// createVectorTable creates the vec0 virtual table used for dense
// embedding storage. Failure here is non-fatal: the table is simply absent
// and the index builder / retriever skip vector operations (spec.md §4.1).
func (d *DB) createVectorTable(ctx context.Context) error {
	const q = `CREATE VIRTUAL TABLE IF NOT EXISTS tool_embeddings USING vec0(
		tool_id INTEGER PRIMARY KEY,
		embedding FLOAT[768]
	)`
	_, err := d.ExecContext(ctx, q)
	return err
}

// VecAvailable reports whether the vector extension was configured (not
// necessarily that the virtual table creation succeeded — callers should
// still handle the "no such table" failure mode gracefully).
func (d *DB) VecAvailable() bool {
	return d.vecAvailable
}

// WithinBusyTimeout is a convenience constructor for a context bounded by
// the configured busy timeout, used by callers issuing a single write that
// must not outlive the lock-wait budget.
func WithinBusyTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}
