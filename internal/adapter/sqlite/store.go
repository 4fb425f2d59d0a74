package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wisp-mcp/wisp/internal/domain"
)

// Store implements the persistence contract of spec.md §4.1 on top of a
// single SQLite *sql.DB connection. Repository methods are split across
// files by table group (servers.go, signals.go, extraction.go, backlink.go,
// market.go, search.go), mirroring the teacher's store_*.go split by
// domain area in internal/adapter/postgres.
type Store struct {
	db *DB
}

// NewStore wraps an opened and migrated DB as a Store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// notFoundWrap wraps sql.ErrNoRows as domain.ErrNotFound, otherwise passes
// the original error through wrapped with context (postgres/helpers.go
// pattern adapted to database/sql).
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// execExpectOne verifies that an Exec affected exactly one row.
func execExpectOne(res sql.Result, err error, format string, args ...any) error {
	if err != nil {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
	}
	if n == 0 {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", domain.ErrNotFound)
	}
	return nil
}

// nullTime converts a zero time.Time to nil for nullable DB columns.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// boolToInt converts a Go bool to the 0/1 SQLite stores it as.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
