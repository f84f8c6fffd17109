package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// RequiredSchemaVersion is the migrations/ version this binary expects.
const RequiredSchemaVersion uint = 1

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// SchemaStatus is the result of comparing schema_migrations with
// RequiredSchemaVersion.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
}

// Err maps the status to one of the schema errors, or nil when compatible.
func (s SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return fmt.Errorf("%w: version %d, run `roomgate migrate force %d` then migrate up", ErrSchemaDirty, s.CurrentVersion, s.CurrentVersion-1)
	case s.CurrentVersion < s.RequiredVersion:
		return fmt.Errorf("%w: current v%d, required v%d, run `roomgate migrate up`", ErrSchemaOutdated, s.CurrentVersion, s.RequiredVersion)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Errorf("%w: schema v%d, binary requires v%d", ErrSchemaAhead, s.CurrentVersion, s.RequiredVersion)
	}
	return nil
}

// CheckSchema reads the golang-migrate bookkeeping table. A fresh database
// (no table, no row) reports version 0.
func CheckSchema(ctx context.Context, db *sql.DB) (SchemaStatus, error) {
	st := SchemaStatus{RequiredVersion: RequiredSchemaVersion}
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&st.CurrentVersion, &st.Dirty)
	if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read schema version: %w", err)
	}
	return st, nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
