package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sql/*.sql
var migrationFS embed.FS

// RunMigrations applies every embedded migration in migrations/sql that
// has not yet been recorded in the goose_db_version table. It is safe to
// call on every daemon startup; goose no-ops once the schema is current.
func RunMigrations(conn *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	goose.SetTableName("goose_db_version")

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}

	if err := goose.Up(conn, "migrations/sql"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
