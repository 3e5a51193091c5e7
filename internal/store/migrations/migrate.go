// Package migrations owns the store schema via goose SQL migrations,
// grounded on udisondev-la2go's goose-based migration tooling.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

// Run applies every pending migration against db. It is best-effort
// from the caller's perspective: a failure here does not prevent the
// broker from starting, since store unavailability only degrades
// snapshot durability, not in-memory lobby operation.
func Run(db *sql.DB) error {
	goose.SetBaseFS(files)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
