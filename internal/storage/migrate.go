package storage

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Migrate runs the goose SQL migrations. It takes a database/sql handle
// (opened with the pgx stdlib driver) because goose does not speak pgxpool;
// the handle is closed by the caller right after boot.
func Migrate(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "set dialect")
	}
	return errors.Wrap(goose.Up(db, dir), "run migrations")
}
