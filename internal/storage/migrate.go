package storage

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Migrate applies goose migrations found in dir. cmd is one of the goose
// commands ("up", "down", "status", "version", ...).
func Migrate(dsn, dir, cmd string, args ...string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Run(cmd, db, dir, args...); err != nil {
		return errors.Wrapf(err, "goose %s", cmd)
	}
	return nil
}
