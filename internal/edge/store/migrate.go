package store

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3drv "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

//go:embed migrations/sqlite3/*.sql
var migrationFiles embed.FS

var driverRegistered bool

func registerHookedDriver(log *ccflog.Logger) {
	if driverRegistered {
		return
	}
	sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3drv.SQLiteDriver{}, &queryHooks{log: log}))
	driverRegistered = true
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return ftlerr.New("store.migrateUp", ftlerr.Fatal, err)
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return ftlerr.New("store.migrateUp", ftlerr.Fatal, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return ftlerr.New("store.migrateUp", ftlerr.Fatal, err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return ftlerr.New("store.migrateUp", ftlerr.Fatal, err)
	}
	return nil
}
