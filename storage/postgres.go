package storage

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Postgres is the one durable, cross-restart Store named in spec.md §6:
// three tables (runlist_entries, profiles, manifests) behind the same
// Store interface as Memory/YAMLFile.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn and applies any pending migrations found
// under migrationsDir (a `file://` source for golang-migrate).
func OpenPostgres(dsn, migrationsDir string) (*Postgres, error) {
	var db, err = sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}

	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "postgres migrate driver")
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		return nil, errors.Wrap(err, "loading migrations")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, errors.Wrap(err, "applying migrations")
	}

	return &Postgres{db: db}, nil
}

type runlistRow struct {
	App     string `db:"app"`
	Profile string `db:"profile"`
}

func (p *Postgres) Runlist(ctx context.Context, name string) ([]RunlistEntry, error) {
	var rows []runlistRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT app, profile FROM runlist_entries WHERE runlist = $1 ORDER BY app`, name); err != nil {
		return nil, errors.Wrap(err, "querying runlist_entries")
	}
	if len(rows) == 0 {
		return nil, ErrNotFound{Kind: "runlist", Name: name}
	}
	var out = make([]RunlistEntry, len(rows))
	for i, r := range rows {
		out[i] = RunlistEntry{App: r.App, Profile: r.Profile}
	}
	return out, nil
}

func (p *Postgres) Profile(ctx context.Context, name string) ([]byte, error) {
	return p.readDocument(ctx, "profiles", "profile", name)
}

func (p *Postgres) Manifest(ctx context.Context, name string) ([]byte, error) {
	return p.readDocument(ctx, "manifests", "manifest", name)
}

func (p *Postgres) readDocument(ctx context.Context, table, kind, name string) ([]byte, error) {
	var doc []byte
	var err = p.db.GetContext(ctx, &doc, `SELECT document FROM `+table+` WHERE name = $1`, name)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound{Kind: kind, Name: name}
		}
		return nil, errors.Wrapf(err, "querying %s", table)
	}
	return doc, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

var _ Store = (*Postgres)(nil)
