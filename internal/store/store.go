package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"voice-platform/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB is the record store handle shared by the repositories.
// Queries are written with $N placeholders and rebound per dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to postgres (pgx stdlib) or sqlite (modernc) and pings it.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	d := Dialect(driver)
	var (
		driverName string
		pool       utils.PoolConfig
	)
	switch d {
	case DialectPostgres:
		driverName = "pgx"
	case DialectSQLite:
		driverName = "sqlite"
		// sqlite performs best with a single writer connection.
		pool.MaxOpenConns = 1
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	sqlDB, err := utils.OpenSQL(ctx, driverName, dsn, pool)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return &DB{DB: sqlDB, Dialect: d}, nil
}

// Wrap adapts an existing handle, e.g. a sqlmock connection in tests.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Rebind converts $N placeholders to the dialect's positional form.
func (db *DB) Rebind(q string) string {
	if db.Dialect == DialectSQLite {
		return placeholderRe.ReplaceAllString(q, "?${1}")
	}
	return q
}

func (db *DB) WithTx(ctx context.Context, fn utils.TxFunc) error {
	return utils.WithTx(ctx, db.DB, nil, fn)
}

// Migrate applies pending embedded migrations in filename order.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: creating schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: reading migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := db.QueryRowContext(ctx, db.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`), version).Scan(&count); err != nil {
			return fmt.Errorf("store: checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("store: reading migration %s: %w", version, err)
		}

		err = db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`), version, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("store: applying migration %s: %w", version, err)
		}
		slog.Info("applied migration", "version", version, "dialect", db.Dialect)
	}
	return nil
}
