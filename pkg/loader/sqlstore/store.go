// Package sqlstore keeps behaviors in a SQL table and serves them as a loader source. SQLite
// (modernc.org/sqlite, pure Go) and Postgres (pgx through database/sql) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/loader"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "behaviors"

// ErrInvalidTable is returned for table names that are not plain identifiers.
var ErrInvalidTable = errors.New("invalid behavior table name")

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect captures the differences between supported databases.
type Dialect struct {
	Name   string
	Driver string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// Supported dialects.
var (
	SQLite = Dialect{
		Name:        "sqlite",
		Driver:      "sqlite",
		Placeholder: func(int) string { return "?" },
	}
	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "pgx",
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// DialectFor returns the dialect for a configured source kind.
func DialectFor(kind string) (Dialect, error) {
	switch kind {
	case "sqlite":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql dialect %q", kind)
	}
}

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store reads and writes behavior rows. It implements loader.Source.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

var _ loader.Source = (*Store)(nil)

// Open connects to dsn, verifies the connection and ensures the behavior table exists.
func Open(ctx context.Context, dialect Dialect, dsn, table string) (*Store, error) {
	openMu.Lock()
	db, err := sqlOpen(dialect.Driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	s, err := New(db, dialect, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, dialect Dialect, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return &Store{db: db, dialect: dialect, table: table}, nil
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the behavior table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		owner  TEXT NOT NULL,
		member TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '',
		engine TEXT NOT NULL DEFAULT '',
		body   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (owner, member, params)
	)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

func (s *Store) upsertSQL() string {
	p := s.dialect.Placeholder
	return `INSERT INTO ` + s.table + ` (owner, member, params, engine, body)
		VALUES (` + p(1) + `, ` + p(2) + `, ` + p(3) + `, ` + p(4) + `, ` + p(5) + `)
		ON CONFLICT (owner, member, params) DO UPDATE SET engine = excluded.engine, body = excluded.body`
}

func (s *Store) deleteSQL() string {
	p := s.dialect.Placeholder
	return `DELETE FROM ` + s.table + ` WHERE owner = ` + p(1) + ` AND member = ` + p(2) + ` AND params = ` + p(3)
}

// Put inserts or replaces behaviors in one transaction.
func (s *Store) Put(ctx context.Context, behaviors ...domain.Behavior) (retErr error) {
	for _, b := range behaviors {
		if err := b.Key.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.upsertSQL())
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, b := range behaviors {
		row := loader.RowOf(b)
		if _, err := stmt.ExecContext(ctx, row.Owner, row.Member, row.Params, row.Engine, row.Body); err != nil {
			return fmt.Errorf("upsert %s: %w", b.Key, err)
		}
	}
	return tx.Commit()
}

// Delete removes the behavior for key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, key domain.MatchKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.deleteSQL(), key.Owner, key.Member, key.ParamSpec())
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Rows returns every stored behavior ordered by key columns.
func (s *Store) Rows(ctx context.Context) ([]loader.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, member, params, engine, body FROM `+s.table+` ORDER BY owner, member, params`)
	if err != nil {
		return nil, fmt.Errorf("select behaviors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []loader.Row
	for rows.Next() {
		var r loader.Row
		if err := rows.Scan(&r.Owner, &r.Member, &r.Params, &r.Engine, &r.Body); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate behaviors: %w", err)
	}
	return out, nil
}

// Fetch loads the stored behaviors as a candidate set.
func (s *Store) Fetch(ctx context.Context) (*domain.BehaviorSet, error) {
	rows, err := s.Rows(ctx)
	if err != nil {
		return nil, err
	}
	return loader.BuildSet(rows)
}
