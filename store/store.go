// Package store persists trust lines, reservations, suspended transactions,
// payment history and the one-time key counter in a SQL database.
//
// SQLite (modernc.org/sqlite) is the default engine. PostgreSQL (lib/pq) is
// supported with the same schema. Every write happens inside a scoped
// transaction started with WithTx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrStorage tags every error returned by the database. A transaction that
// sees it must not continue.
var ErrStorage = errors.New("storage failure")

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	}
	return "dialect(" + strconv.Itoa(int(d)) + ")"
}

// ParseDialect returns the dialect for a database/sql driver name.
func ParseDialect(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	}
	return 0, fmt.Errorf("unsupported database driver %q", driver)
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database and migrates its schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	name := "sqlite"
	if dialect == DialectPostgres {
		name = "postgres"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers, a single connection avoids busy errors.
		db.SetMaxOpenConns(1)
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The schema is not migrated.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) schema() []string {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS trust_lines (
			contractor TEXT NOT NULL,
			equivalent BIGINT NOT NULL,
			incoming_amount BIGINT NOT NULL,
			outgoing_amount BIGINT NOT NULL,
			balance BIGINT NOT NULL,
			status TEXT NOT NULL,
			is_contractor_gateway BOOLEAN NOT NULL,
			audit_number BIGINT NOT NULL,
			PRIMARY KEY (contractor, equivalent)
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			contractor TEXT NOT NULL,
			equivalent BIGINT NOT NULL,
			transaction_id TEXT NOT NULL,
			path_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			direction BIGINT NOT NULL,
			PRIMARY KEY (contractor, equivalent, transaction_id, path_id)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			record ` + blob + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payment_history (
			transaction_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			counterparty TEXT NOT NULL,
			equivalent BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			committed BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audits (
			contractor TEXT NOT NULL,
			equivalent BIGINT NOT NULL,
			audit_number BIGINT NOT NULL,
			incoming_amount BIGINT NOT NULL,
			outgoing_amount BIGINT NOT NULL,
			balance BIGINT NOT NULL,
			own_signature ` + blob + ` NOT NULL,
			contractor_signature ` + blob + ` NOT NULL,
			PRIMARY KEY (contractor, equivalent, audit_number)
		)`,
		`CREATE TABLE IF NOT EXISTS own_keys (
			id BIGINT PRIMARY KEY,
			key_number BIGINT NOT NULL
		)`,
	}
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, q := range s.schema() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return storageErr("migrating schema", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the dialect.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	b := strings.Builder{}
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Tx is a scoped storage transaction. It is only valid inside the function
// passed to WithTx.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
	return err
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

// WithTx runs fn inside a database transaction. The transaction commits if fn
// returns nil and rolls back on an error or a panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("committing transaction", err)
	}
	return nil
}
