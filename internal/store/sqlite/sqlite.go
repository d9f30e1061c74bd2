// Package sqlite is the embedded store.Backend built on modernc.org/sqlite.
// Transactions take the database write lock up front (_txlock=immediate),
// which stands in for row-level FOR UPDATE locks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/store"
	"github.com/triteia/triteia/internal/store/sqlstore"
)

const (
	// DefaultRetryDelay is the pause between attempts after a retryable failure.
	DefaultRetryDelay = 20 * time.Millisecond
	resolution        = time.Microsecond
)

// Open opens (or creates) a SQLite database at the given path with WAL
// journaling, foreign keys and immediate write transactions.
func Open(ctx context.Context, path string, maxConns int) (*sql.DB, error) {
	// ensure parent directory exists to avoid SQLITE_CANTOPEN errors
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Options tune the backend.
type Options struct {
	RetryDelay time.Duration
	Clock      func() time.Time
}

// Backend implements store.Backend.
type Backend struct {
	db   *sql.DB
	opts Options
}

// New wraps an open database.
func New(db *sql.DB, opts Options) *Backend {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Backend{db: db, opts: opts}
}

var _ store.Backend = (*Backend)(nil)

// DB exposes the underlying *sql.DB connection.
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) Name() string { return "sqlite" }

func (b *Backend) WithConnection(ctx context.Context, fn func(store.Conn) error) error {
	return sqlstore.WithConnection(ctx, b.db, func(q sqlstore.Queryer) error {
		return fn(sqlstore.NewConn(q, dialect{}, b.opts.Clock))
	})
}

func (b *Backend) WithTransaction(ctx context.Context, fn func(store.Conn) error) error {
	return sqlstore.WithTransaction(ctx, b.db, nil, func(q sqlstore.Queryer) error {
		return fn(sqlstore.NewConn(q, dialect{}, b.opts.Clock))
	})
}

// Classify treats busy/locked databases and primary key or unique
// collisions as retryable.
func (b *Backend) Classify(err error) model.ErrorClass {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return model.Retryable
		}
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return model.Retryable
		}
	}
	if model.IsRetryable(err) {
		return model.Retryable
	}
	return model.Fatal
}

func (b *Backend) RetryDelay() time.Duration { return b.opts.RetryDelay }

func (b *Backend) Resolution() time.Duration { return resolution }

// HealthPing verifies the pool can reach the database.
func (b *Backend) HealthPing(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Close() error { return b.db.Close() }

type dialect struct{}

func (dialect) Placeholder(int) string { return "?" }

func (dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (dialect) ForUpdate() string { return "" }

func (dialect) TimeArg(t time.Time) any {
	return t.UTC().Truncate(resolution).Format(sqlstore.TimeLayout)
}

func (dialect) Resolution() time.Duration { return resolution }

func (dialect) MapError(collection string, err error) error {
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %v", model.NewNotFoundError(model.Ref{Collection: collection}), err)
	}
	return err
}

func (d dialect) Schema(collection string) []string {
	q := d.Quote
	docs, events := q(collection), q(store.EventTable(collection))
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + docs + ` (
			"system" TEXT NOT NULL,
			"id" TEXT NOT NULL,
			"globalId" TEXT,
			"name" TEXT,
			"date" TEXT,
			"content" TEXT,
			"createdAt" TEXT NOT NULL,
			"updatedAt" TEXT NOT NULL,
			"deletedAt" TEXT NULL DEFAULT NULL,
			PRIMARY KEY ("system", "id")
		)`,
	}
	for _, col := range []string{"globalId", "name", "date", "createdAt", "updatedAt"} {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			q(collection+"_"+col+"_idx"), docs, q(col)))
	}
	stmts = append(stmts, `CREATE TABLE IF NOT EXISTS `+events+` (
			"system" TEXT NOT NULL,
			"id" TEXT NOT NULL,
			"at" TEXT NOT NULL,
			"name" TEXT,
			"changes" TEXT,
			PRIMARY KEY ("system", "id", "at"),
			CONSTRAINT `+q(collection+"_fkSystemId")+`
				FOREIGN KEY ("system", "id")
				REFERENCES `+docs+` ("system", "id")
				ON DELETE CASCADE
				ON UPDATE CASCADE
		)`)
	return stmts
}
