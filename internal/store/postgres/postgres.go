// Package postgres is the PostgreSQL store.Backend, built on database/sql
// with the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/store"
	"github.com/triteia/triteia/internal/store/sqlstore"
)

const (
	// DefaultRetryDelay is the pause between attempts after a retryable failure.
	DefaultRetryDelay = 20 * time.Millisecond
	resolution        = time.Millisecond
)

// Options tune the backend.
type Options struct {
	Partitioned bool // LIST partitioning of collection tables by system
	RetryDelay  time.Duration
	Clock       func() time.Time
}

// Open opens a PostgreSQL connection pool using the pgx stdlib driver and
// verifies connectivity.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Backend implements store.Backend.
type Backend struct {
	db      *sql.DB
	dialect dialect
	opts    Options
}

// New wraps an open pool.
func New(db *sql.DB, opts Options) *Backend {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Backend{db: db, dialect: dialect{partitioned: opts.Partitioned}, opts: opts}
}

var _ store.Backend = (*Backend)(nil)

// DB exposes the underlying pool.
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) Name() string { return "postgres" }

func (b *Backend) WithConnection(ctx context.Context, fn func(store.Conn) error) error {
	return sqlstore.WithConnection(ctx, b.db, func(q sqlstore.Queryer) error {
		return fn(sqlstore.NewConn(q, b.dialect, b.opts.Clock))
	})
}

func (b *Backend) WithTransaction(ctx context.Context, fn func(store.Conn) error) error {
	return sqlstore.WithTransaction(ctx, b.db, nil, func(q sqlstore.Queryer) error {
		return fn(sqlstore.NewConn(q, b.dialect, b.opts.Clock))
	})
}

// Classify treats unique violations (event timestamp or racing creates),
// deadlocks, serialization failures and lock timeouts as retryable.
func (b *Backend) Classify(err error) model.ErrorClass {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation,
			pgerrcode.DeadlockDetected,
			pgerrcode.SerializationFailure,
			pgerrcode.LockNotAvailable:
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

type dialect struct {
	partitioned bool
}

func (dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (dialect) Quote(ident string) string { return pgx.Identifier{ident}.Sanitize() }

func (dialect) ForUpdate() string { return " FOR UPDATE" }

func (dialect) TimeArg(t time.Time) any { return t.UTC().Truncate(resolution) }

func (dialect) Resolution() time.Duration { return resolution }

func (d dialect) MapError(collection string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("%w: %v", model.NewNotFoundError(model.Ref{Collection: collection}), err)
	}
	return err
}

func (d dialect) Schema(collection string) []string {
	q := d.Quote
	docs, events := q(collection), q(store.EventTable(collection))
	partition := ""
	if d.partitioned {
		partition = ` PARTITION BY LIST ("system")`
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + docs + ` (
			"system" VARCHAR(255) NOT NULL,
			"id" VARCHAR(255) NOT NULL,
			"globalId" VARCHAR(255),
			"name" VARCHAR(255),
			"date" TIMESTAMP,
			"content" JSON,
			"createdAt" TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP,
			"updatedAt" TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP,
			"deletedAt" TIMESTAMP(3) NULL DEFAULT NULL,
			PRIMARY KEY ("system", "id")
		)` + partition,
	}
	for _, col := range []string{"globalId", "name", "date", "createdAt", "updatedAt"} {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			q(collection+"_"+col+"_idx"), docs, q(col)))
	}
	stmts = append(stmts, `CREATE TABLE IF NOT EXISTS `+events+` (
			"system" VARCHAR(255) NOT NULL,
			"id" VARCHAR(255) NOT NULL,
			"at" TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP,
			"name" VARCHAR(255),
			"changes" JSON,
			PRIMARY KEY ("system", "id", "at"),
			CONSTRAINT `+q(collection+"_fkSystemId")+`
				FOREIGN KEY ("system", "id")
				REFERENCES `+docs+` ("system", "id")
				ON DELETE CASCADE
				ON UPDATE CASCADE
		)`+partition)
	if d.partitioned {
		// rows for systems without a dedicated partition land here
		stmts = append(stmts,
			`CREATE TABLE IF NOT EXISTS `+q(collection+"_default")+` PARTITION OF `+docs+` DEFAULT`,
			`CREATE TABLE IF NOT EXISTS `+q(store.EventTable(collection)+"_default")+` PARTITION OF `+events+` DEFAULT`,
		)
	}
	return stmts
}
