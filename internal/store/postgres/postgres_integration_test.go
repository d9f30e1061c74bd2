package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/store"
	"github.com/triteia/triteia/internal/store/storetest"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// testDSN prefers TRITEIA_POSTGRES_DSN and falls back to a throwaway
// container when TRITEIA_TEST_DOCKER=1.
func testDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TRITEIA_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("TRITEIA_TEST_DOCKER") != "1" {
		t.Skip("TRITEIA_POSTGRES_DSN not set and TRITEIA_TEST_DOCKER!=1; skipping postgres integration test")
	}
	containerOnce.Do(func() {
		containerDSN, containerErr = startContainer(context.Background())
	})
	if containerErr != nil {
		t.Fatalf("start postgres container: %v", containerErr)
	}
	return containerDSN
}

func startContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "triteia",
			"POSTGRES_PASSWORD": "triteia",
			"POSTGRES_DB":       "triteia",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("failed to get container port: %w", err)
	}
	return fmt.Sprintf("postgres://triteia:triteia@%s:%s/triteia?sslmode=disable", host, port.Port()), nil
}

func makeBackend(opts Options) func(t *testing.T) store.Backend {
	return func(t *testing.T) store.Backend {
		t.Helper()
		db, err := Open(context.Background(), testDSN(t), 4)
		if err != nil {
			t.Fatalf("postgres open: %v", err)
		}
		b := New(db, opts)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
}

func TestPostgresBackend_Compliance(t *testing.T) {
	storetest.Run(t, makeBackend(Options{}))
}

func TestPostgresBackend_PartitionedCompliance(t *testing.T) {
	storetest.Run(t, makeBackend(Options{Partitioned: true}))
}

func TestPostgresBackend_Classify(t *testing.T) {
	b := New(nil, Options{})
	assert.Equal(t, DefaultRetryDelay, b.RetryDelay())
	for code, want := range map[string]model.ErrorClass{
		pgerrcode.UniqueViolation:      model.Retryable,
		pgerrcode.DeadlockDetected:     model.Retryable,
		pgerrcode.SerializationFailure: model.Retryable,
		pgerrcode.LockNotAvailable:     model.Retryable,
		pgerrcode.NotNullViolation:     model.Fatal,
		pgerrcode.UndefinedTable:       model.Fatal,
	} {
		err := fmt.Errorf("append event: %w", &pgconn.PgError{Code: code})
		assert.Equal(t, want, b.Classify(err), code)
	}
	assert.Equal(t, model.Fatal, b.Classify(model.NewValidationError("updatedAt", "stale")))
}

func TestDialect_MapErrorAndSchema(t *testing.T) {
	d := dialect{partitioned: true}
	err := d.MapError("tests", &pgconn.PgError{Code: pgerrcode.UndefinedTable})
	assert.True(t, model.IsNotFound(err))

	stmts := d.Schema("tests")
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "tests"`)
	assert.Contains(t, stmts[0], `PARTITION BY LIST ("system")`)
	assert.Contains(t, stmts[1], `"tests_globalId_idx"`)
	assert.Contains(t, stmts[len(stmts)-1], `PARTITION OF "testsEvents" DEFAULT`)
	assert.Equal(t, "$3", d.Placeholder(3))
	assert.Equal(t, `"a""b"`, d.Quote(`a"b`))
}
