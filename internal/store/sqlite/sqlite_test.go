package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/store"
	"github.com/triteia/triteia/internal/store/storetest"
)

func makeBackend(t *testing.T) store.Backend {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "triteia.db"), 4)
	require.NoError(t, err)
	b := New(db, Options{})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteBackend_Compliance(t *testing.T) {
	storetest.Run(t, makeBackend)
}

func TestSQLiteBackend_ForeignKeys(t *testing.T) {
	b := makeBackend(t)
	ctx := context.Background()
	require.NoError(t, b.WithConnection(ctx, func(c store.Conn) error {
		_, err := c.Initialize(ctx, model.CollectionInput{ID: "tests"})
		return err
	}))

	err := b.WithTransaction(ctx, func(c store.Conn) error {
		_, err := c.AppendEvent(ctx, model.Ref{Collection: "tests", System: "s", ID: "orphan"}, model.Event{})
		return err
	})
	require.Error(t, err, "events need a parent document")
	assert.Equal(t, model.Fatal, b.Classify(err))
}

func TestSQLiteBackend_Classify(t *testing.T) {
	b := New(nil, Options{})
	assert.Equal(t, DefaultRetryDelay, b.RetryDelay())
	assert.Equal(t, model.Fatal, b.Classify(errors.New("plain")))
	assert.Equal(t, model.Retryable, b.Classify(model.NewRetryableError(errors.New("x"))))
}

func TestDialect(t *testing.T) {
	d := dialect{}
	assert.Equal(t, "?", d.Placeholder(7))
	assert.Equal(t, `"a""b"`, d.Quote(`a"b`))
	assert.True(t, model.IsNotFound(d.MapError("tests", errors.New("SQL logic error: no such table: tests (1)"))))
	assert.Len(t, d.Schema("tests"), 7)
}
