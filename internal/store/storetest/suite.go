// Package storetest is a compliance suite run by every store.Backend.
package storetest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/patch"
	"github.com/triteia/triteia/internal/store"
)

// Run exercises the store contract against a backend. makeBackend must return
// a usable backend; collections are uniquely named per run so a shared
// database can be reused.
func Run(t *testing.T, makeBackend func(t *testing.T) store.Backend) {
	t.Helper()

	b := makeBackend(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	newCollection := func(t *testing.T) string {
		t.Helper()
		id := "c_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
		withConn(t, b, func(c store.Conn) error {
			col, err := c.Initialize(ctx, model.CollectionInput{ID: id})
			if err == nil {
				assert.Equal(t, id, col.ID)
			}
			return err
		})
		return id
	}

	t.Run("Initialize", func(t *testing.T) {
		id := newCollection(t)
		withConn(t, b, func(c store.Conn) error {
			_, err := c.Initialize(ctx, model.CollectionInput{ID: id})
			return err
		})

		err := b.WithConnection(ctx, func(c store.Conn) error {
			_, err := c.Initialize(ctx, model.CollectionInput{ID: "bad name; drop"})
			return err
		})
		assert.True(t, model.IsValidation(err), "got %v", err)
	})

	t.Run("UnknownCollection", func(t *testing.T) {
		err := b.WithConnection(ctx, func(c store.Conn) error {
			_, err := c.Load(ctx, model.Ref{Collection: "missing_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8], System: "s", ID: "1"}, false, false)
			return err
		})
		assert.True(t, model.IsNotFound(err), "got %v", err)
	})

	t.Run("CreateLoad", func(t *testing.T) {
		col := newCollection(t)
		ref := model.Ref{Collection: col, System: "mock-system", ID: "new"}
		date := base.Add(-24 * time.Hour)
		content := model.Content{
			"id":     "new",
			"count":  float64(3),
			"flag":   true,
			"nested": map[string]any{"list": []any{"a", float64(1)}, "nil": nil},
		}

		var created *model.Document
		withTx(t, b, func(c store.Conn) error {
			var err error
			created, err = c.Create(ctx, col, model.DocumentInput{
				System: ref.System, ID: ref.ID, Name: str("test"), Date: &date, Content: content,
			})
			return err
		})
		assert.Equal(t, ref, created.Ref())
		assert.Nil(t, created.GlobalID)
		assert.False(t, created.CreatedAt.IsZero())
		assert.True(t, created.CreatedAt.Equal(created.UpdatedAt))

		var loaded *model.Document
		withConn(t, b, func(c store.Conn) error {
			var err error
			loaded, err = c.Load(ctx, ref, false, false)
			return err
		})
		assert.Equal(t, col, loaded.Collection)
		assert.Equal(t, "test", *loaded.Name)
		require.NotNil(t, loaded.Date)
		assert.True(t, date.Equal(*loaded.Date))
		assert.Equal(t, content, loaded.Content)
		assert.True(t, created.UpdatedAt.Equal(loaded.UpdatedAt))
		assert.Nil(t, loaded.DeletedAt)

		err := b.WithConnection(ctx, func(c store.Conn) error {
			_, err := c.Load(ctx, model.Ref{Collection: col, System: "mock-system", ID: "nope"}, true, false)
			return err
		})
		assert.True(t, model.IsNotFound(err), "got %v", err)
	})

	t.Run("UpdateTouchesOnlyGivenFields", func(t *testing.T) {
		col := newCollection(t)
		ref := model.Ref{Collection: col, System: "s", ID: "1"}
		var created, updated *model.Document
		withTx(t, b, func(c store.Conn) error {
			var err error
			created, err = c.Create(ctx, col, model.DocumentInput{
				System: "s", ID: "1", GlobalID: str("g"), Name: str("before"),
				Content: model.Content{"k": "v"}, CreatedAt: ptr(base), UpdatedAt: ptr(base),
			})
			return err
		})
		withTx(t, b, func(c store.Conn) error {
			var err error
			updated, err = c.Update(ctx, ref, model.DocumentInput{System: "s", ID: "1", Name: str("after")})
			return err
		})
		assert.Equal(t, "after", *updated.Name)
		assert.Equal(t, "g", *updated.GlobalID)
		assert.Equal(t, model.Content{"k": "v"}, updated.Content)
		assert.True(t, created.CreatedAt.Equal(updated.CreatedAt))
		assert.True(t, updated.UpdatedAt.After(created.UpdatedAt), "updatedAt defaults to now")

		explicit := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
		withTx(t, b, func(c store.Conn) error {
			var err error
			updated, err = c.Update(ctx, ref, model.DocumentInput{
				System: "s", ID: "1", UpdatedAt: &explicit, Content: model.Content{"k": "w"},
			})
			return err
		})
		assert.True(t, explicit.Equal(updated.UpdatedAt))
		assert.Equal(t, model.Content{"k": "w"}, updated.Content)

		err := b.WithTransaction(ctx, func(c store.Conn) error {
			_, err := c.Update(ctx, model.Ref{Collection: col, System: "s", ID: "missing"}, model.DocumentInput{Name: str("x")})
			return err
		})
		assert.True(t, model.IsNotFound(err), "got %v", err)
	})

	t.Run("History", func(t *testing.T) {
		col := newCollection(t)
		ref := model.Ref{Collection: col, System: "s", ID: "h"}
		withTx(t, b, func(c store.Conn) error {
			_, err := c.Create(ctx, col, model.DocumentInput{System: "s", ID: "h"})
			return err
		})
		withTx(t, b, func(c store.Conn) error {
			for i := 0; i < 5; i++ {
				ev := model.Event{
					At:      base.Add(time.Duration(i) * time.Second),
					Changes: patch.Patch{{Op: patch.OpAdd, Path: "/n" + string(rune('a'+i)), Value: float64(i)}},
				}
				if i == 2 {
					ev.Name = str("named")
				}
				stored, err := c.AppendEvent(ctx, ref, ev)
				if err != nil {
					return err
				}
				assert.True(t, ev.At.Equal(stored.At))
			}
			return nil
		})

		var events []model.Event
		var next *time.Time
		withConn(t, b, func(c store.Conn) error {
			var err error
			events, next, err = c.LoadHistory(ctx, ref, model.HistoryOptions{})
			return err
		})
		require.Len(t, events, 5)
		assert.Nil(t, next)
		assert.True(t, events[0].At.Equal(base.Add(4*time.Second)), "descending by default")
		assert.Equal(t, "named", *events[2].Name)
		assert.Equal(t, patch.Patch{{Op: patch.OpAdd, Path: "/nc", Value: float64(2)}}, events[2].Changes)

		var asc []model.Event
		var cursor *time.Time
		for {
			var page []model.Event
			withConn(t, b, func(c store.Conn) error {
				var err error
				page, cursor, err = c.LoadHistory(ctx, ref, model.HistoryOptions{PageSize: 2, PageToken: cursor, Ascending: true})
				return err
			})
			asc = append(asc, page...)
			if cursor == nil {
				break
			}
			require.Less(t, len(asc), 10, "paging does not terminate")
		}
		require.Len(t, asc, 5)
		for i, ev := range asc {
			assert.True(t, ev.At.Equal(base.Add(time.Duration(i)*time.Second)))
		}

		withConn(t, b, func(c store.Conn) error {
			var err error
			events, next, err = c.LoadHistory(ctx, ref, model.HistoryOptions{PageSize: 2})
			if err != nil {
				return err
			}
			require.NotNil(t, next)
			assert.True(t, next.Equal(base.Add(3*time.Second)))
			events, next, err = c.LoadHistory(ctx, ref, model.HistoryOptions{PageSize: 2, PageToken: next})
			return err
		})
		require.Len(t, events, 2)
		assert.True(t, events[0].At.Equal(base.Add(2*time.Second)))

		err := b.WithTransaction(ctx, func(c store.Conn) error {
			_, err := c.AppendEvent(ctx, ref, model.Event{At: base, Changes: patch.Patch{}})
			return err
		})
		require.Error(t, err)
		assert.Equal(t, model.Retryable, b.Classify(err), "duplicate at must be retryable: %v", err)
	})

	t.Run("Delete", func(t *testing.T) {
		col := newCollection(t)
		ref := model.Ref{Collection: col, System: "s", ID: "d"}
		withTx(t, b, func(c store.Conn) error {
			_, err := c.Create(ctx, col, model.DocumentInput{System: "s", ID: "d"})
			return err
		})
		var deleted *model.Document
		withTx(t, b, func(c store.Conn) error {
			var err error
			deleted, err = c.Delete(ctx, ref, model.DeleteOptions{DeletedAt: ptr(base)})
			return err
		})
		require.NotNil(t, deleted.DeletedAt)
		assert.True(t, base.Equal(*deleted.DeletedAt))

		err := b.WithConnection(ctx, func(c store.Conn) error {
			_, err := c.Load(ctx, ref, false, false)
			return err
		})
		assert.True(t, model.IsNotFound(err), "deleted rows are hidden by default")
		withConn(t, b, func(c store.Conn) error {
			_, err := c.Load(ctx, ref, true, false)
			return err
		})

		err = b.WithTransaction(ctx, func(c store.Conn) error {
			_, err := c.Delete(ctx, ref, model.DeleteOptions{})
			return err
		})
		assert.True(t, model.IsNotFound(err), "second delete: %v", err)
	})

	t.Run("ListAndRelated", func(t *testing.T) {
		col := newCollection(t)
		seed := []model.DocumentInput{
			{System: "a", ID: "1", GlobalID: str("g1"), Content: model.Content{"n": float64(1)}},
			{System: "b", ID: "1", GlobalID: str("g1")},
			{System: "c", ID: "1", GlobalID: str("g1")},
			{System: "a", ID: "2", GlobalID: str("g1")},
			{System: "d", ID: "1", GlobalID: str("g2")},
			{System: "e", ID: "1", GlobalID: str("g1"), DeletedAt: ptr(base)},
			{System: "f", ID: "1"},
		}
		withTx(t, b, func(c store.Conn) error {
			for i, in := range seed {
				in.CreatedAt = ptr(base.Add(time.Duration(i) * time.Minute))
				if _, err := c.Create(ctx, col, in); err != nil {
					return err
				}
			}
			return nil
		})

		list := func(globalID string, opts model.ListOptions) ([]model.Document, *int) {
			var docs []model.Document
			var next *int
			withConn(t, b, func(c store.Conn) error {
				var err error
				docs, next, err = c.List(ctx, col, globalID, opts)
				return err
			})
			return docs, next
		}

		docs, next := list("g1", model.ListOptions{})
		assert.Nil(t, next)
		assert.Equal(t, []string{"a/1", "b/1", "c/1", "a/2"}, keys(docs))
		assert.Nil(t, docs[0].Content, "content omitted unless requested")

		docs, _ = list("g1", model.ListOptions{WithContent: true, Deleted: true})
		assert.Equal(t, []string{"a/1", "b/1", "c/1", "a/2", "e/1"}, keys(docs))
		assert.Equal(t, model.Content{"n": float64(1)}, docs[0].Content)

		docs, _ = list("g1", model.ListOptions{System: "a"})
		assert.Equal(t, []string{"a/1", "a/2"}, keys(docs))

		docs, next = list("g1", model.ListOptions{PageSize: 2})
		assert.Equal(t, []string{"a/1", "b/1"}, keys(docs))
		require.NotNil(t, next)
		assert.Equal(t, 2, *next)
		docs, next = list("g1", model.ListOptions{PageSize: 2, PageToken: *next})
		assert.Equal(t, []string{"c/1", "a/2"}, keys(docs))
		require.NotNil(t, next, "a full page always yields a token")
		docs, next = list("g1", model.ListOptions{PageSize: 2, PageToken: *next})
		assert.Empty(t, docs)
		assert.Nil(t, next)

		related := func(ref model.Ref, opts model.ListOptions) []model.Document {
			var docs []model.Document
			withConn(t, b, func(c store.Conn) error {
				var err error
				docs, _, err = c.ListRelated(ctx, ref, opts)
				return err
			})
			return docs
		}
		assert.Equal(t, []string{"b/1", "c/1"}, keys(related(model.Ref{Collection: col, System: "a", ID: "1"}, model.ListOptions{})))
		assert.Equal(t, []string{"c/1"}, keys(related(model.Ref{Collection: col, System: "a", ID: "1"}, model.ListOptions{System: "c"})))
		assert.Equal(t, []string{"a/1", "c/1", "a/2", "e/1"}, keys(related(model.Ref{Collection: col, System: "b", ID: "1"}, model.ListOptions{Deleted: true})))
		assert.Empty(t, related(model.Ref{Collection: col, System: "f", ID: "1"}, model.ListOptions{}))
		assert.Empty(t, related(model.Ref{Collection: col, System: "d", ID: "1"}, model.ListOptions{}))
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		col := newCollection(t)
		boom := errors.New("boom")
		err := b.WithTransaction(ctx, func(c store.Conn) error {
			if _, err := c.Create(ctx, col, model.DocumentInput{System: "s", ID: "rb"}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, model.Fatal, b.Classify(err))

		err = b.WithConnection(ctx, func(c store.Conn) error {
			_, err := c.Load(ctx, model.Ref{Collection: col, System: "s", ID: "rb"}, true, false)
			return err
		})
		assert.True(t, model.IsNotFound(err), "rolled back create is not visible: %v", err)
	})

	t.Run("HealthPing", func(t *testing.T) {
		require.NoError(t, b.HealthPing(ctx))
		assert.NotEmpty(t, b.Name())
	})
}

func withConn(t *testing.T, b store.Backend, fn func(store.Conn) error) {
	t.Helper()
	require.NoError(t, b.WithConnection(context.Background(), fn))
}

func withTx(t *testing.T, b store.Backend, fn func(store.Conn) error) {
	t.Helper()
	require.NoError(t, b.WithTransaction(context.Background(), fn))
}

func keys(docs []model.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.System+"/"+d.ID)
	}
	return out
}

func str(s string) *string { return &s }

func ptr(t time.Time) *time.Time { return &t }
