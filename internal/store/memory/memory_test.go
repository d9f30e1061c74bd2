package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/patch"
	"github.com/triteia/triteia/internal/store"
	"github.com/triteia/triteia/internal/store/storetest"
)

func TestMemoryBackend_Compliance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return New() })
}

func TestMemoryBackend_ClockAndIsolation(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 6789, time.UTC)
	b := New(WithClock(func() time.Time { return fixed }), WithRetryDelay(time.Millisecond))
	ctx := context.Background()
	assert.Equal(t, time.Millisecond, b.RetryDelay())
	assert.Equal(t, Resolution, b.Resolution())

	var doc *model.Document
	require.NoError(t, b.WithTransaction(ctx, func(c store.Conn) error {
		if _, err := c.Initialize(ctx, model.CollectionInput{ID: "tests"}); err != nil {
			return err
		}
		var err error
		doc, err = c.Create(ctx, "tests", model.DocumentInput{System: "s", ID: "1", Content: model.Content{"a": "b"}})
		return err
	}))
	assert.True(t, doc.CreatedAt.Equal(fixed.Truncate(Resolution)))

	// mutating a returned document must not leak into storage
	doc.Content["a"] = "mutated"
	require.NoError(t, b.WithConnection(ctx, func(c store.Conn) error {
		got, err := c.Load(ctx, doc.Ref(), false, true)
		if err != nil {
			return err
		}
		assert.Equal(t, "b", got.Content["a"])
		return nil
	}))
}

func TestMemoryBackend_HistoryValuesAreCopies(t *testing.T) {
	b := New()
	ctx := context.Background()
	ref := model.Ref{Collection: "tests", System: "s", ID: "1"}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	var appended *model.Event
	require.NoError(t, b.WithTransaction(ctx, func(c store.Conn) error {
		if _, err := c.Initialize(ctx, model.CollectionInput{ID: "tests"}); err != nil {
			return err
		}
		if _, err := c.Create(ctx, "tests", model.DocumentInput{System: "s", ID: "1"}); err != nil {
			return err
		}
		var err error
		appended, err = c.AppendEvent(ctx, ref, model.Event{At: at, Changes: patch.Patch{
			{Op: patch.OpAdd, Path: "/obj", Value: map[string]any{"k": "v"}},
			{Op: patch.OpAdd, Path: "/list", Value: []any{"x"}},
		}})
		return err
	}))
	appended.Changes[0].Value.(map[string]any)["k"] = "appended"

	load := func() []model.Event {
		var evs []model.Event
		require.NoError(t, b.WithConnection(ctx, func(c store.Conn) error {
			var err error
			evs, _, err = c.LoadHistory(ctx, ref, model.HistoryOptions{})
			return err
		}))
		require.Len(t, evs, 1)
		return evs
	}
	evs := load()
	evs[0].Changes[0].Value.(map[string]any)["k"] = "mutated"
	evs[0].Changes[1].Value.([]any)[0] = "mutated"

	again := load()
	assert.Equal(t, map[string]any{"k": "v"}, again[0].Changes[0].Value)
	assert.Equal(t, []any{"x"}, again[0].Changes[1].Value)
}

func TestMemoryBackend_CancelledTransactionDiscarded(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.WithConnection(ctx, func(c store.Conn) error {
		_, err := c.Initialize(ctx, model.CollectionInput{ID: "tests"})
		return err
	}))

	err := b.WithTransaction(ctx, func(c store.Conn) error {
		_, err := c.Create(ctx, "tests", model.DocumentInput{System: "s", ID: "1"})
		cancel()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)

	err = b.WithConnection(context.Background(), func(c store.Conn) error {
		_, err := c.Load(context.Background(), model.Ref{Collection: "tests", System: "s", ID: "1"}, true, false)
		return err
	})
	assert.True(t, model.IsNotFound(err))
}

func TestMemoryBackend_Close(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	assert.Error(t, b.HealthPing(context.Background()))
	assert.Error(t, b.WithConnection(context.Background(), func(store.Conn) error { return nil }))
}
