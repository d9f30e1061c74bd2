package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triteia/triteia/internal/model"
)

func TestHub_FanOutIsolatesFailures(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var got []string

	h.On(CategoryDocument, func(ctx context.Context, payload any) error {
		got = append(got, "first")
		return errors.New("broker down")
	})
	h.On(CategoryDocument, func(ctx context.Context, payload any) error {
		panic("boom")
	})
	h.OnDocument(func(ctx context.Context, ev DocumentEvent) error {
		got = append(got, string(ev.Op)+":"+ev.Document.ID)
		return nil
	})
	h.On("other", func(ctx context.Context, payload any) error {
		got = append(got, "other")
		return nil
	})

	assert.NotPanics(t, func() {
		h.Emit(context.Background(), CategoryDocument, DocumentEvent{Op: OpCreated, Document: model.Document{ID: "1"}})
	})
	assert.Equal(t, []string{"first", "created:1"}, got)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(zerolog.Nop())
	calls := map[string]int{}
	unA := h.On(CategoryDocument, func(context.Context, any) error { calls["a"]++; return nil })
	h.On(CategoryDocument, func(context.Context, any) error { calls["b"]++; return nil })

	h.Emit(context.Background(), CategoryDocument, DocumentEvent{})
	unA()
	unA()
	h.Emit(context.Background(), CategoryDocument, DocumentEvent{})

	assert.Equal(t, 1, calls["a"])
	assert.Equal(t, 2, calls["b"])
}

func TestHub_OnDocumentRejectsForeignPayload(t *testing.T) {
	h := NewHub(zerolog.Nop())
	called := false
	h.OnDocument(func(context.Context, DocumentEvent) error { called = true; return nil })
	h.Emit(context.Background(), CategoryDocument, "not an event")
	assert.False(t, called)
}

func TestHub_Close(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var order []int
	h.OnClose(func(context.Context) error { order = append(order, 1); return nil })
	h.OnClose(func(context.Context) error { order = append(order, 2); return errors.New("close failed") })
	called := false
	h.On(CategoryDocument, func(context.Context, any) error { called = true; return nil })

	err := h.Close(context.Background())
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, order)

	h.Emit(context.Background(), CategoryDocument, DocumentEvent{})
	assert.False(t, called, "subscriptions are dropped on close")
	assert.NoError(t, h.Close(context.Background()), "closers run once")
}
