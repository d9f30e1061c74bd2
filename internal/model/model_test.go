package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triteia/triteia/internal/patch"
)

func TestRefURI(t *testing.T) {
	ref := Ref{Collection: "tests", System: "mock-system", ID: "new"}
	assert.Equal(t, "/tests/mock-system/new", ref.URI())

	parsed, err := ParseURI(ref.URI())
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)

	for _, bad := range []string{"", "/tests", "/tests/sys", "/tests//id", "/a/b/c/d"} {
		_, err := ParseURI(bad)
		assert.True(t, IsValidation(err), bad)
	}
}

func TestErrorKinds(t *testing.T) {
	ref := Ref{Collection: "tests", System: "s", ID: "1"}

	nf := fmt.Errorf("load: %w", NewNotFoundError(ref))
	assert.True(t, IsNotFound(nf))
	assert.False(t, IsValidation(nf))
	assert.Contains(t, nf.Error(), "/tests/s/1")
	assert.Contains(t, NewNotFoundError(Ref{Collection: "tests"}).Error(), "collection tests")

	var ve ValidationError
	require.True(t, errors.As(fmt.Errorf("save: %w", NewValidationError("updatedAt", "stale write")), &ve))
	assert.Equal(t, "updatedAt", ve.Field)

	cause := errors.New("duplicate key")
	re := NewRetryableError(cause)
	assert.True(t, IsRetryable(re))
	assert.ErrorIs(t, re, cause)
	assert.False(t, IsRetryable(cause))
	assert.Equal(t, "retryable", Retryable.String())
	assert.Equal(t, "fatal", Fatal.String())
}

func TestNextOffset(t *testing.T) {
	assert.Nil(t, NextOffset(3, ListOptions{PageSize: 5}))
	next := NextOffset(5, ListOptions{PageSize: 5, PageToken: 10})
	require.NotNil(t, next)
	assert.Equal(t, 15, *next)
	assert.Equal(t, DefaultPageSize, ListOptions{}.Size())
	assert.Equal(t, DefaultPageSize, HistoryOptions{PageSize: -1}.Size())
}

func TestDocumentClone(t *testing.T) {
	name := "a"
	doc := &Document{
		Collection: "tests", System: "s", ID: "1", Name: &name,
		Content: Content{"nested": map[string]any{"list": []any{"x"}}},
	}
	cp := doc.Clone()
	*cp.Name = "b"
	cp.Content["nested"].(map[string]any)["list"].([]any)[0] = "y"

	assert.Equal(t, "a", *doc.Name)
	assert.Equal(t, "x", doc.Content["nested"].(map[string]any)["list"].([]any)[0])
	assert.Equal(t, "/tests/s/1", cp.URI())
}

func TestEventClone(t *testing.T) {
	name := "imported"
	ev := Event{Name: &name, Changes: patch.Patch{
		{Op: patch.OpReplace, Path: "/a", Value: map[string]any{"list": []any{"x"}}},
	}}
	cp := ev.Clone()
	*cp.Name = "other"
	cp.Changes[0].Value.(map[string]any)["list"].([]any)[0] = "y"
	cp.Changes[0].Path = "/b"

	assert.Equal(t, "imported", *ev.Name)
	assert.Equal(t, "/a", ev.Changes[0].Path)
	assert.Equal(t, "x", ev.Changes[0].Value.(map[string]any)["list"].([]any)[0])
	assert.NotNil(t, Event{}.Clone().Changes)
}

func TestEventName(t *testing.T) {
	empty := ""
	label := "import"
	assert.Nil(t, DocumentInput{}.EventName())
	assert.Nil(t, DocumentInput{Event: &EventInput{Name: &empty}}.EventName())
	assert.Equal(t, &label, DocumentInput{Event: &EventInput{Name: &label}}.EventName())
}
