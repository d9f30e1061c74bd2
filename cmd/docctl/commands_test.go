package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/services"
	"github.com/triteia/triteia/internal/store/memory"
	"github.com/triteia/triteia/internal/txn"
)

func run(t *testing.T, svc *services.DocumentService, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(func(context.Context) (*services.DocumentService, func(), error) {
		return svc, func() {}, nil
	}, &out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDocctl(t *testing.T) {
	svc := services.NewDocumentService(txn.New(memory.New()), nil, zerolog.Nop())
	ctx := context.Background()

	out, err := run(t, svc, "init", "tests", "others")
	require.NoError(t, err)
	assert.Equal(t, "initialized tests\ninitialized others\n", out)

	_, err = run(t, svc, "init", "bad-name")
	assert.Error(t, err)

	ref := model.Ref{Collection: "tests", System: "s", ID: "1"}
	var ats []time.Time
	for _, v := range []string{"a", "b", "c"} {
		doc, err := svc.Save(ctx, ref, model.DocumentInput{Content: model.Content{"v": v}}, model.SaveOptions{})
		require.NoError(t, err)
		ats = append(ats, doc.Event.At)
	}

	out, err = run(t, svc, "history", "/tests/s/1", "--asc", "-n", "2", "--all")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var first model.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.True(t, ats[0].Equal(first.At))

	out, err = run(t, svc, "history", "/tests/s/1", "-n", "2")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, err = run(t, svc, "content", "/tests/s/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"c"}`, out)

	out, err = run(t, svc, "content", "/tests/s/1", "--at", ats[1].Format(time.RFC3339Nano))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"b"}`, out)

	_, err = run(t, svc, "content", "not-a-uri")
	assert.Error(t, err)
	_, err = run(t, svc, "content", "/tests/s/missing")
	assert.True(t, model.IsNotFound(err))
}
