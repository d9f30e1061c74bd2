package documentservice

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triteia/triteia/internal/config"
)

func TestStartupHealthTimeout(t *testing.T) {
	assert.Equal(t, 60*time.Second, startupHealthTimeout(time.Second))
	assert.Equal(t, 60*time.Second, startupHealthTimeout(30*time.Second))
	assert.Equal(t, 90*time.Second, startupHealthTimeout(45*time.Second))
}

func TestServe_MemoryBackend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, config.NewForTesting(), zerolog.Nop(), ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/collections", "application/json", strings.NewReader(`{"id":"tests"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, base+"/tests/mock-system/1/content", strings.NewReader(`{"id":"1"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var changes []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&changes))
	resp.Body.Close()
	assert.Len(t, changes, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServe_BadConfig(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := config.NewForTesting()
	cfg.DBDriver = "oracle"
	assert.Error(t, Serve(context.Background(), cfg, zerolog.Nop(), ln))
}
