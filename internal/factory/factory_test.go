package factory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triteia/triteia/internal/config"
	"github.com/triteia/triteia/internal/events"
	amqpsink "github.com/triteia/triteia/internal/events/amqp"
	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/store"
)

func TestNewBackend_Memory(t *testing.T) {
	cfg := config.NewForTesting()
	b, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Name())
	require.NoError(t, b.Close())
}

func TestNewBackend_SQLite(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.DBDriver = config.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "nested", "triteia.db")
	b, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "sqlite", b.Name())

	exec := NewExecutor(b, cfg, zerolog.Nop())
	require.NoError(t, exec.Run(context.Background(), func(ctx context.Context, c store.Conn) error {
		_, err := c.Initialize(ctx, model.CollectionInput{ID: "tests"})
		return err
	}))
}

func TestNewBackend_Errors(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.DBDriver = "oracle"
	_, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg.DBDriver = config.DriverPostgres
	_, err = NewBackend(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "POSTGRES_DSN")
}

type recordingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *recordingDialer) dial(context.Context) (amqpsink.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return nil, assert.AnError
}

func TestNewHub(t *testing.T) {
	cfg := config.NewForTesting()
	hub, err := NewHub(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, hub.Close(context.Background()))

	cfg.LogEvents = "nope"
	_, err = NewHub(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewHub_AMQPSinkSubscribed(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.AMQPHost = "broker"
	d := &recordingDialer{}
	hub, err := newHub(cfg, zerolog.Nop(), d.dial)
	require.NoError(t, err)

	hub.Emit(context.Background(), events.CategoryDocument, events.DocumentEvent{
		Op:       events.OpCreated,
		Document: model.Document{Collection: "tests", System: "s", ID: "1"},
	})
	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 1, d.dials, "the sink tried to deliver the event")
}

func TestBrokerConfig(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.AMQPHost = "broker"
	cfg.AMQPTransport = "ssl"
	assert.Equal(t, "amqps://broker:5671", brokerConfig(cfg).URL())
}
