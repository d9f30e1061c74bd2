// Package amqp publishes document notifications to an AMQP 1.0 broker.
// Each (collection, system, op) maps to one address; the publisher keeps one
// connection, one session and a sender per address, recreating whichever
// has been closed underneath it.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/events"
	"github.com/triteia/triteia/internal/model"
)

const (
	MessageTypeJSON = "json"
	MessageTypeAMQP = "amqp"

	DefaultTargetPrefix = "/topic/triteia."
	DefaultSendTimeout  = 10 * time.Second
	DefaultQueueSize    = 1024

	jsonContentType = "application/json; charset=utf-8"
)

var published = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "triteia",
		Subsystem: "amqp",
		Name:      "messages_total",
		Help:      "Notifications handed to the broker sink, by outcome.",
	},
	[]string{"outcome"},
)

// Config controls addressing and sender lifecycle.
type Config struct {
	TargetPrefix string
	MessageType  string
	// SenderLifetime closes a sender this long after it was opened; zero keeps
	// senders until shutdown.
	SenderLifetime time.Duration
	SendTimeout    time.Duration
	QueueSize      int
}

func (c *Config) resolve() error {
	if c.TargetPrefix == "" {
		c.TargetPrefix = DefaultTargetPrefix
	}
	if c.MessageType == "" {
		c.MessageType = MessageTypeJSON
	}
	if c.MessageType != MessageTypeJSON && c.MessageType != MessageTypeAMQP {
		return fmt.Errorf("invalid AMQP message type %q; supported: %s, %s", c.MessageType, MessageTypeJSON, MessageTypeAMQP)
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return nil
}

// Address is the broker target for one notification.
func Address(prefix string, ev events.DocumentEvent) string {
	return prefix + ev.Document.Collection + "." + ev.Document.System + "." + string(ev.Op)
}

type cachedSender struct {
	sender Sender
	opened time.Time
}

// Publisher is a hub subscriber. Handle enqueues without blocking; a single
// goroutine owns the broker state and sends in emission order.
type Publisher struct {
	cfg  Config
	dial Dialer
	log  zerolog.Logger
	now  func() time.Time

	queue     chan events.DocumentEvent
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against Handle
	closed    bool

	// owned by run
	conn    Connection
	session Session
	senders map[string]*cachedSender
}

// New validates cfg and starts the delivery goroutine. The first connection
// is opened lazily on the first notification.
func New(cfg Config, dial Dialer, log zerolog.Logger) (*Publisher, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	p := &Publisher{
		cfg:     cfg,
		dial:    dial,
		log:     log.With().Str("component", "amqp").Logger(),
		now:     time.Now,
		queue:   make(chan events.DocumentEvent, cfg.QueueSize),
		done:    make(chan struct{}),
		senders: map[string]*cachedSender{},
	}
	go p.run()
	return p, nil
}

// Subscribe registers the publisher on hub, including its shutdown hook.
func (p *Publisher) Subscribe(hub *events.Hub) {
	hub.OnDocument(p.Handle)
	hub.OnClose(p.Close)
}

// Handle enqueues ev. A full queue drops the notification with a warning.
func (p *Publisher) Handle(_ context.Context, ev events.DocumentEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("amqp publisher closed")
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		published.WithLabelValues("dropped").Inc()
		p.log.Warn().
			Str("uri", ev.Document.URI()).
			Str("op", string(ev.Op)).
			Msg("notification queue full, dropping event")
		return nil
	}
}

// Close drains queued notifications, then closes senders, session and
// connection. If ctx ends first the remaining queue is abandoned.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	defer p.shutdown()
	for ev := range p.queue {
		p.expireSenders()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
		err := p.publish(ctx, ev)
		cancel()
		switch {
		case err == nil:
			published.WithLabelValues("sent").Inc()
		case errors.Is(err, ErrReleased):
			published.WithLabelValues("released").Inc()
			p.log.Warn().
				Str("address", Address(p.cfg.TargetPrefix, ev)).
				Str("id", ev.Document.ID).
				Msg("event was released (no subscribers to topic)")
		default:
			published.WithLabelValues("failed").Inc()
			p.log.Error().Err(err).
				Str("address", Address(p.cfg.TargetPrefix, ev)).
				Str("id", ev.Document.ID).
				Msg("publish event")
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev events.DocumentEvent) error {
	msg, err := p.encode(ev.Document)
	if err != nil {
		return err
	}
	address := Address(p.cfg.TargetPrefix, ev)
	sender, err := p.sender(ctx, address)
	if err != nil {
		return err
	}
	err = sender.Send(ctx, msg)
	if err != nil && p.discardBroken(address, err) {
		// one retry on fresh links
		sender, err = p.sender(ctx, address)
		if err != nil {
			return err
		}
		err = sender.Send(ctx, msg)
		p.discardBroken(address, err)
	}
	if err != nil {
		return err
	}
	p.log.Debug().Str("address", address).Str("id", ev.Document.ID).Msg("event sent")
	return nil
}

// discardBroken drops cached state invalidated by err and reports whether a
// retry could succeed.
func (p *Publisher) discardBroken(address string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConnClosed):
		p.log.Warn().Err(err).Msg("connection closed with open session")
		p.resetConnection()
		return true
	case errors.Is(err, ErrSessionClosed):
		p.log.Warn().Msg("session is unexpectedly closed; opening new session")
		p.resetSession()
		return true
	case errors.Is(err, ErrSenderClosed):
		delete(p.senders, address)
		return true
	}
	return false
}

func (p *Publisher) sender(ctx context.Context, address string) (Sender, error) {
	if cs, ok := p.senders[address]; ok {
		return cs.sender, nil
	}
	session, err := p.openSession(ctx)
	if err != nil {
		return nil, err
	}
	s, err := session.NewSender(ctx, address)
	if err != nil {
		if p.discardBroken(address, err) {
			if session, err = p.openSession(ctx); err != nil {
				return nil, err
			}
			s, err = session.NewSender(ctx, address)
		}
		if err != nil {
			return nil, fmt.Errorf("open sender %s: %w", address, err)
		}
	}
	p.senders[address] = &cachedSender{sender: s, opened: p.now()}
	p.log.Debug().Str("address", address).Msg("sender created")
	return s, nil
}

func (p *Publisher) openSession(ctx context.Context) (Session, error) {
	if p.session != nil {
		return p.session, nil
	}
	if p.conn == nil {
		p.log.Debug().Msg("connecting")
		conn, err := p.dial(ctx)
		if err != nil {
			return nil, err
		}
		p.conn = conn
		p.log.Info().Msg("connected to broker")
	}
	s, err := p.conn.NewSession(ctx)
	if err != nil {
		if errors.Is(err, ErrConnClosed) {
			p.resetConnection()
		}
		return nil, fmt.Errorf("open session: %w", err)
	}
	p.session = s
	return s, nil
}

func (p *Publisher) expireSenders() {
	if p.cfg.SenderLifetime <= 0 {
		return
	}
	now := p.now()
	for address, cs := range p.senders {
		if now.Sub(cs.opened) < p.cfg.SenderLifetime {
			continue
		}
		delete(p.senders, address)
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
		if err := cs.sender.Close(ctx); err != nil {
			p.log.Debug().Err(err).Str("address", address).Msg("close expired sender")
		}
		cancel()
		p.log.Debug().Str("address", address).Msg("sender closed")
	}
}

func (p *Publisher) resetSession() {
	p.session = nil
	p.senders = map[string]*cachedSender{}
}

func (p *Publisher) resetConnection() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.resetSession()
}

func (p *Publisher) shutdown() {
	p.log.Debug().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
	defer cancel()
	for address, cs := range p.senders {
		if err := cs.sender.Close(ctx); err != nil {
			p.log.Debug().Err(err).Str("address", address).Msg("close sender")
		}
	}
	if p.session != nil {
		if err := p.session.Close(ctx); err != nil {
			p.log.Debug().Err(err).Msg("close session")
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.Debug().Err(err).Msg("close connection")
		}
	}
	p.conn, p.session, p.senders = nil, nil, map[string]*cachedSender{}
}

func (p *Publisher) encode(doc model.Document) (*Message, error) {
	msg := &Message{ID: uuid.NewString(), Subject: doc.URI()}
	if p.cfg.MessageType == MessageTypeAMQP {
		v, err := amqpValue(doc)
		if err != nil {
			return nil, err
		}
		msg.Value = v
		return msg, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", doc.URI(), err)
	}
	msg.ContentType = jsonContentType
	msg.Data = b
	return msg, nil
}

// amqpValue converts the document into AMQP-encodable primitives: maps with
// string keys, lists, strings, float64, bool and nil.
func amqpValue(doc model.Document) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", doc.URI(), err)
	}
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("encode %s: %w", doc.URI(), err)
	}
	return v, nil
}
