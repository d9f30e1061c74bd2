package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	goamqp "github.com/Azure/go-amqp"
)

// Errors the publisher reacts to. Broker adapters translate their own
// failures into these.
var (
	ErrReleased      = errors.New("message released by broker")
	ErrConnClosed    = errors.New("amqp connection closed")
	ErrSessionClosed = errors.New("amqp session closed")
	ErrSenderClosed  = errors.New("amqp sender closed")
)

// Message is the broker-neutral form of an outgoing notification. Exactly
// one of Data or Value is set.
type Message struct {
	ID          string
	ContentType string
	Subject     string
	Data        []byte
	Value       any
}

// Dialer opens a broker connection.
type Dialer func(ctx context.Context) (Connection, error)

type Connection interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

type Session interface {
	NewSender(ctx context.Context, address string) (Sender, error)
	Close(ctx context.Context) error
}

type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

// BrokerConfig locates the broker.
type BrokerConfig struct {
	Host      string
	Port      int
	Transport string // tcp or tls
	Username  string
	Password  string
}

// URL renders the connection address.
func (c BrokerConfig) URL() string {
	scheme := "amqps"
	if strings.EqualFold(c.Transport, "tcp") {
		scheme = "amqp"
	}
	port := c.Port
	if port == 0 {
		port = 5671
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// GoAMQPDialer dials with github.com/Azure/go-amqp.
func GoAMQPDialer(cfg BrokerConfig) Dialer {
	return func(ctx context.Context) (Connection, error) {
		opts := &goamqp.ConnOptions{}
		if host, err := os.Hostname(); err == nil {
			opts.ContainerID = host
		}
		if cfg.Username != "" {
			opts.SASLType = goamqp.SASLTypePlain(cfg.Username, cfg.Password)
		} else {
			opts.SASLType = goamqp.SASLTypeAnonymous()
		}
		if !strings.EqualFold(cfg.Transport, "tcp") {
			opts.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		}
		conn, err := goamqp.Dial(ctx, cfg.URL(), opts)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.URL(), err)
		}
		return &goConn{conn: conn}, nil
	}
}

type goConn struct{ conn *goamqp.Conn }

func (c *goConn) NewSession(ctx context.Context) (Session, error) {
	s, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, translate(err)
	}
	return &goSession{s: s}, nil
}

func (c *goConn) Close() error { return c.conn.Close() }

type goSession struct{ s *goamqp.Session }

func (s *goSession) NewSender(ctx context.Context, address string) (Sender, error) {
	snd, err := s.s.NewSender(ctx, address, nil)
	if err != nil {
		return nil, translate(err)
	}
	return &goSender{s: snd}, nil
}

func (s *goSession) Close(ctx context.Context) error { return s.s.Close(ctx) }

type goSender struct{ s *goamqp.Sender }

func (s *goSender) Send(ctx context.Context, msg *Message) error {
	var m *goamqp.Message
	if msg.Data != nil {
		m = goamqp.NewMessage(msg.Data)
	} else {
		m = &goamqp.Message{Value: msg.Value}
	}
	m.Properties = &goamqp.MessageProperties{MessageID: msg.ID}
	if msg.ContentType != "" {
		ct := msg.ContentType
		m.Properties.ContentType = &ct
	}
	if msg.Subject != "" {
		subj := msg.Subject
		m.Properties.Subject = &subj
	}
	// Sender.Send only fails on rejection, so released deliveries need the receipt
	receipt, err := s.s.SendWithReceipt(ctx, m, nil)
	if err != nil {
		return translate(err)
	}
	state, err := receipt.Wait(ctx)
	if err != nil {
		return translate(err)
	}
	return outcome(state)
}

func (s *goSender) Close(ctx context.Context) error { return s.s.Close(ctx) }

// outcome maps the settled delivery state onto the publisher's errors.
func outcome(state goamqp.DeliveryState) error {
	switch st := state.(type) {
	case *goamqp.StateReleased:
		return ErrReleased
	case *goamqp.StateRejected:
		if st.Error != nil {
			return fmt.Errorf("message rejected: %w", st.Error)
		}
		return errors.New("message rejected by broker")
	case *goamqp.StateModified:
		return fmt.Errorf("message modified by broker (failed=%t, undeliverable=%t)", st.DeliveryFailed, st.UndeliverableHere)
	}
	return nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var connErr *goamqp.ConnError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	var sessErr *goamqp.SessionError
	if errors.As(err, &sessErr) {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	var linkErr *goamqp.LinkError
	if errors.As(err, &linkErr) {
		return fmt.Errorf("%w: %v", ErrSenderClosed, err)
	}
	var remote *goamqp.Error
	if errors.As(err, &remote) && strings.Contains(strings.ToLower(string(remote.Condition)), "released") {
		return fmt.Errorf("%w: %v", ErrReleased, err)
	}
	return err
}
