// Package events is the in-process notification hub. Writers emit after
// commit; sinks subscribe by category. Delivery is best-effort and
// at-most-once.
package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/model"
)

// Category keys subscriptions.
type Category string

// CategoryDocument carries DocumentEvent payloads.
const CategoryDocument Category = "document"

// Op is the kind of document change.
type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// DocumentEvent is the payload of CategoryDocument.
type DocumentEvent struct {
	Op       Op             `json:"op"`
	Document model.Document `json:"document"`
}

// Handler receives emitted payloads. Errors and panics are logged by the hub
// and never reach the emitter.
type Handler func(ctx context.Context, payload any) error

// Emitter is what writers depend on.
type Emitter interface {
	Emit(ctx context.Context, category Category, payload any)
}

var handlerFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "triteia",
		Subsystem: "events",
		Name:      "handler_failures_total",
		Help:      "Subscriber invocations that returned an error or panicked.",
	},
	[]string{"category"},
)

type subscription struct {
	id uint64
	fn Handler
}

// Hub is a publish/subscribe fan-out keyed by category.
type Hub struct {
	mu      sync.RWMutex
	subs    map[Category][]subscription
	closers []func(context.Context) error
	nextID  uint64
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{subs: map[Category][]subscription{}, log: log}
}

// On subscribes fn to category and returns a function that removes it.
func (h *Hub) On(category Category, fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs[category] = append(h.subs[category], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subs[category]
			for i, s := range subs {
				if s.id == id {
					h.subs[category] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// OnDocument subscribes a typed handler to CategoryDocument.
func (h *Hub) OnDocument(fn func(ctx context.Context, ev DocumentEvent) error) (unsubscribe func()) {
	return h.On(CategoryDocument, func(ctx context.Context, payload any) error {
		ev, ok := payload.(DocumentEvent)
		if !ok {
			return fmt.Errorf("unexpected %s payload %T", CategoryDocument, payload)
		}
		return fn(ctx, ev)
	})
}

// OnClose registers a shutdown hook, run by Close in registration order.
func (h *Hub) OnClose(fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, fn)
}

// Emit invokes every current subscriber of category in order. A failing
// subscriber does not stop its siblings.
func (h *Hub) Emit(ctx context.Context, category Category, payload any) {
	h.mu.RLock()
	subs := append([]subscription(nil), h.subs[category]...)
	h.mu.RUnlock()

	for _, s := range subs {
		if err := h.invoke(ctx, s.fn, payload); err != nil {
			handlerFailures.WithLabelValues(string(category)).Inc()
			h.log.Error().
				Err(err).
				Str("category", string(category)).
				Msg("event subscriber failed")
		}
	}
}

func (h *Hub) invoke(ctx context.Context, fn Handler, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("event subscriber panicked")
			err = fmt.Errorf("subscriber panic: %v", rec)
		}
	}()
	return fn(ctx, payload)
}

// Close runs the shutdown hooks and drops all subscriptions.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	closers := h.closers
	h.closers = nil
	h.subs = map[Category][]subscription{}
	h.mu.Unlock()

	var errs []error
	for _, fn := range closers {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
