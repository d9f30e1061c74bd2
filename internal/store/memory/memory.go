// Package memory is an in-process store.Backend used by tests and by
// DB_DRIVER=memory. Transactions are serialised by one mutex and run against
// a copy of the data that replaces the committed state on success.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/store"
)

// Resolution is the timestamp precision of stored rows.
const Resolution = time.Microsecond

var errClosed = errors.New("memory backend closed")

type key struct{ system, id string }

type table struct {
	docs   map[key]*model.Document
	events map[key][]model.Event // ascending by At
}

type dataset struct {
	tables map[string]*table
}

func (d *dataset) clone() *dataset {
	out := &dataset{tables: make(map[string]*table, len(d.tables))}
	for name, t := range d.tables {
		ct := &table{
			docs:   make(map[key]*model.Document, len(t.docs)),
			events: make(map[key][]model.Event, len(t.events)),
		}
		for k, doc := range t.docs {
			ct.docs[k] = doc.Clone()
		}
		for k, evs := range t.events {
			ct.events[k] = append([]model.Event(nil), evs...)
		}
		out.tables[name] = ct
	}
	return out
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock replaces time.Now for server-assigned timestamps.
func WithClock(clock func() time.Time) Option {
	return func(b *Backend) { b.clock = clock }
}

// WithRetryDelay sets the delay reported to the transaction executor.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Backend) { b.retryDelay = d }
}

// Backend implements store.Backend in memory.
type Backend struct {
	mu         sync.Mutex
	data       *dataset
	clock      func() time.Time
	retryDelay time.Duration
	closed     bool
}

// New returns an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{data: &dataset{tables: map[string]*table{}}, clock: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) WithConnection(ctx context.Context, fn func(store.Conn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	return fn(&conn{data: b.data, clock: b.clock})
}

func (b *Backend) WithTransaction(ctx context.Context, fn func(store.Conn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	work := b.data.clone()
	if err := fn(&conn{data: work, clock: b.clock}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.data = work
	return nil
}

func (b *Backend) Classify(err error) model.ErrorClass {
	if model.IsRetryable(err) {
		return model.Retryable
	}
	return model.Fatal
}

func (b *Backend) RetryDelay() time.Duration { return b.retryDelay }

func (b *Backend) Resolution() time.Duration { return Resolution }

func (b *Backend) HealthPing(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	return ctx.Err()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type conn struct {
	data  *dataset
	clock func() time.Time
}

func (c *conn) now() time.Time { return store.Now(c.clock, Resolution) }

func (c *conn) table(ctx context.Context, collection string) (*table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.ValidateCollection(collection); err != nil {
		return nil, err
	}
	t, ok := c.data.tables[collection]
	if !ok {
		return nil, model.NewNotFoundError(model.Ref{Collection: collection})
	}
	return t, nil
}

func (c *conn) Initialize(ctx context.Context, in model.CollectionInput) (*model.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.ValidateCollection(in.ID); err != nil {
		return nil, err
	}
	if _, ok := c.data.tables[in.ID]; !ok {
		c.data.tables[in.ID] = &table{
			docs:   map[key]*model.Document{},
			events: map[key][]model.Event{},
		}
	}
	return &model.Collection{ID: in.ID}, nil
}

func (c *conn) List(ctx context.Context, collection, globalID string, opts model.ListOptions) ([]model.Document, *int, error) {
	t, err := c.table(ctx, collection)
	if err != nil {
		return nil, nil, err
	}
	var matches []*model.Document
	for _, d := range t.docs {
		if d.GlobalID == nil || *d.GlobalID != globalID {
			continue
		}
		if opts.System != "" && d.System != opts.System {
			continue
		}
		if !opts.Deleted && d.DeletedAt != nil {
			continue
		}
		matches = append(matches, d)
	}
	docs := page(matches, opts)
	return docs, model.NextOffset(len(docs), opts), nil
}

func (c *conn) Load(ctx context.Context, ref model.Ref, deleted, forUpdate bool) (*model.Document, error) {
	t, err := c.table(ctx, ref.Collection)
	if err != nil {
		return nil, err
	}
	d, ok := t.docs[key{ref.System, ref.ID}]
	if !ok || (!deleted && d.DeletedAt != nil) {
		return nil, model.NewNotFoundError(ref)
	}
	return d.Clone(), nil
}

func (c *conn) LoadHistory(ctx context.Context, ref model.Ref, opts model.HistoryOptions) ([]model.Event, *time.Time, error) {
	t, err := c.table(ctx, ref.Collection)
	if err != nil {
		return nil, nil, err
	}
	all := t.events[key{ref.System, ref.ID}]
	size := opts.Size()
	out := make([]model.Event, 0, size)
	visit := func(ev model.Event) bool {
		if opts.PageToken != nil {
			if opts.Ascending && !ev.At.After(*opts.PageToken) {
				return true
			}
			if !opts.Ascending && !ev.At.Before(*opts.PageToken) {
				return true
			}
		}
		out = append(out, ev.Clone())
		return len(out) < size
	}
	for i := range all {
		j := i
		if !opts.Ascending {
			j = len(all) - 1 - i
		}
		if !visit(all[j]) {
			break
		}
	}
	if len(out) < size {
		return out, nil, nil
	}
	next := out[len(out)-1].At
	return out, &next, nil
}

func (c *conn) ListRelated(ctx context.Context, ref model.Ref, opts model.ListOptions) ([]model.Document, *int, error) {
	t, err := c.table(ctx, ref.Collection)
	if err != nil {
		return nil, nil, err
	}
	self, ok := t.docs[key{ref.System, ref.ID}]
	if !ok || self.GlobalID == nil {
		return []model.Document{}, nil, nil
	}
	var matches []*model.Document
	for _, d := range t.docs {
		if d.GlobalID == nil || *d.GlobalID != *self.GlobalID || d.System == self.System {
			continue
		}
		if opts.System != "" && d.System != opts.System {
			continue
		}
		if !opts.Deleted && d.DeletedAt != nil {
			continue
		}
		matches = append(matches, d)
	}
	docs := page(matches, opts)
	return docs, model.NextOffset(len(docs), opts), nil
}

func (c *conn) Create(ctx context.Context, collection string, in model.DocumentInput) (*model.Document, error) {
	t, err := c.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	if in.System == "" || in.ID == "" {
		return nil, model.NewValidationError("id", "system and id are required")
	}
	k := key{in.System, in.ID}
	if _, exists := t.docs[k]; exists {
		return nil, model.NewRetryableError(fmt.Errorf("duplicate document /%s/%s/%s", collection, in.System, in.ID))
	}
	now := c.now()
	d := &model.Document{
		Collection: collection,
		System:     in.System,
		ID:         in.ID,
		GlobalID:   in.GlobalID,
		Name:       in.Name,
		Date:       truncate(in.Date),
		Content:    in.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
		DeletedAt:  truncate(in.DeletedAt),
	}
	if in.CreatedAt != nil {
		d.CreatedAt = *truncate(in.CreatedAt)
	}
	if in.UpdatedAt != nil {
		d.UpdatedAt = *truncate(in.UpdatedAt)
	}
	d = d.Clone()
	t.docs[k] = d
	return d.Clone(), nil
}

func (c *conn) Update(ctx context.Context, ref model.Ref, in model.DocumentInput) (*model.Document, error) {
	t, err := c.table(ctx, ref.Collection)
	if err != nil {
		return nil, err
	}
	d, ok := t.docs[key{ref.System, ref.ID}]
	if !ok {
		return nil, model.NewNotFoundError(ref)
	}
	if in.GlobalID != nil {
		v := *in.GlobalID
		d.GlobalID = &v
	}
	if in.Name != nil {
		v := *in.Name
		d.Name = &v
	}
	if in.Date != nil {
		d.Date = truncate(in.Date)
	}
	if in.Content != nil {
		d.Content = model.CloneContent(in.Content)
	}
	if in.CreatedAt != nil {
		d.CreatedAt = *truncate(in.CreatedAt)
	}
	if in.DeletedAt != nil {
		d.DeletedAt = truncate(in.DeletedAt)
	}
	if in.UpdatedAt != nil {
		d.UpdatedAt = *truncate(in.UpdatedAt)
	} else {
		d.UpdatedAt = c.now()
	}
	return d.Clone(), nil
}

func (c *conn) AppendEvent(ctx context.Context, ref model.Ref, ev model.Event) (*model.Event, error) {
	t, err := c.table(ctx, ref.Collection)
	if err != nil {
		return nil, err
	}
	k := key{ref.System, ref.ID}
	if _, ok := t.docs[k]; !ok {
		return nil, fmt.Errorf("append event: no document %s", ref.URI())
	}
	ev = ev.Clone()
	ev.At = ev.At.UTC().Truncate(Resolution)
	evs := t.events[k]
	i := sort.Search(len(evs), func(i int) bool { return !evs[i].At.Before(ev.At) })
	if i < len(evs) && evs[i].At.Equal(ev.At) {
		return nil, model.NewRetryableError(fmt.Errorf("duplicate event %s at %s", ref.URI(), ev.At.Format(time.RFC3339Nano)))
	}
	evs = append(evs, model.Event{})
	copy(evs[i+1:], evs[i:])
	evs[i] = ev
	t.events[k] = evs
	out := ev.Clone()
	return &out, nil
}

func (c *conn) Delete(ctx context.Context, ref model.Ref, opts model.DeleteOptions) (*model.Document, error) {
	t, err := c.table(ctx, ref.Collection)
	if err != nil {
		return nil, err
	}
	d, ok := t.docs[key{ref.System, ref.ID}]
	if !ok || d.DeletedAt != nil {
		return nil, model.NewNotFoundError(ref)
	}
	at := c.now()
	if opts.DeletedAt != nil {
		at = *truncate(opts.DeletedAt)
	}
	d.DeletedAt = &at
	return d.Clone(), nil
}

// page sorts by createdAt (then key) and applies the offset window.
func page(docs []*model.Document, opts model.ListOptions) []model.Document {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.System != b.System {
			return a.System < b.System
		}
		return a.ID < b.ID
	})
	out := []model.Document{}
	start := opts.PageToken
	if start < 0 {
		start = 0
	}
	for i := start; i < len(docs) && len(out) < opts.Size(); i++ {
		d := docs[i].Clone()
		if !opts.WithContent {
			d.Content = nil
		}
		out = append(out, *d)
	}
	return out
}

func truncate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(Resolution)
	return &v
}
