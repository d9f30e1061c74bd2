package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/events"
	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/patch"
	"github.com/triteia/triteia/internal/store"
	"github.com/triteia/triteia/internal/txn"
)

// DocumentService is the call surface used by the HTTP layer and the CLI.
// Writes run through the transaction executor and notify after commit.
type DocumentService struct {
	exec   *txn.Executor
	events events.Emitter
	log    zerolog.Logger
	clock  func() time.Time
}

// Option configures a DocumentService.
type Option func(*DocumentService)

// WithClock replaces time.Now for the updatedAt stamped on updates.
func WithClock(clock func() time.Time) Option {
	return func(s *DocumentService) { s.clock = clock }
}

func NewDocumentService(exec *txn.Executor, emitter events.Emitter, log zerolog.Logger, opts ...Option) *DocumentService {
	s := &DocumentService{exec: exec, events: emitter, log: log, clock: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *DocumentService) Initialize(ctx context.Context, in model.CollectionInput) (*model.Collection, error) {
	return txn.Do(ctx, s.exec, func(ctx context.Context, c store.Conn) (*model.Collection, error) {
		return c.Initialize(ctx, in)
	})
}

func (s *DocumentService) List(ctx context.Context, collection, globalID string, opts model.ListOptions) (*model.ListResponse, error) {
	var resp model.ListResponse
	err := s.exec.Read(ctx, func(ctx context.Context, c store.Conn) error {
		docs, next, err := c.List(ctx, collection, globalID, opts)
		resp = model.ListResponse{Documents: docs, NextPageToken: next}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Load returns the current document. With opts.At the content is replaced by
// its reconstruction at that instant; other fields stay current.
func (s *DocumentService) Load(ctx context.Context, ref model.Ref, opts model.LoadOptions) (*model.Document, error) {
	var doc *model.Document
	err := s.exec.Read(ctx, func(ctx context.Context, c store.Conn) error {
		var err error
		doc, err = c.Load(ctx, ref, opts.Deleted, false)
		if err != nil || opts.At == nil {
			return err
		}
		doc.Content, err = contentAt(ctx, c, ref, *opts.At)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ContentAt replays the document's history up to and including at.
func (s *DocumentService) ContentAt(ctx context.Context, ref model.Ref, at time.Time) (model.Content, error) {
	var content model.Content
	err := s.exec.Read(ctx, func(ctx context.Context, c store.Conn) error {
		var err error
		content, err = contentAt(ctx, c, ref, at)
		return err
	})
	return content, err
}

func contentAt(ctx context.Context, c store.Conn, ref model.Ref, at time.Time) (model.Content, error) {
	content := model.Content{}
	var cursor *time.Time
	for {
		evs, next, err := c.LoadHistory(ctx, ref, model.HistoryOptions{PageToken: cursor, Ascending: true})
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			if ev.At.After(at) {
				return content, nil
			}
			content, err = patch.Apply(content, ev.Changes)
			if err != nil {
				return nil, fmt.Errorf("replay %s at %s: %w", ref.URI(), ev.At.Format(time.RFC3339Nano), err)
			}
		}
		if next == nil {
			return content, nil
		}
		cursor = next
	}
}

func (s *DocumentService) LoadHistory(ctx context.Context, ref model.Ref, opts model.HistoryOptions) (*model.HistoryResponse, error) {
	var resp model.HistoryResponse
	err := s.exec.Read(ctx, func(ctx context.Context, c store.Conn) error {
		evs, next, err := c.LoadHistory(ctx, ref, opts)
		resp = model.HistoryResponse{Events: evs, NextPageToken: next}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *DocumentService) ListRelated(ctx context.Context, ref model.Ref, opts model.ListOptions) (*model.ListResponse, error) {
	var resp model.ListResponse
	err := s.exec.Read(ctx, func(ctx context.Context, c store.Conn) error {
		docs, next, err := c.ListRelated(ctx, ref, opts)
		resp = model.ListResponse{Documents: docs, NextPageToken: next}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

type saveResult struct {
	doc         *model.Document
	event       *model.Event
	created     bool
	significant bool
}

// Save creates or updates the document at ref and appends an audit event
// when the change is significant: the content changed or the caller named
// the event. The returned document carries the event; an insignificant save
// returns an event with no changes.
func (s *DocumentService) Save(ctx context.Context, ref model.Ref, in model.DocumentInput, opts model.SaveOptions) (*model.Document, error) {
	in, err := prepareInput(ref, in)
	if err != nil {
		return nil, err
	}

	res, err := txn.Do(ctx, s.exec, func(ctx context.Context, c store.Conn) (*saveResult, error) {
		return s.save(ctx, c, ref, in, opts)
	})
	if err != nil {
		return nil, err
	}

	doc := res.doc
	doc.Event = res.event
	if !res.significant {
		s.log.Debug().
			Str("uri", ref.URI()).
			Msg("insignificant save, no event recorded")
		return doc, nil
	}
	op := events.OpUpdated
	if res.created {
		op = events.OpCreated
	}
	s.notify(ctx, op, doc)
	return doc, nil
}

func (s *DocumentService) save(ctx context.Context, c store.Conn, ref model.Ref, in model.DocumentInput, opts model.SaveOptions) (*saveResult, error) {
	res := s.exec.Backend().Resolution()
	if in.UpdatedAt != nil {
		u := in.UpdatedAt.UTC().Truncate(res)
		in.UpdatedAt = &u
	}

	existing, err := c.Load(ctx, ref, true, true)
	if err != nil {
		if !model.IsNotFound(err) {
			return nil, err
		}
		existing = nil
	}

	if existing != nil {
		if err := checkDates(existing, in); err != nil {
			return nil, err
		}
		if opts.Merge {
			in = merge(existing, in)
		}
		if in.UpdatedAt == nil {
			// a stored updatedAt may lie ahead of the clock
			now := store.Now(s.clock, res)
			if floor := existing.UpdatedAt.Add(res); now.Before(floor) {
				now = floor
			}
			in.UpdatedAt = &now
		}
	}

	var persisted *model.Document
	if existing == nil {
		persisted, err = c.Create(ctx, ref.Collection, in)
	} else {
		persisted, err = c.Update(ctx, ref, in)
	}
	if err != nil {
		return nil, err
	}

	var before model.Content
	if existing != nil {
		before = existing.Content
	}
	changes, err := patch.Diff(before, persisted.Content)
	if err != nil {
		return nil, err
	}
	name := in.EventName()
	result := &saveResult{doc: persisted, created: existing == nil}
	if len(changes) == 0 && name == nil {
		result.event = &model.Event{At: persisted.UpdatedAt, Changes: patch.Patch{}}
		return result, nil
	}

	at := persisted.UpdatedAt
	if existing != nil {
		last, _, err := c.LoadHistory(ctx, ref, model.HistoryOptions{PageSize: 1})
		if err != nil {
			return nil, err
		}
		// replay order follows at, so it must stay ahead of the previous event
		if len(last) > 0 && !at.After(last[0].At) {
			at = last[0].At.Add(res)
		}
	}
	result.event, err = c.AppendEvent(ctx, ref, model.Event{At: at, Changes: changes, Name: name})
	if err != nil {
		return nil, err
	}
	result.significant = true
	return result, nil
}

// Delete soft-deletes the document and always notifies.
func (s *DocumentService) Delete(ctx context.Context, ref model.Ref, opts model.DeleteOptions) (*model.Document, error) {
	doc, err := txn.Do(ctx, s.exec, func(ctx context.Context, c store.Conn) (*model.Document, error) {
		return c.Delete(ctx, ref, opts)
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.OpDeleted, doc)
	return doc, nil
}

func (s *DocumentService) notify(ctx context.Context, op events.Op, doc *model.Document) {
	if s.events == nil {
		return
	}
	// sinks outlive the request that triggered them
	s.events.Emit(context.WithoutCancel(ctx), events.CategoryDocument, events.DocumentEvent{
		Op:       op,
		Document: *doc.Clone(),
	})
}

func prepareInput(ref model.Ref, in model.DocumentInput) (model.DocumentInput, error) {
	if err := store.ValidateCollection(ref.Collection); err != nil {
		return in, err
	}
	if ref.System == "" || ref.ID == "" {
		return in, model.NewValidationError("ref", "system and id are required")
	}
	if in.System == "" {
		in.System = ref.System
	}
	if in.ID == "" {
		in.ID = ref.ID
	}
	if in.System != ref.System || in.ID != ref.ID {
		return in, model.NewValidationError("id", fmt.Sprintf("input %s/%s does not match %s", in.System, in.ID, ref.URI()))
	}
	content, err := patch.Normalize(in.Content)
	if err != nil {
		return in, model.NewValidationError("content", err.Error())
	}
	in.Content = content
	return in, nil
}

func checkDates(existing *model.Document, in model.DocumentInput) error {
	if in.CreatedAt != nil {
		return model.NewValidationError("createdAt", "cannot change createdAt on an existing document")
	}
	if in.UpdatedAt != nil && !in.UpdatedAt.After(existing.UpdatedAt) {
		return model.NewValidationError("updatedAt", fmt.Sprintf("document was already updated at %s", existing.UpdatedAt.Format(time.RFC3339Nano)))
	}
	return nil
}

// merge overlays in onto existing. Content is merged key by key at the top
// level; a null in the input overwrites with null.
func merge(existing *model.Document, in model.DocumentInput) model.DocumentInput {
	out := in
	if out.GlobalID == nil {
		out.GlobalID = existing.GlobalID
	}
	if out.Name == nil {
		out.Name = existing.Name
	}
	if out.Date == nil {
		out.Date = existing.Date
	}
	if existing.Content != nil || in.Content != nil {
		content := model.CloneContent(existing.Content)
		if content == nil {
			content = model.Content{}
		}
		for k, v := range in.Content {
			content[k] = v
		}
		out.Content = content
	}
	return out
}
