package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/triteia/triteia/internal/patch"
)

// Content is the JSON-like body of a document.
type Content = map[string]any

// Collection is a named partition of documents.
type Collection struct {
	ID string `json:"id"`
}

// CollectionInput provisions a collection.
type CollectionInput struct {
	ID string `json:"id"`
}

// Ref addresses a document without carrying its content.
type Ref struct {
	Collection string `json:"collection"`
	System     string `json:"system"`
	ID         string `json:"id"`
}

// URI renders the ref as /<collection>/<system>/<id>.
func (r Ref) URI() string {
	return "/" + r.Collection + "/" + r.System + "/" + r.ID
}

// ParseURI is the inverse of Ref.URI.
func ParseURI(uri string) (Ref, error) {
	parts := strings.Split(strings.TrimPrefix(uri, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Ref{}, NewValidationError("uri", fmt.Sprintf("expected /<collection>/<system>/<id>, got %q", uri))
	}
	return Ref{Collection: parts[0], System: parts[1], ID: parts[2]}, nil
}

// Document is the current state of one record.
type Document struct {
	Collection string     `json:"collection"`
	System     string     `json:"system"`
	ID         string     `json:"id"`
	GlobalID   *string    `json:"globalId,omitempty"`
	Name       *string    `json:"name,omitempty"`
	Date       *time.Time `json:"date,omitempty"`
	Content    Content    `json:"content,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`

	// Event is set on documents returned from a save.
	Event *Event `json:"event,omitempty"`
}

// Ref returns the document's address.
func (d *Document) Ref() Ref {
	return Ref{Collection: d.Collection, System: d.System, ID: d.ID}
}

// URI returns the document's address as a path.
func (d *Document) URI() string { return d.Ref().URI() }

// Clone returns a deep copy so callers cannot alias stored state.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.GlobalID = cloneString(d.GlobalID)
	out.Name = cloneString(d.Name)
	out.Date = cloneTime(d.Date)
	out.DeletedAt = cloneTime(d.DeletedAt)
	out.Content = CloneContent(d.Content)
	if d.Event != nil {
		ev := d.Event.Clone()
		out.Event = &ev
	}
	return &out
}

// DocumentInput carries the fields a caller wants to write. Nil fields are
// left untouched on update.
type DocumentInput struct {
	System    string      `json:"system"`
	ID        string      `json:"id"`
	GlobalID  *string     `json:"globalId,omitempty"`
	Name      *string     `json:"name,omitempty"`
	Date      *time.Time  `json:"date,omitempty"`
	Content   Content     `json:"content,omitempty"`
	CreatedAt *time.Time  `json:"createdAt,omitempty"`
	UpdatedAt *time.Time  `json:"updatedAt,omitempty"`
	DeletedAt *time.Time  `json:"deletedAt,omitempty"`
	Event     *EventInput `json:"event,omitempty"`
}

// EventName returns the caller supplied label, if any.
func (in DocumentInput) EventName() *string {
	if in.Event == nil || in.Event.Name == nil || *in.Event.Name == "" {
		return nil
	}
	return in.Event.Name
}

// EventInput labels the change produced by a save.
type EventInput struct {
	Name *string `json:"name,omitempty"`
}

// Event is one immutable audit entry.
type Event struct {
	At      time.Time   `json:"at"`
	Changes patch.Patch `json:"changes"`
	Name    *string     `json:"name,omitempty"`
}

// Clone deep-copies the event, operation values included.
func (e Event) Clone() Event {
	out := e
	out.Name = cloneString(e.Name)
	out.Changes = make(patch.Patch, len(e.Changes))
	for i, op := range e.Changes {
		op.Value = cloneValue(op.Value)
		out.Changes[i] = op
	}
	return out
}

// ListOptions controls list and listRelated.
type ListOptions struct {
	System      string
	WithContent bool
	Deleted     bool
	PageSize    int // 0 means DefaultPageSize
	PageToken   int // row offset
}

// LoadOptions controls load.
type LoadOptions struct {
	Deleted bool
	At      *time.Time
}

// SaveOptions controls save.
type SaveOptions struct {
	Merge bool
}

// DeleteOptions controls delete.
type DeleteOptions struct {
	DeletedAt *time.Time
}

// HistoryOptions controls loadHistory.
type HistoryOptions struct {
	PageSize  int
	PageToken *time.Time
	Ascending bool
}

// DefaultPageSize applies when an option leaves PageSize unset.
const DefaultPageSize = 100

// Size returns the effective page size.
func (o ListOptions) Size() int { return pageSize(o.PageSize) }

// Size returns the effective page size.
func (o HistoryOptions) Size() int { return pageSize(o.PageSize) }

func pageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}

// ListResponse is a page of documents.
type ListResponse struct {
	Documents     []Document `json:"documents"`
	NextPageToken *int       `json:"nextPageToken,omitempty"`
}

// HistoryResponse is a page of events.
type HistoryResponse struct {
	Events        []Event    `json:"events"`
	NextPageToken *time.Time `json:"nextPageToken,omitempty"`
}

// NextOffset returns the offset token for the page after one that returned
// n rows, or nil when the page was not full.
func NextOffset(n int, o ListOptions) *int {
	size := o.Size()
	if n < size {
		return nil
	}
	next := o.PageToken + size
	return &next
}

// CloneContent deep-copies JSON-like content.
func CloneContent(c Content) Content {
	if c == nil {
		return nil
	}
	out := make(Content, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneContent(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
