// Package store defines the storage contract every document backend
// implements. Implementations live under internal/store/<driver>/.
package store

import (
	"context"
	"regexp"
	"time"

	"github.com/triteia/triteia/internal/model"
)

// Conn is a connection-scoped handle. Within Backend.WithTransaction all
// calls on a Conn share one transaction.
type Conn interface {
	// Initialize provisions the document and event tables of a collection.
	// It is idempotent.
	Initialize(ctx context.Context, in model.CollectionInput) (*model.Collection, error)

	// List returns documents sharing globalID ordered by createdAt. The offset
	// token is non-nil iff a full page was returned.
	List(ctx context.Context, collection, globalID string, opts model.ListOptions) ([]model.Document, *int, error)

	// Load returns model.NotFoundError when no row matches. forUpdate locks the
	// row for the rest of the enclosing transaction.
	Load(ctx context.Context, ref model.Ref, deleted, forUpdate bool) (*model.Document, error)

	// LoadHistory pages through events by at, descending unless
	// opts.Ascending. The cursor is the at of the last event on a full page.
	LoadHistory(ctx context.Context, ref model.Ref, opts model.HistoryOptions) ([]model.Event, *time.Time, error)

	// ListRelated returns documents from other systems sharing ref's globalId.
	ListRelated(ctx context.Context, ref model.Ref, opts model.ListOptions) ([]model.Document, *int, error)

	Create(ctx context.Context, collection string, in model.DocumentInput) (*model.Document, error)

	// Update writes only the fields set on in. UpdatedAt defaults to now.
	Update(ctx context.Context, ref model.Ref, in model.DocumentInput) (*model.Document, error)

	// AppendEvent inserts an audit row. A duplicate (system, id, at) is
	// reported so that Backend.Classify returns model.Retryable.
	AppendEvent(ctx context.Context, ref model.Ref, ev model.Event) (*model.Event, error)

	// Delete marks a non-deleted row as deleted.
	Delete(ctx context.Context, ref model.Ref, opts model.DeleteOptions) (*model.Document, error)
}

// Backend opens connections and transactions and classifies failures. The
// retry algorithm itself lives in internal/txn.
type Backend interface {
	Name() string
	WithConnection(ctx context.Context, fn func(Conn) error) error
	WithTransaction(ctx context.Context, fn func(Conn) error) error
	Classify(err error) model.ErrorClass
	RetryDelay() time.Duration
	// Resolution is the precision at which timestamps are stored.
	Resolution() time.Duration
	HealthPing(ctx context.Context) error
	Close() error
}

var collectionID = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// ValidateCollection guards identifiers that are interpolated into DDL and
// queries.
func ValidateCollection(id string) error {
	if !collectionID.MatchString(id) {
		return model.NewValidationError("collection", "must match "+collectionID.String())
	}
	return nil
}

// EventTable names the audit table of a collection.
func EventTable(collection string) string { return collection + "Events" }

// Now returns the current UTC time truncated to the given resolution.
func Now(clock func() time.Time, resolution time.Duration) time.Time {
	if clock == nil {
		clock = time.Now
	}
	return clock().UTC().Truncate(resolution)
}
