// Package sqlstore implements store.Conn on database/sql. Backends supply a
// Dialect for the parts that differ between SQL engines.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/patch"
	"github.com/triteia/triteia/internal/store"
)

// Dialect captures engine specific SQL.
type Dialect interface {
	// Placeholder returns the marker for the n-th (1-based) argument.
	Placeholder(n int) string
	Quote(ident string) string
	// ForUpdate is appended to row loads that request a write lock.
	ForUpdate() string
	// Schema returns the statements that provision a collection.
	Schema(collection string) []string
	// TimeArg converts a timestamp into a driver argument.
	TimeArg(t time.Time) any
	// MapError turns engine errors into model errors where possible
	// (a missing table becomes model.NotFoundError).
	MapError(collection string, err error) error
	// Resolution is the timestamp precision of the engine's columns.
	Resolution() time.Duration
}

// Queryer is satisfied by *sql.Conn and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithConnection runs fn on a dedicated pooled connection.
func WithConnection(ctx context.Context, db *sql.DB, fn func(Queryer) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()
	return fn(conn)
}

// WithTransaction runs fn inside a transaction, committing on success.
func WithTransaction(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(Queryer) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Conn implements store.Conn.
type Conn struct {
	q     Queryer
	d     Dialect
	clock func() time.Time
}

// NewConn binds a dialect to a connection or transaction.
func NewConn(q Queryer, d Dialect, clock func() time.Time) *Conn {
	return &Conn{q: q, d: d, clock: clock}
}

var _ store.Conn = (*Conn)(nil)

var docColumns = []string{"system", "id", "globalId", "name", "date", "content", "createdAt", "updatedAt", "deletedAt"}

func (c *Conn) now() time.Time { return store.Now(c.clock, c.d.Resolution()) }

func (c *Conn) table(collection string) (string, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return "", err
	}
	return c.d.Quote(collection), nil
}

func (c *Conn) columns(alias string, withContent bool) string {
	cols := make([]string, len(docColumns))
	for i, name := range docColumns {
		col := c.d.Quote(name)
		if alias != "" {
			col = alias + "." + col
		}
		if name == "content" && !withContent {
			col = "NULL"
		}
		cols[i] = col
	}
	return strings.Join(cols, ", ")
}

// args collects positional arguments and hands out placeholders.
type args struct {
	d    Dialect
	vals []any
}

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.Placeholder(len(a.vals))
}

func (c *Conn) Initialize(ctx context.Context, in model.CollectionInput) (*model.Collection, error) {
	if err := store.ValidateCollection(in.ID); err != nil {
		return nil, err
	}
	for _, stmt := range c.d.Schema(in.ID) {
		if _, err := c.q.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", in.ID, err)
		}
	}
	return &model.Collection{ID: in.ID}, nil
}

func (c *Conn) List(ctx context.Context, collection, globalID string, opts model.ListOptions) ([]model.Document, *int, error) {
	tbl, err := c.table(collection)
	if err != nil {
		return nil, nil, err
	}
	a := &args{d: c.d}
	conds := []string{c.d.Quote("globalId") + " = " + a.add(globalID)}
	if opts.System != "" {
		conds = append(conds, c.d.Quote("system")+" = "+a.add(opts.System))
	}
	if !opts.Deleted {
		conds = append(conds, c.d.Quote("deletedAt")+" IS NULL")
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %d OFFSET %d`,
		c.columns("", opts.WithContent), tbl, strings.Join(conds, " AND "),
		c.order(""), opts.Size(), offset(opts))
	docs, err := c.queryDocs(ctx, collection, q, a.vals...)
	if err != nil {
		return nil, nil, err
	}
	return docs, model.NextOffset(len(docs), opts), nil
}

func (c *Conn) Load(ctx context.Context, ref model.Ref, deleted, forUpdate bool) (*model.Document, error) {
	tbl, err := c.table(ref.Collection)
	if err != nil {
		return nil, err
	}
	a := &args{d: c.d}
	conds := []string{
		c.d.Quote("system") + " = " + a.add(ref.System),
		c.d.Quote("id") + " = " + a.add(ref.ID),
	}
	if !deleted {
		conds = append(conds, c.d.Quote("deletedAt")+" IS NULL")
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s LIMIT 1`, c.columns("", true), tbl, strings.Join(conds, " AND "))
	if forUpdate {
		q += c.d.ForUpdate()
	}
	docs, err := c.queryDocs(ctx, ref.Collection, q, a.vals...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, model.NewNotFoundError(ref)
	}
	return &docs[0], nil
}

func (c *Conn) LoadHistory(ctx context.Context, ref model.Ref, opts model.HistoryOptions) ([]model.Event, *time.Time, error) {
	if err := store.ValidateCollection(ref.Collection); err != nil {
		return nil, nil, err
	}
	a := &args{d: c.d}
	conds := []string{
		c.d.Quote("system") + " = " + a.add(ref.System),
		c.d.Quote("id") + " = " + a.add(ref.ID),
	}
	dir, cmp := "DESC", "<"
	if opts.Ascending {
		dir, cmp = "ASC", ">"
	}
	if opts.PageToken != nil {
		conds = append(conds, c.d.Quote("at")+" "+cmp+" "+a.add(c.d.TimeArg(*opts.PageToken)))
	}
	size := opts.Size()
	q := fmt.Sprintf(`SELECT %s, %s, %s FROM %s WHERE %s ORDER BY %s %s LIMIT %d`,
		c.d.Quote("at"), c.d.Quote("name"), c.d.Quote("changes"),
		c.d.Quote(store.EventTable(ref.Collection)), strings.Join(conds, " AND "),
		c.d.Quote("at"), dir, size)

	rows, err := c.q.QueryContext(ctx, q, a.vals...)
	if err != nil {
		return nil, nil, c.d.MapError(ref.Collection, fmt.Errorf("load history %s: %w", ref.URI(), err))
	}
	defer func() { _ = rows.Close() }()

	events := []model.Event{}
	for rows.Next() {
		var at timeValue
		var name *string
		var changes []byte
		if err := rows.Scan(&at, &name, &changes); err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		p, err := patch.Parse(changes)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, model.Event{At: at.t, Name: name, Changes: p})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, c.d.MapError(ref.Collection, err)
	}
	if len(events) < size {
		return events, nil, nil
	}
	next := events[len(events)-1].At
	return events, &next, nil
}

func (c *Conn) ListRelated(ctx context.Context, ref model.Ref, opts model.ListOptions) ([]model.Document, *int, error) {
	tbl, err := c.table(ref.Collection)
	if err != nil {
		return nil, nil, err
	}
	a := &args{d: c.d}
	sys, gid := c.d.Quote("system"), c.d.Quote("globalId")
	conds := []string{
		"d." + sys + " = " + a.add(ref.System),
		"d." + c.d.Quote("id") + " = " + a.add(ref.ID),
	}
	if opts.System != "" {
		conds = append(conds, "r."+sys+" = "+a.add(opts.System))
	}
	if !opts.Deleted {
		conds = append(conds, "r."+c.d.Quote("deletedAt")+" IS NULL")
	}
	q := fmt.Sprintf(`SELECT %s FROM %s d INNER JOIN %s r ON r.%s = d.%s AND r.%s <> d.%s WHERE %s ORDER BY %s LIMIT %d OFFSET %d`,
		c.columns("r", opts.WithContent), tbl, tbl, gid, gid, sys, sys,
		strings.Join(conds, " AND "), c.order("r"), opts.Size(), offset(opts))
	docs, err := c.queryDocs(ctx, ref.Collection, q, a.vals...)
	if err != nil {
		return nil, nil, err
	}
	return docs, model.NextOffset(len(docs), opts), nil
}

func (c *Conn) Create(ctx context.Context, collection string, in model.DocumentInput) (*model.Document, error) {
	tbl, err := c.table(collection)
	if err != nil {
		return nil, err
	}
	if in.System == "" || in.ID == "" {
		return nil, model.NewValidationError("id", "system and id are required")
	}
	content, err := encodeContent(in.Content)
	if err != nil {
		return nil, err
	}
	now := c.now()
	createdAt, updatedAt := now, now
	if in.CreatedAt != nil {
		createdAt = *in.CreatedAt
	}
	if in.UpdatedAt != nil {
		updatedAt = *in.UpdatedAt
	}
	a := &args{d: c.d}
	values := []string{
		a.add(in.System), a.add(in.ID), a.add(in.GlobalID), a.add(in.Name),
		a.add(c.optTime(in.Date)), a.add(content),
		a.add(c.d.TimeArg(createdAt)), a.add(c.d.TimeArg(updatedAt)), a.add(c.optTime(in.DeletedAt)),
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		tbl, c.columns("", true), strings.Join(values, ", "), c.columns("", true))
	docs, err := c.queryDocs(ctx, collection, q, a.vals...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("create /%s/%s/%s: no row returned", collection, in.System, in.ID)
	}
	return &docs[0], nil
}

func (c *Conn) Update(ctx context.Context, ref model.Ref, in model.DocumentInput) (*model.Document, error) {
	tbl, err := c.table(ref.Collection)
	if err != nil {
		return nil, err
	}
	a := &args{d: c.d}
	var sets []string
	set := func(col string, v any) {
		sets = append(sets, c.d.Quote(col)+" = "+a.add(v))
	}
	if in.GlobalID != nil {
		set("globalId", *in.GlobalID)
	}
	if in.Name != nil {
		set("name", *in.Name)
	}
	if in.Date != nil {
		set("date", c.d.TimeArg(*in.Date))
	}
	if in.Content != nil {
		content, err := encodeContent(in.Content)
		if err != nil {
			return nil, err
		}
		set("content", content)
	}
	if in.CreatedAt != nil {
		set("createdAt", c.d.TimeArg(*in.CreatedAt))
	}
	if in.DeletedAt != nil {
		set("deletedAt", c.d.TimeArg(*in.DeletedAt))
	}
	updatedAt := c.now()
	if in.UpdatedAt != nil {
		updatedAt = *in.UpdatedAt
	}
	set("updatedAt", c.d.TimeArg(updatedAt))

	q := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = %s AND %s = %s RETURNING %s`,
		tbl, strings.Join(sets, ", "),
		c.d.Quote("system"), a.add(ref.System), c.d.Quote("id"), a.add(ref.ID),
		c.columns("", true))
	docs, err := c.queryDocs(ctx, ref.Collection, q, a.vals...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, model.NewNotFoundError(ref)
	}
	return &docs[0], nil
}

func (c *Conn) AppendEvent(ctx context.Context, ref model.Ref, ev model.Event) (*model.Event, error) {
	if err := store.ValidateCollection(ref.Collection); err != nil {
		return nil, err
	}
	changes := ev.Changes
	if changes == nil {
		changes = patch.Patch{}
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	at := ev.At.UTC().Truncate(c.d.Resolution())
	a := &args{d: c.d}
	q := fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (%s, %s, %s, %s, %s)`,
		c.d.Quote(store.EventTable(ref.Collection)),
		c.d.Quote("system"), c.d.Quote("id"), c.d.Quote("at"), c.d.Quote("name"), c.d.Quote("changes"),
		a.add(ref.System), a.add(ref.ID), a.add(c.d.TimeArg(at)), a.add(ev.Name), a.add(string(raw)))
	if _, err := c.q.ExecContext(ctx, q, a.vals...); err != nil {
		return nil, c.d.MapError(ref.Collection, fmt.Errorf("append event %s: %w", ref.URI(), err))
	}
	return &model.Event{At: at, Changes: changes, Name: ev.Name}, nil
}

func (c *Conn) Delete(ctx context.Context, ref model.Ref, opts model.DeleteOptions) (*model.Document, error) {
	tbl, err := c.table(ref.Collection)
	if err != nil {
		return nil, err
	}
	at := c.now()
	if opts.DeletedAt != nil {
		at = *opts.DeletedAt
	}
	a := &args{d: c.d}
	q := fmt.Sprintf(`UPDATE %s SET %s = %s WHERE %s = %s AND %s = %s AND %s IS NULL RETURNING %s`,
		tbl, c.d.Quote("deletedAt"), a.add(c.d.TimeArg(at)),
		c.d.Quote("system"), a.add(ref.System), c.d.Quote("id"), a.add(ref.ID),
		c.d.Quote("deletedAt"), c.columns("", true))
	docs, err := c.queryDocs(ctx, ref.Collection, q, a.vals...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, model.NewNotFoundError(ref)
	}
	return &docs[0], nil
}

func (c *Conn) order(alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	return prefix + c.d.Quote("createdAt") + " ASC, " + prefix + c.d.Quote("system") + " ASC, " + prefix + c.d.Quote("id") + " ASC"
}

func (c *Conn) optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return c.d.TimeArg(*t)
}

func (c *Conn) queryDocs(ctx context.Context, collection, q string, vals ...any) ([]model.Document, error) {
	rows, err := c.q.QueryContext(ctx, q, vals...)
	if err != nil {
		return nil, c.d.MapError(collection, err)
	}
	defer func() { _ = rows.Close() }()

	docs := []model.Document{}
	for rows.Next() {
		var (
			d                    model.Document
			content              []byte
			date, deletedAt      nullTime
			createdAt, updatedAt timeValue
		)
		if err := rows.Scan(&d.System, &d.ID, &d.GlobalID, &d.Name, &date, &content, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Collection = collection
		d.Date = date.ptr()
		d.CreatedAt = createdAt.t
		d.UpdatedAt = updatedAt.t
		d.DeletedAt = deletedAt.ptr()
		if len(content) > 0 {
			if err := json.Unmarshal(content, &d.Content); err != nil {
				return nil, fmt.Errorf("decode content of /%s/%s/%s: %w", collection, d.System, d.ID, err)
			}
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, c.d.MapError(collection, err)
	}
	return docs, nil
}

func offset(opts model.ListOptions) int {
	if opts.PageToken < 0 {
		return 0
	}
	return opts.PageToken
}

func encodeContent(c model.Content) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, model.NewValidationError("content", err.Error())
	}
	return string(b), nil
}

// TimeLayout is the fixed-width text form used by engines without a native
// timestamp type. Lexical order matches chronological order.
const TimeLayout = "2006-01-02 15:04:05.000000"

// timeValue scans native timestamps as well as TimeLayout text.
type timeValue struct{ t time.Time }

func (v *timeValue) Scan(src any) error {
	switch s := src.(type) {
	case time.Time:
		v.t = s.UTC()
	case string:
		return v.parse(s)
	case []byte:
		return v.parse(string(s))
	case nil:
		return errors.New("unexpected NULL timestamp")
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (v *timeValue) parse(s string) error {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			v.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

type nullTime struct {
	timeValue
	valid bool
}

func (n *nullTime) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.timeValue.Scan(src)
}

func (n nullTime) ptr() *time.Time {
	if !n.valid {
		return nil
	}
	t := n.t
	return &t
}
