package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/triteia/triteia/internal/api/respond"
	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/services"
)

// DocumentHandler translates HTTP requests into DocumentService calls.
type DocumentHandler struct {
	svc            *services.DocumentService
	includeDeleted bool
}

// Option configures a DocumentHandler.
type Option func(*DocumentHandler)

// WithIncludeDeleted sets the default of the deleted query parameter on
// list, load and related requests.
func WithIncludeDeleted(include bool) Option {
	return func(h *DocumentHandler) { h.includeDeleted = include }
}

func NewDocumentHandler(svc *services.DocumentService, opts ...Option) *DocumentHandler {
	h := &DocumentHandler{svc: svc}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *DocumentHandler) query(r *http.Request) query {
	return query{r: r, includeDeleted: h.includeDeleted}
}

// Initialize POST /collections
func (h *DocumentHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var in model.CollectionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	c, err := h.svc.Initialize(r.Context(), in)
	if err != nil {
		respond.WriteServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, c)
}

// List GET /{collection}?globalId= and GET /{collection}/{system}?globalId=
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := h.query(r)
	globalID := r.URL.Query().Get("globalId")
	if globalID == "" {
		respond.WriteBadRequest(w, "globalId is required")
		return
	}
	opts := q.listOptions()
	if s := vars["system"]; s != "" {
		opts.System = s
	}
	if q.err != nil {
		respond.WriteBadRequest(w, q.err.Error())
		return
	}
	resp, err := h.svc.List(r.Context(), vars["collection"], globalID, opts)
	if err != nil {
		respond.WriteServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, resp)
}

// Load GET /{collection}/{system}/{id}
func (h *DocumentHandler) Load(w http.ResponseWriter, r *http.Request) {
	if doc, ok := h.load(w, r); ok {
		respond.WriteJSON(w, http.StatusOK, doc)
	}
}

// LoadContent GET /{collection}/{system}/{id}/content
func (h *DocumentHandler) LoadContent(w http.ResponseWriter, r *http.Request) {
	if doc, ok := h.load(w, r); ok {
		content := doc.Content
		if content == nil {
			content = model.Content{}
		}
		respond.WriteJSON(w, http.StatusOK, content)
	}
}

func (h *DocumentHandler) load(w http.ResponseWriter, r *http.Request) (*model.Document, bool) {
	q := h.query(r)
	opts := model.LoadOptions{Deleted: q.boolOr("deleted", q.includeDeleted), At: q.timeParam("at")}
	if q.err != nil {
		respond.WriteBadRequest(w, q.err.Error())
		return nil, false
	}
	doc, err := h.svc.Load(r.Context(), refOf(r), opts)
	if err != nil {
		respond.WriteServiceError(w, err)
		return nil, false
	}
	return doc, true
}

// Save PUT /{collection}/{system}/{id} and POST /{collection}/{system}
// (id taken from the body).
func (h *DocumentHandler) Save(w http.ResponseWriter, r *http.Request) {
	var in model.DocumentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	ref := refOf(r)
	if ref.ID == "" {
		ref.ID = in.ID
	}
	doc, ok := h.save(w, r, ref, in)
	if ok {
		respond.WriteJSON(w, http.StatusOK, doc)
	}
}

// SaveContent PUT /{collection}/{system}/{id}/content responds with the
// changes the save produced.
func (h *DocumentHandler) SaveContent(w http.ResponseWriter, r *http.Request) {
	var content model.Content
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	if content == nil {
		content = model.Content{}
	}
	ref := refOf(r)
	doc, ok := h.save(w, r, ref, model.DocumentInput{ID: ref.ID, Content: content})
	if ok {
		respond.WriteJSON(w, http.StatusOK, doc.Event.Changes)
	}
}

func (h *DocumentHandler) save(w http.ResponseWriter, r *http.Request, ref model.Ref, in model.DocumentInput) (*model.Document, bool) {
	q := h.query(r)
	opts := model.SaveOptions{Merge: q.boolParam("merge")}
	if q.err != nil {
		respond.WriteBadRequest(w, q.err.Error())
		return nil, false
	}
	doc, err := h.svc.Save(r.Context(), ref, in, opts)
	if err != nil {
		respond.WriteServiceError(w, err)
		return nil, false
	}
	return doc, true
}

// Delete DELETE /{collection}/{system}/{id}
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	q := h.query(r)
	opts := model.DeleteOptions{DeletedAt: q.timeParam("deletedAt")}
	if q.err != nil {
		respond.WriteBadRequest(w, q.err.Error())
		return
	}
	doc, err := h.svc.Delete(r.Context(), refOf(r), opts)
	if err != nil {
		respond.WriteServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, doc)
}

// History GET /{collection}/{system}/{id}/history
func (h *DocumentHandler) History(w http.ResponseWriter, r *http.Request) {
	q := h.query(r)
	opts := model.HistoryOptions{
		PageSize:  q.intParam("pageSize"),
		PageToken: q.timeParam("pageToken"),
		Ascending: q.boolParam("asc"),
	}
	if q.err != nil {
		respond.WriteBadRequest(w, q.err.Error())
		return
	}
	resp, err := h.svc.LoadHistory(r.Context(), refOf(r), opts)
	if err != nil {
		respond.WriteServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, resp)
}

// Related GET /{collection}/{system}/{id}/related[/{relatedSystem}]
func (h *DocumentHandler) Related(w http.ResponseWriter, r *http.Request) {
	q := h.query(r)
	opts := q.listOptions()
	if s := mux.Vars(r)["relatedSystem"]; s != "" {
		opts.System = s
	}
	if q.err != nil {
		respond.WriteBadRequest(w, q.err.Error())
		return
	}
	resp, err := h.svc.ListRelated(r.Context(), refOf(r), opts)
	if err != nil {
		respond.WriteServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, resp)
}

func refOf(r *http.Request) model.Ref {
	vars := mux.Vars(r)
	return model.Ref{Collection: vars["collection"], System: vars["system"], ID: vars["id"]}
}

// query parses query parameters, keeping the first error.
type query struct {
	r              *http.Request
	includeDeleted bool
	err            error
}

func (q *query) fail(name string, err error) {
	if q.err == nil {
		q.err = model.NewValidationError(name, err.Error())
	}
}

func (q *query) boolParam(name string) bool { return q.boolOr(name, false) }

func (q *query) boolOr(name string, def bool) bool {
	v := q.r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		q.fail(name, err)
	}
	return b
}

func (q *query) intParam(name string) int {
	v := q.r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < 0 {
		err = strconv.ErrRange
	}
	if err != nil {
		q.fail(name, err)
	}
	return n
}

func (q *query) timeParam(name string) *time.Time {
	v := q.r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		q.fail(name, err)
		return nil
	}
	return &t
}

func (q *query) listOptions() model.ListOptions {
	return model.ListOptions{
		System:      q.r.URL.Query().Get("system"),
		WithContent: q.boolParam("withContent"),
		Deleted:     q.boolOr("deleted", q.includeDeleted),
		PageSize:    q.intParam("pageSize"),
		PageToken:   q.intParam("pageToken"),
	}
}
