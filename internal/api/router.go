// Package api is the HTTP boundary: routing, parameter parsing and error
// mapping around the document service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/api/recovery"
	"github.com/triteia/triteia/internal/health"
	"github.com/triteia/triteia/internal/services"
)

// NewRouter wires HTTP routes to handlers.
func NewRouter(svc *services.DocumentService, status func() health.Status, log zerolog.Logger, opts ...Option) *mux.Router {
	root := mux.NewRouter()
	root.Use(recovery.Middleware(log))

	root.HandleFunc("/health", NewHealthHandler(status).CheckHealth).Methods(http.MethodGet)
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	docs := NewDocumentHandler(svc, opts...)
	root.HandleFunc("/collections", docs.Initialize).Methods(http.MethodPost)
	root.HandleFunc("/{collection}", docs.List).Methods(http.MethodGet)
	root.HandleFunc("/{collection}/{system}", docs.List).Methods(http.MethodGet)
	root.HandleFunc("/{collection}/{system}", docs.Save).Methods(http.MethodPost)
	root.HandleFunc("/{collection}/{system}/{id}", docs.Load).Methods(http.MethodGet)
	root.HandleFunc("/{collection}/{system}/{id}", docs.Save).Methods(http.MethodPut)
	root.HandleFunc("/{collection}/{system}/{id}", docs.Delete).Methods(http.MethodDelete)
	root.HandleFunc("/{collection}/{system}/{id}/content", docs.LoadContent).Methods(http.MethodGet)
	root.HandleFunc("/{collection}/{system}/{id}/content", docs.SaveContent).Methods(http.MethodPut)
	root.HandleFunc("/{collection}/{system}/{id}/history", docs.History).Methods(http.MethodGet)
	root.HandleFunc("/{collection}/{system}/{id}/related", docs.Related).Methods(http.MethodGet)
	root.HandleFunc("/{collection}/{system}/{id}/related/{relatedSystem}", docs.Related).Methods(http.MethodGet)
	return root
}
