// Package api exposes the engine over HTTP: profiling, ad-hoc
// analysis, incremental partition runs and anomaly checks, all backed
// by one sqlite database.
package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/veridata/dqe/pkg/anomaly"
	"github.com/veridata/dqe/pkg/incremental"
	"github.com/veridata/dqe/pkg/repository"
	"github.com/veridata/dqe/pkg/store"
)

type JSON map[string]any

// Handler carries the collaborators the endpoints work against.
type Handler struct {
	db       *sql.DB
	store    store.StateStore
	repo     repository.Repository
	registry *anomaly.Registry
	logger   *zap.Logger

	mu      sync.Mutex
	runners map[string]*runnerEntry
}

// runnerEntry pins the analyzer set a series was first configured with,
// so later requests cannot silently change what the series measures.
type runnerEntry struct {
	runner *incremental.Runner
	keys   string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger. Default is a nop logger.
func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler wires the API over an open database, a state store, a
// metrics repository and an anomaly registry.
func NewHandler(db *sql.DB, st store.StateStore, repo repository.Repository, registry *anomaly.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		db:       db,
		store:    st,
		repo:     repo,
		registry: registry,
		logger:   zap.NewNop(),
		runners:  make(map[string]*runnerEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func RegisterRoutes(r *mux.Router, h *Handler) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/tables", h.ListTables).Methods(http.MethodGet)
	v1.HandleFunc("/profile", h.PostProfile).Methods(http.MethodPost)
	v1.HandleFunc("/analyze", h.PostAnalyze).Methods(http.MethodPost)

	// Incremental series
	v1.HandleFunc("/partitions", h.ListPartitions).Methods(http.MethodGet)
	v1.HandleFunc("/partitions/{key}/analyze", h.PostPartitionAnalyze).Methods(http.MethodPost)
	v1.HandleFunc("/metrics", h.GetMetrics).Methods(http.MethodGet)

	// History & anomalies
	v1.HandleFunc("/metrics/{name}/history", h.GetMetricHistory).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies/check", h.PostAnomalyCheck).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
