// Package server exposes a node over HTTP: the websocket sync endpoint plus
// a small read-only API for inspecting CoValues.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/storage"
)

var logger = logging.MustGetLogger("covalue.server")

// Options tunes a Server. Zero fields take defaults.
type Options struct {
	// SyncRate messages per SyncWindow are read from each peer.
	SyncRate   int
	SyncWindow time.Duration
	// ConnectRate bounds new sync connections per IP per minute.
	ConnectRate int
	// LoadTimeout bounds how long an API request waits for a value.
	LoadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SyncRate <= 0 {
		o.SyncRate = 500
	}
	if o.SyncWindow <= 0 {
		o.SyncWindow = time.Second
	}
	if o.ConnectRate <= 0 {
		o.ConnectRate = 60
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 5 * time.Second
	}
	return o
}

// Server is the HTTP front of a sync node.
type Server struct {
	node  *cojson.Node
	store *storage.Store // optional
	opts  Options
	mux   *http.ServeMux

	connects *rateLimiter
}

// New creates a new Server with all routes registered. store may be nil.
func New(node *cojson.Node, store *storage.Store, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		node:     node,
		store:    store,
		opts:     opts,
		mux:      http.NewServeMux(),
		connects: newRateLimiter(opts.ConnectRate, time.Minute),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sync
	s.mux.HandleFunc("GET /sync", s.handleSync)

	// CoValues
	s.mux.HandleFunc("GET /api/covalues", s.handleListCoValues)
	s.mux.HandleFunc("GET /api/covalues/{id}", s.handleGetCoValue)
	s.mux.HandleFunc("GET /api/covalues/{id}/known", s.handleKnownState)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "covalue",
		"peers":   len(s.node.Peers()),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
