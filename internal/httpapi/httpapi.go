// Package httpapi exposes the one HTTP surface that is genuinely part
// of the execution core rather than the out-of-scope REST/CRUD layer:
// the log-stream endpoint (C12). spec.md §1 puts "the REST/server-action
// CRUD layer" out of scope, but C12 is named as a core component in its
// own right (§2's component table), so this package wires
// internal/logstream.Serve to net/http the way cuemby-warren's
// pkg/api.HealthServer wires its own handlers: a bare *http.ServeMux,
// no router dependency, built at the cmd/ entrypoint.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agendo/execcore/internal/logstream"
)

// Server hosts the log-stream endpoint for both executions and
// sessions. It is deliberately thin: record mutation (create, cancel,
// message) stays behind internal/store's typed methods, consumed by
// the out-of-scope CRUD layer spec.md §6 describes but does not specify.
type Server struct {
	mux           *http.ServeMux
	executionRows logstream.RowSource
	sessionRows   logstream.RowSource
	log           zerolog.Logger
}

// New builds a Server and registers its routes.
func New(executionRows, sessionRows logstream.RowSource, log zerolog.Logger) *Server {
	s := &Server{
		mux:           http.NewServeMux(),
		executionRows: executionRows,
		sessionRows:   sessionRows,
		log:           log,
	}
	s.mux.HandleFunc("/api/executions/", s.handleExecutionStream)
	s.mux.HandleFunc("/api/sessions/", s.handleSessionStream)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// ListenAndServe starts the HTTP server on addr, matching the
// cuemby-warren HealthServer.Start timeout shape.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming responses must not be cut off
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

// handleExecutionStream serves GET /api/executions/{id}/logs/stream.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	id, ok := parseStreamPath(r.URL.Path, "/api/executions/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.stream(w, r, s.executionRows, id)
}

// handleSessionStream serves GET /api/sessions/{id}/logs/stream.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id, ok := parseStreamPath(r.URL.Path, "/api/sessions/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.stream(w, r, s.sessionRows, id)
}

// parseStreamPath extracts the {id} from "{prefix}{id}/logs/stream".
func parseStreamPath(path, prefix string) (uuid.UUID, bool) {
	rest := strings.TrimPrefix(path, prefix)
	const suffix = "/logs/stream"
	if !strings.HasSuffix(rest, suffix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSuffix(rest, suffix))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// stream drives logstream.Serve (C12) over a chunked text/event-stream
// response, emitting one "data: <json>\n\n" frame per Event — the
// standard SSE wire format, matched to the event envelope named in
// spec.md §6.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, rows logstream.RowSource, id uuid.UUID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(ev logstream.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if err := logstream.Serve(r.Context(), rows, id, emit); err != nil {
		s.log.Warn().Err(err).Str("id", id.String()).Msg("log stream ended with error")
	}
}
