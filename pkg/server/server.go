// Package server exposes the relay over HTTP: the collaboration websocket,
// the latest-state download, health and metrics.
package server

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/automerge-relay/pkg/docstore"
	"github.com/astromechza/automerge-relay/pkg/gatekeeper"
	"github.com/astromechza/automerge-relay/pkg/session"
)

type Server struct {
	registry   *docstore.Registry
	sessions   *session.Manager
	gatekeeper *gatekeeper.Gatekeeper
	gatherer   prometheus.Gatherer
	log        *slog.Logger
	upgrader   websocket.Upgrader
}

// New wires the handlers. gatherer may be nil to serve an empty /metrics.
func New(
	registry *docstore.Registry,
	sessions *session.Manager,
	gk *gatekeeper.Gatekeeper,
	gatherer prometheus.Gatherer,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	return &Server{
		registry:   registry,
		sessions:   sessions,
		gatekeeper: gk,
		gatherer:   gatherer,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browsers connect from the editor origin, authentication is by token
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Info("handled", "method", request.Method, "path", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	authed := r.NewRoute().Subrouter()
	authed.Use(s.gatekeeper.Middleware)
	authed.Methods(http.MethodGet).Path("/documents/{document}/latest").HandlerFunc(s.getLatest)
	authed.Methods(http.MethodGet).PathPrefix("/collab/").HandlerFunc(s.collab)
	return r
}

func (s *Server) health(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("ok"))
}

// getLatest returns the full encoded state of a loaded document.
func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	r, ok := s.registry.Lookup(vars["document"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	if st := r.State(); st != docstore.StateReady && st != docstore.StateDraining {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(r.Doc().EncodeFull()); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func (s *Server) collab(writer http.ResponseWriter, request *http.Request) {
	document, err := gatekeeper.DocumentName(request.URL.Path)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "err", err)
		return
	}
	if err := s.sessions.Serve(request.Context(), conn, document); err != nil {
		s.log.Warn("session ended with error", "doc", document, "err", err)
	}
}
