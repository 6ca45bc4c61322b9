// Package api serves the HTTP interface: node input injection, node statuses,
// saved snapshots, history and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/ledger"
	"github.com/dokzlo13/hubitatd/internal/snapshot"
)

const (
	maxBodySize         = 1 << 20
	defaultHistoryLimit = 100
)

// Flow is the part of the flow runtime the API drives.
type Flow interface {
	Inject(ctx context.Context, nodeID string, msg flow.Message) error
	Nodes() []flow.NodeInfo
	Status(nodeID string) (flow.Status, bool)
}

// Snapshots lists saved device states.
type Snapshots interface {
	List() ([]snapshot.Snapshot, error)
}

// History queries the event ledger.
type History interface {
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
	GetByDevice(deviceID string, limit int) ([]*ledger.Entry, error)
}

// Options carries the optional collaborators.
type Options struct {
	Snapshots Snapshots
	// History is nil when the ledger is disabled.
	History History
	// Ready reports whether the hub's device cache is loaded.
	Ready func() bool
}

// Server is the HTTP API server.
type Server struct {
	addr       string
	flow       Flow
	opts       Options
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(addr string, f Flow, opts Options) *Server {
	return &Server{addr: addr, flow: f, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	r.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}/status", s.nodeStatus).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}/input", s.nodeInput).Methods(http.MethodPost)
	r.HandleFunc("/snapshots", s.listSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/history", s.history).Methods(http.MethodGet)
	return r
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting HTTP API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready != nil && !s.opts.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.flow.Nodes())
}

func (s *Server) nodeStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.flow.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, flow.ErrUnknownNode)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) nodeInput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.Body.Close()

	log.Debug().Str("node", id).Int("body_len", len(body)).Msg("Received node input")

	// A restore keeps running when the client goes away.
	ctx := context.WithoutCancel(r.Context())
	if err := s.flow.Inject(ctx, id, flow.DecodeMessage(body)); err != nil {
		if errors.Is(err, flow.ErrUnknownNode) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSnapshots(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Snapshots == nil {
		writeJSON(w, http.StatusOK, []snapshot.Snapshot{})
		return
	}
	snaps, err := s.opts.Snapshots.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// history serves ledger entries, filtered by ?device= or ?type=.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}

	q := r.URL.Query()
	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	var (
		entries []*ledger.Entry
		err     error
	)
	switch {
	case q.Get("device") != "":
		entries, err = s.opts.History.GetByDevice(q.Get("device"), limit)
	case q.Get("type") != "":
		entries, err = s.opts.History.GetByType(ledger.EventType(q.Get("type")), limit)
	default:
		writeError(w, http.StatusBadRequest, errors.New("device or type is required"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
