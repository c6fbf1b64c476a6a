package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/zetapush/zetapush-log-server/internal/controller"
	"github.com/zetapush/zetapush-log-server/internal/engine"
	"github.com/zetapush/zetapush-log-server/internal/model"
	"github.com/zetapush/zetapush-log-server/internal/pipeline"
	"github.com/zetapush/zetapush-log-server/internal/registry"
	"github.com/zetapush/zetapush-log-server/internal/storage"
)

// StatusSource reports the state of the pipeline.
type StatusSource interface {
	State() (pipeline.State, error)
	Report() *pipeline.Report
}

// Config holds the dependencies of the API server.
type Config struct {
	Aggregator *engine.Aggregator
	Status     StatusSource
	Registry   *registry.Store
	// Accounts checks logins. Nil or empty means the API is open.
	Accounts *controller.Store
	Export   *storage.ExportWriter
	WebDir   string
	Gzip     bool
	Logger   *slog.Logger
}

// APIServer serves the trace dashboard API.
type APIServer struct {
	aggregator *engine.Aggregator
	status     StatusSource
	registry   *registry.Server
	accounts   *controller.Store
	export     *storage.ExportWriter
	webDir     string
	gzip       bool
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	srv    *http.Server
	cancel context.CancelFunc // ends open streams
	closed bool
}

func NewAPIServer(config Config) (*APIServer, error) {
	if config.Aggregator == nil {
		return nil, errors.New("server: Aggregator is required")
	}
	if config.Accounts == nil {
		config.Accounts = controller.NewStore(nil, 0)
	}
	if config.Registry == nil {
		config.Registry = registry.NewStore()
	}
	if config.Export == nil {
		ew, err := storage.NewExportWriter("")
		if err != nil {
			return nil, err
		}
		config.Export = ew
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &APIServer{
		aggregator: config.Aggregator,
		status:     config.Status,
		registry:   registry.NewServer(config.Registry),
		accounts:   config.Accounts,
		export:     config.Export,
		webDir:     config.WebDir,
		gzip:       config.Gzip,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Handler returns the routes of the API.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/status", s.compress(http.HandlerFunc(s.handleStatus)))
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)

	mux.Handle("/api/traces", s.AuthMiddleware(s.compress(http.HandlerFunc(s.handleTraces))))
	mux.Handle("/api/traces/stream", s.AuthMiddleware(http.HandlerFunc(s.handleStream)))
	mux.Handle("/api/traces/export", s.AuthMiddleware(http.HandlerFunc(s.handleExport)))
	mux.Handle("/api/histogram", s.AuthMiddleware(s.compress(http.HandlerFunc(s.handleHistogram))))
	mux.Handle("/api/stats", s.AuthMiddleware(s.compress(http.HandlerFunc(s.handleStats))))
	mux.Handle("/api/services", s.AuthMiddleware(s.compress(http.HandlerFunc(s.registry.HandleListServices))))
	mux.Handle("/api/services/{id}", s.AuthMiddleware(s.compress(http.HandlerFunc(s.registry.HandleGetService))))

	if s.webDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.webDir)))
	}
	return mux
}

// Start runs the HTTP server until Shutdown.
func (s *APIServer) Start(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.srv = srv
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("api server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and ends open streams.
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv, cancel := s.srv, s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *APIServer) compress(h http.Handler) http.Handler {
	if !s.gzip {
		return h
	}
	return gzhttp.GzipHandler(h)
}

// handleStatus returns the pipeline state and startup report.
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := struct {
		State       pipeline.State   `json:"state"`
		Error       string           `json:"error,omitempty"`
		Report      *pipeline.Report `json:"report,omitempty"`
		Traces      int              `json:"traces"`
		Subscribers int              `json:"subscribers"`
		AuthEnabled bool             `json:"auth_enabled"`
	}{
		Traces:      s.aggregator.Latest().Len(),
		Subscribers: s.aggregator.Subscribers(),
		AuthEnabled: !s.accounts.Open(),
	}
	if s.status != nil {
		state, err := s.status.State()
		resp.State = state
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Report = s.status.Report()
	}
	writeJSON(w, resp)
}

// handleTraces returns the current snapshot, optionally filtered by q.
func (s *APIServer) handleTraces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keep, ok := s.filter(w, r)
	if !ok {
		return
	}

	data, err := engine.MarshalEvents(s.aggregator.Latest().Filter(keep))
	if err != nil {
		s.logger.Error("encode traces", "error", err)
		http.Error(w, "Encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleStream sends the current snapshot then every update as
// Server-Sent Events. mode=delta sends only the events appended since the
// previous message.
func (s *APIServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keep, ok := s.filter(w, r)
	if !ok {
		return
	}
	mode := r.URL.Query().Get("mode")
	switch mode {
	case "":
		mode = "full"
	case "full", "delta":
	default:
		http.Error(w, "mode must be full or delta", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.aggregator.Subscribe()
	defer sub.Close()
	logger := s.logger.With("subscriber_id", sub.ID(), "mode", mode)
	logger.Debug("stream opened")

	sent := 0
	first := true
	for {
		snap, err := sub.Next(r.Context())
		if err != nil {
			logger.Debug("stream closed", "error", err, "dropped", sub.Dropped())
			return
		}

		var events []model.TraceEvent
		if mode == "delta" {
			events = snap.Since(sent)
		} else {
			events = snap.Events()
		}
		sent = snap.Len()
		events = filterEvents(events, keep)
		if mode == "delta" && len(events) == 0 && !first {
			continue
		}
		first = false

		data, err := engine.MarshalEvents(events)
		if err != nil {
			logger.Error("encode traces", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: traces\ndata: %s\n\n", snap.Len(), data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleExport downloads the current snapshot as zstd-compressed NDJSON.
func (s *APIServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keep, ok := s.filter(w, r)
	if !ok {
		return
	}

	events := s.aggregator.Latest().Filter(keep)
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", storage.ExportName(s.now())))
	n, err := s.export.WriteEvents(w, events)
	if err != nil {
		s.logger.Error("export traces", "error", err, "written", n)
		return
	}
	s.logger.Info("exported traces", "count", n)
}

// handleHistogram counts traces per time bucket. interval is in seconds;
// start and end are unix milliseconds.
func (s *APIServer) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keep, ok := s.filter(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	interval := time.Minute
	if v := q.Get("interval"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs <= 0 {
			http.Error(w, "interval must be a positive number of seconds", http.StatusBadRequest)
			return
		}
		interval = time.Duration(secs) * time.Second
	}
	var start, end time.Time
	if v := q.Get("start"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			start = time.UnixMilli(ms)
		}
	}
	if v := q.Get("end"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			end = time.UnixMilli(ms)
		}
	}

	points := engine.ComputeHistogram(s.aggregator.Latest().Events(), start, end, interval, keep)
	writeJSON(w, points)
}

// handleStats returns ingestion statistics.
func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.aggregator.StatsSnapshot())
}

// filter compiles the q parameter, answering 400 on a bad query.
func (s *APIServer) filter(w http.ResponseWriter, r *http.Request) (engine.Filter, bool) {
	keep, err := engine.CompileFilter(r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, "Invalid query: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return keep, true
}

func filterEvents(events []model.TraceEvent, keep engine.Filter) []model.TraceEvent {
	out := make([]model.TraceEvent, 0, len(events))
	for _, ev := range events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
