package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/store"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	defaultScanLimit       = 100
	maxScanLimit           = 10_000
)

type iStoreAPI interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Delete(ctx context.Context, key []byte) error
	Scan(ctx context.Context, start []byte, fn func(key, value []byte) bool) error
	Stats() store.Stats
	RetryFlush(ctx context.Context) error
}

// Server exposes the store over HTTP.
type Server struct {
	store      iStoreAPI
	gatherer   prometheus.Gatherer
	cfg        config.Config
	httpServer *http.Server
	listener   net.Listener
	URL        string
	addr       string
}

func NewServer(st iStoreAPI, cfg config.Config, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	addr := ":" + strconv.Itoa(cfg.Server.Port)
	return &Server{
		store:    st,
		gatherer: gatherer,
		cfg:      cfg,
		URL:      "http://localhost" + addr,
		addr:     addr,
	}
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.listener = ln

	readHeaderTimeout := s.cfg.Server.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)
	r.Get("/api/scan", s.handleScan)

	r.Route("/monitor", func(r chi.Router) {
		r.Get("/config", s.handleConfig)
		r.Get("/stats", s.handleStats)
		r.Post("/flush/retry", s.handleRetryFlush)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps store errors to status codes. Capacity and durability
// failures are 503 so that clients retry.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		code   = CodeInternal
	)
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status, code = http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, dberrors.ErrFlushStuck):
		status, code = http.StatusServiceUnavailable, CodeFlushStuck
	case errors.Is(err, dberrors.ErrMemtableFull):
		status, code = http.StatusServiceUnavailable, CodeMemtableFull
	case errors.Is(err, dberrors.ErrLogUnavailable):
		status, code = http.StatusServiceUnavailable, CodeLogUnavailable
	case errors.Is(err, dberrors.ErrClosed):
		status, code = http.StatusServiceUnavailable, CodeClosed
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewCodedErrorResponse(code, err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")

	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	if err := s.store.Put(r.Context(), []byte(key), []byte(value)); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, found, err := s.store.Get(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.store.Delete(r.Context(), []byte(key)); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	limit := defaultScanLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxScanLimit {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
			return
		}
		limit = n
	}

	items := make([]Item, 0, min(limit, defaultScanLimit))
	err := s.store.Scan(r.Context(), []byte(r.URL.Query().Get("start")), func(k, v []byte) bool {
		items = append(items, Item{Key: string(k), Value: string(v)})
		return len(items) < limit
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewItemsResponse(items))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleRetryFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RetryFlush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// Handler returns the router without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}
