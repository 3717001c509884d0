package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/vjranagit/promrelay/pkg/storage"
	"github.com/vjranagit/promrelay/pkg/types"
)

const (
	requestIDHeader = "X-Request-ID"
	tenantHeader    = "X-Tenant-ID"
	defaultTenant   = "default"
)

// DataSource is a named data source served by the relay endpoint
type DataSource struct {
	Name   string
	Kind   types.DataSourceKind
	Tenant string
}

// Config holds server configuration
type Config struct {
	Addr          string
	Timeout       time.Duration
	ProxyID       string
	LookbackDelta time.Duration
	DataSources   []DataSource
	Logger        logrus.FieldLogger
}

// Server implements the HTTP API server
type Server struct {
	cfg         *Config
	storage     storage.Storage
	dataSources map[string]DataSource
	metrics     *metrics
	logger      logrus.FieldLogger
	handler     http.Handler
	server      *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *Config, store storage.Storage) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg:     cfg,
		storage: store,
		dataSources: lo.SliceToMap(cfg.DataSources, func(ds DataSource) (string, DataSource) {
			return ds.Name, ds
		}),
		metrics: newMetrics(store),
		logger:  logger.WithField("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/proxies/{proxyId}/relay", s.handleRelay)
	mux.HandleFunc("POST /api/v1/write", s.handleWrite)
	mux.HandleFunc("GET /api/v1/query", s.handleQuery)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	s.handler = withRequestID(mux)
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}

	return s
}

// Handler returns the root handler with all routes registered
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(w http.ResponseWriter) logrus.FieldLogger {
	return s.logger.WithField("request_id", w.Header().Get(requestIDHeader))
}

func tenantFromRequest(r *http.Request) string {
	if tenantID := r.Header.Get(tenantHeader); tenantID != "" {
		return tenantID
	}
	return defaultTenant
}

// handleWrite handles remote write requests
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req types.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	req.TenantID = tenantFromRequest(r)

	if err := s.storage.Write(r.Context(), &req); err != nil {
		s.requestLogger(w).WithError(err).WithField("tenant", req.TenantID).Error("write failed")
		http.Error(w, fmt.Sprintf("Write failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
	})
}

// handleQuery serves raw stored samples as JSON
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "Missing query parameter", http.StatusBadRequest)
		return
	}

	now := time.Now()
	startTime, err := parseTimeParam(r.URL.Query().Get("start"), now.Add(-1*time.Hour))
	if err != nil {
		http.Error(w, "Invalid start time", http.StatusBadRequest)
		return
	}
	endTime, err := parseTimeParam(r.URL.Query().Get("end"), now)
	if err != nil {
		http.Error(w, "Invalid end time", http.StatusBadRequest)
		return
	}

	result, err := s.storage.Query(r.Context(), &types.QueryRequest{
		TenantID:  tenantFromRequest(r),
		Query:     query,
		StartTime: startTime,
		EndTime:   endTime,
	})
	if errors.Is(err, storage.ErrInvalidSelector) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func parseTimeParam(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, value)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
