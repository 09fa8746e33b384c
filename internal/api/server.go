// Package api is the HTTP surface of the scan service. Authentication is
// done upstream; the proxy passes the caller identity in X-Caller-ID.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"bytemomo/warden/internal/adapter/reporter"
	"bytemomo/warden/internal/metrics"
	"bytemomo/warden/internal/notifier"
	"bytemomo/warden/internal/orchestrator"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// CallerHeader carries the authenticated caller identity.
const CallerHeader = "X-Caller-ID"

// Server routes API requests to the orchestrator and notifier.
type Server struct {
	Log            *log.Entry
	Orchestrator   *orchestrator.Orchestrator
	Notifier       *notifier.Notifier
	Reporter       *reporter.Reporter
	Metrics        *metrics.Metrics
	MaxConnections int
	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration

	upgrader websocket.Upgrader
}

// New returns a server. Metrics may be nil.
func New(logger *log.Entry, orch *orchestrator.Orchestrator, n *notifier.Notifier, rep *reporter.Reporter, m *metrics.Metrics) *Server {
	return &Server{
		Log:          logger,
		Orchestrator: orch,
		Notifier:     n,
		Reporter:     rep,
		Metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/scans", s.submitScan)
	mux.HandleFunc("GET /v1/scans", s.listScans)
	mux.HandleFunc("GET /v1/scans/{id}", s.getScan)
	mux.HandleFunc("DELETE /v1/scans/{id}", s.deleteScan)
	mux.HandleFunc("POST /v1/scans/{id}/cancel", s.cancelScan)
	mux.HandleFunc("GET /v1/scans/{id}/report", s.scanReport)
	mux.HandleFunc("GET /v1/stats", s.stats)

	mux.HandleFunc("GET /v1/sinks", s.listSinks)
	mux.HandleFunc("POST /v1/sinks", s.createSink)
	mux.HandleFunc("GET /v1/sinks/{id}", s.getSink)
	mux.HandleFunc("PATCH /v1/sinks/{id}", s.updateSink)
	mux.HandleFunc("DELETE /v1/sinks/{id}", s.deleteSink)
	mux.HandleFunc("POST /v1/sinks/{id}/test", s.testSink)

	mux.HandleFunc("GET /v1/events", s.events)
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}

	return s.logRequests(mux)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger().WithFields(log.Fields{
		"addr":            ln.Addr().String(),
		"max_connections": s.MaxConnections,
	}).Info("API listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// ArtifactLinks returns report URLs for a scan under baseURL, for use in
// notification payloads.
func ArtifactLinks(baseURL string) func(scanID string) map[string]string {
	return func(scanID string) map[string]string {
		out := make(map[string]string, len(reporter.Formats))
		for _, f := range reporter.Formats {
			if f == "console" {
				continue
			}
			out[f] = fmt.Sprintf("%s/v1/scans/%s/report?format=%s", baseURL, scanID, f)
		}
		return out
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"capacity": s.Orchestrator.Stats().Capacity,
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger().WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger().WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"caller":   r.Header.Get(CallerHeader),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

func (s *Server) logger() *log.Entry {
	if s.Log != nil {
		return s.Log
	}
	return log.NewEntry(log.StandardLogger())
}
