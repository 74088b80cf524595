// Package httpapi is the HTTP transport of the caller API, the provider
// webhook endpoint and /metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/health"
	"courier/internal/messaging"
	"courier/internal/outbox"
	"courier/internal/resolver"
	"courier/internal/webhook"
	logx "courier/pkg/logx"
)

const DefaultSignatureHeader = "X-Webhook-Signature"

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxBodyBytes caps request bodies, webhooks included.
	MaxBodyBytes    int64
	SignatureHeader string
	// Metrics mounts promhttp on /metrics.
	Metrics bool
	// Pprof mounts net/http/pprof under /debug/pprof/, guarded by
	// DebugToken unless Addr is loopback.
	Pprof      bool
	DebugToken string
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8090"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if strings.TrimSpace(c.SignatureHeader) == "" {
		c.SignatureHeader = DefaultSignatureHeader
	}
	return c
}

// Caller is the messaging surface served over HTTP.
type Caller interface {
	Send(ctx context.Context, req messaging.SendRequest) (string, error)
	Get(ctx context.Context, id string) (outbox.Message, error)
	History(ctx context.Context, id string) ([]outbox.StatusEvent, error)
	Cancel(ctx context.Context, id string) error
	Reprocess(ctx context.Context, id string) error
	Stats(ctx context.Context) (outbox.Stats, error)
	Health(ctx context.Context) health.Report
	Connection(ctx context.Context) health.Connection
	Pairing(ctx context.Context) ([]byte, error)
	Logout(ctx context.Context) error
	SyncEntity(ctx context.Context, kind, id string) (outbox.EntityRef, error)
	SyncEntities(ctx context.Context, kind string, limit, offset int) (resolver.BatchResult, error)
	SetBlocked(ctx context.Context, kind, id string, blocked bool) error
	Webhook(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
	Jobs() []messaging.JobInfo
	RunJob(ctx context.Context, name string) error
}

type Server struct {
	mu  sync.RWMutex
	cfg Config

	api     Caller
	log     logx.Logger
	handler http.Handler
}

func New(cfg Config, api Caller, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg: cfg.normalized(),
		api: api,
		log: log.With(logx.String("comp", "httpapi")),
	}
	s.handler = s.routes()
	return s
}

// Apply swaps body limits, the signature header and the metrics toggle.
// A new Addr or timeouts take effect on the next Run.
func (s *Server) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev.Addr != cfg.Addr {
		s.log.Warn("http addr change needs a restart", logx.String("addr", prev.Addr), logx.String("next", cfg.Addr))
	}
}

func (s *Server) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := s.config()
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http stopped")
	return nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.recoverer, s.accessLog)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", s.handleSend).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}", s.handleCancel).Methods(http.MethodDelete)
	v1.HandleFunc("/messages/{id}/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/reprocess", s.handleReprocess).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/connection", s.handleConnection).Methods(http.MethodGet)
	v1.HandleFunc("/connection/pairing", s.handlePairing).Methods(http.MethodGet)
	v1.HandleFunc("/connection/logout", s.handleLogout).Methods(http.MethodPost)
	v1.HandleFunc("/entities/{kind}/sync", s.handleSyncBatch).Methods(http.MethodPost)
	v1.HandleFunc("/entities/{kind}/{id}/sync", s.handleSyncOne).Methods(http.MethodPost)
	v1.HandleFunc("/entities/{kind}/{id}/blocked", s.handleBlocked).Methods(http.MethodPut)
	v1.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{name}/run", s.handleRunJob).Methods(http.MethodPost)

	r.HandleFunc("/webhooks", s.handleWebhook).Methods(http.MethodPost)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.PathPrefix("/debug/pprof/").Handler(s.pprofHandler())

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", req.Method+" not allowed")
	})
	return r
}

func (s *Server) metricsHandler() http.Handler {
	prom := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config().Metrics {
			writeError(w, r, http.StatusNotFound, "not_found", "metrics disabled")
			return
		}
		prom.ServeHTTP(w, r)
	})
}
