// Package server exposes the public HTTP surface: the manual claim trigger,
// the winners feed for the dashboard, and the usual health and metrics
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/powerpump/flywheel/pkg/cycle"
	"github.com/powerpump/flywheel/pkg/ledger"
	"github.com/powerpump/flywheel/pkg/metrics"
	"github.com/powerpump/flywheel/pkg/pipeline"
)

// Runner is the pipeline collaborator behind the claim trigger.
type Runner interface {
	Run(ctx context.Context) pipeline.Result
	Window() cycle.Window
}

// VersionInfo is reported by the /version endpoint.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger *slog.Logger

	ListenAddr string
	Runner     Runner
	Ledger     ledger.Ledger

	VersionInfo VersionInfo

	// ClaimRate and ClaimBurst bound the public claim trigger per IP. The
	// pipeline's idempotency makes excess presses harmless, the limiter just
	// keeps them from hammering upstreams.
	ClaimRate  rate.Limit
	ClaimBurst int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.ClaimRate <= 0 {
		cfg.ClaimRate = rate.Every(time.Minute / 5)
	}
	if cfg.ClaimBurst <= 0 {
		cfg.ClaimBurst = 2
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
	claims  *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
		claims: NewRateLimiter(cfg.ClaimRate, cfg.ClaimBurst),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	// The API is read-mostly and the one mutating endpoint is idempotent per
	// cycle, so the dashboard can live on any host.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))
	s.router.Use(metrics.Middleware)

	s.router.Route("/api", func(r chi.Router) {
		r.With(s.claimRateLimit).Post("/claim", s.handleClaim)
		r.Get("/winners", s.handleWinners)
	})

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) claimRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		allowed, retryAfter := s.claims.Allow(ip)
		if !allowed {
			seconds := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": seconds,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is canceled, then drains within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		s.claims.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err)
		return err
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleClaim runs the pipeline for the current cycle. Safe to call any
// number of times: repeats inside one cycle return the recorded outcome.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	result := s.cfg.Runner.Run(r.Context())

	status := http.StatusOK
	if !result.Success && !result.NotConfigured {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, result)
}

// winnersResponse is the dashboard read model.
type winnersResponse struct {
	Cycle            cycle.Window    `json:"cycle"`
	SecondsUntilNext int64           `json:"seconds_until_next"`
	Recent           []ledger.Record `json:"recent"`
	Stats            ledger.Stats    `json:"stats"`
}

func (s *Server) handleWinners(w http.ResponseWriter, r *http.Request) {
	window := s.cfg.Runner.Window()

	recent, err := s.cfg.Ledger.Recent(r.Context(), 20)
	if err != nil {
		s.log.Error("server: failed to load recent records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	stats, err := s.cfg.Ledger.Stats(r.Context())
	if err != nil {
		s.log.Error("server: failed to load stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	s.writeJSON(w, http.StatusOK, winnersResponse{
		Cycle:            window,
		SecondsUntilNext: window.SecondsUntilNext(time.Now()),
		Recent:           recent,
		Stats:            stats,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Ledger.Ping(r.Context()); err != nil {
		s.log.Debug("server: readyz ledger ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("ledger not ready\n")); err != nil {
			s.log.Error("server: failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
