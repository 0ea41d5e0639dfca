package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

type HTTPServerConfig struct {
	ListenAddr  string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv     *http.Server
	handler *Handler
	admin   *AdminHandler
}

// New creates the HTTP server. admin may be nil when the root is not a Shamir root.
func New(cfg *HTTPServerConfig, handler *Handler, admin *AdminHandler) *Server {
	srv := &Server{
		cfg:     cfg,
		log:     cfg.Log,
		handler: handler,
		admin:   admin,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Post("/api/attested/release", srv.handler.HandleRelease)
	mux.With(srv.httpLogger).Get("/api/public/identity", srv.handler.HandleIdentity)
	mux.With(srv.httpLogger).Get("/api/public/attestation/{nonce}", srv.handler.HandleAttestation)

	if srv.admin != nil {
		mux.Route("/admin", func(r chi.Router) {
			r.Use(srv.httpLogger)
			r.Mount("/", srv.admin.AdminRouter())
		})
	}

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// Handler exposes the router, mostly for tests.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

// HealthResponse is the body of the health and drain endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	// Root is set on readiness checks while a Shamir root awaits shares.
	Root string `json:"root,omitempty"`
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &HealthResponse{Status: "alive"})
}

// handleReadinessCheck reports not ready while drained or while the root
// cannot derive keys yet.
func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if srv.admin != nil && !srv.admin.root.IsUnlocked() {
		writeJSON(w, http.StatusServiceUnavailable, &HealthResponse{Status: "not ready", Root: "locked"})
		return
	}
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, &HealthResponse{Status: "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, &HealthResponse{Status: "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, &HealthResponse{Status: "already draining"})
		return
	}
	srv.log.Info("Provider draining, readiness withdrawn", "drainDuration", srv.cfg.DrainDuration)

	// Load balancers need the drain period to notice before traffic stops.
	time.AfterFunc(srv.cfg.DrainDuration, func() {
		srv.log.Info("Drain period completed")
	})
	writeJSON(w, http.StatusOK, &HealthResponse{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, &HealthResponse{Status: "already ready"})
		return
	}
	srv.log.Info("Provider undrained, accepting traffic")
	writeJSON(w, http.StatusOK, &HealthResponse{Status: "ready"})
}

// RunInBackground listens on the configured address and serves until Shutdown.
func (srv *Server) RunInBackground() error {
	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return err
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", ln.Addr().String())
		if err := srv.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
