// Package server exposes the control API: link generation, token
// redemption, admin operations, and the lifecycle event feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/sendonce/sendonce/internal/config"
	"github.com/sendonce/sendonce/internal/domain"
	"github.com/sendonce/sendonce/internal/events"
	"github.com/sendonce/sendonce/internal/library"
	"github.com/sendonce/sendonce/internal/monitor"
	"github.com/sendonce/sendonce/internal/store/sqlite"
	"github.com/sendonce/sendonce/internal/token"
	"github.com/sendonce/sendonce/internal/tunnel"
)

const (
	drainTimeout    = 10 * time.Second
	teardownTimeout = 30 * time.Second
)

// Options carries the collaborators the server drives. All fields except
// Version are required.
type Options struct {
	Config  config.ServerConfig
	Store   *sqlite.Store
	Library *library.Library
	Tokens  *token.Service
	Tunnels *tunnel.Manager
	Monitor *monitor.Monitor
	Bus     *events.Bus
	Log     *slog.Logger
	Version string
}

type Server struct {
	cfg     config.ServerConfig
	store   *sqlite.Store
	library *library.Library
	tokens  *token.Service
	tunnels *tunnel.Manager
	monitor *monitor.Monitor
	bus     *events.Bus
	limiter *rateLimiter
	log     *slog.Logger
	version string
}

func New(opts Options) *Server {
	return &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		library: opts.Library,
		tokens:  opts.Tokens,
		tunnels: opts.Tunnels,
		monitor: opts.Monitor,
		bus:     opts.Bus,
		limiter: newRateLimiter(),
		log:     opts.Log,
		version: opts.Version,
	}
}

// Run reconciles leftover state, starts the monitor, and serves the control
// API until ctx is canceled. Shutdown stops the monitor first, drains
// in-flight requests, then destroys every remaining live tunnel.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.tunnels.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	monCtx, stopMonitor := context.WithCancel(context.Background())
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		s.monitor.Run(monCtx)
	}()
	go s.limiter.runCleanup(ctx)

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	if s.cfg.TLSDomain != "" {
		// TLS-ALPN-01 answers the ACME challenge on the TLS listener
		// itself, so no port-80 companion server is needed.
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLSCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLSDomain),
		}
		httpServer.TLSConfig = manager.TLSConfig()
		go func() {
			s.log.Info("starting HTTPS control API", "addr", s.cfg.ListenAddr, "domain", s.cfg.TLSDomain)
			if err := httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		go func() {
			s.log.Info("starting control API", "addr", s.cfg.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("control api: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	stopMonitor()
	<-monDone

	if err := shutdownServer(httpServer, drainTimeout); err != nil && runErr == nil {
		runErr = err
	}

	destroyCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if n := s.tunnels.DestroyAll(destroyCtx, domain.StatusTerminated); n > 0 {
		s.log.Info("destroyed remaining tunnels on shutdown", "count", n)
	}
	return runErr
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate-link", s.handleGenerateLink)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/download/", s.handleDownload)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/admin/tunnels", s.handleAdminTunnels)
	mux.HandleFunc("/admin/tunnels/", s.handleAdminTunnel)
	mux.HandleFunc("/admin/monitor/status", s.handleMonitorStatus)
	mux.HandleFunc("/admin/cleanup", s.handleCleanup)
	mux.HandleFunc("/admin/history", s.handleHistory)
	mux.HandleFunc("/admin/events", s.handleEvents)
	if s.cfg.WebRoot != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.WebRoot)))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg})
}

// dropConnection closes the client connection without sending any response
// bytes. The fallback status is only reachable when the connection cannot
// be hijacked (HTTP/2).
func dropConnection(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	w.WriteHeader(444)
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
