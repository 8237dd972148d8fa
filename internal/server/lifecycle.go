package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownTimeout = 30 * time.Second

// Start launches the background workers: the realtime hub and the
// escalation sweep. They run until Shutdown, not until ctx is done, so a
// signal does not stop them while requests are still draining.
func (s *Server) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopWorkers = cancel

	go s.realtimeHub.Run(workerCtx)
	go s.escalation.Start(workerCtx)
}

// Run listens on the configured port and serves until ctx is done or the
// process receives SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on :%s: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
// Readiness turns on once the listener is accepting.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Start(ctx)
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	served := make(chan error, 1)
	go func() { served <- s.httpSrv.Serve(ln) }()

	s.ready.Store(true)
	s.logger.Info("serving", "addr", ln.Addr().String(), "env", s.cfg.Env, "version", Version)

	select {
	case err := <-served:
		_ = s.Shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}
	return s.Shutdown()
}

// Shutdown drains in-flight requests and releases every backend. The
// escalation sweep stops before the hub so its last events still reach
// connected consoles.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("draining")

	// Let load balancers observe readiness going down.
	time.Sleep(s.shutdownDelay)

	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err = s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http shutdown", "error", err)
		} else {
			err = nil
		}
	}

	s.escalation.Stop()
	if s.stopWorkers != nil {
		s.stopWorkers()
	}
	s.notifier.Wait()
	s.webhooks.Wait()
	s.rateLimiter.Stop()
	s.closeBackends()

	s.logger.Info("stopped")
	return err
}

// closeBackends releases the optional connections opened by New.
func (s *Server) closeBackends() {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("close kafka producer", "error", err)
		}
		s.kafka = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("close redis", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("close database", "error", err)
		}
		s.db = nil
	}
}
