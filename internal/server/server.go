// Package server accepts prior-knowledge h2c connections and runs one session
// per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/h2bridge/internal/config"
	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/session"
)

// Server owns a listener and the sessions of the connections it accepted.
// Each session gets its own multiplexer and file budget.
type Server struct {
	cfg     *config.Config
	handler session.Handler
	metrics *h2.Metrics
	log     *logger.Logger
	grace   time.Duration

	mu     sync.Mutex
	active int
}

// New creates a server. cfg must have had defaults applied.
func New(cfg *config.Config, handler session.Handler, metrics *h2.Metrics, lg *logger.Logger) (*Server, error) {
	if cfg == nil || cfg.Server == nil || cfg.Mplx == nil || cfg.Session == nil {
		return nil, fmt.Errorf("server: configuration is incomplete")
	}
	if handler == nil {
		return nil, fmt.Errorf("server: handler cannot be nil")
	}
	grace, err := config.ParseDuration(*cfg.Server.GracefulShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		metrics: metrics,
		log:     lg.With(logger.LogFields{"component": "server"}),
		grace:   grace,
	}, nil
}

// ActiveSessions returns the number of sessions being served.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := Listen(ctx, *s.cfg.Server.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and waits
// for open sessions. Sessions still running after the graceful shutdown
// timeout are cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("Serving h2c", logger.LogFields{"address": ln.Addr().String()})

	sessCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var sessions errgroup.Group
	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept failed: %w", err)
			}
			break
		}
		sessions.Go(func() error {
			s.serveConn(sessCtx, conn)
			return nil
		})
	}

	if n := s.ActiveSessions(); n > 0 {
		s.log.Info("Waiting for sessions to finish", logger.LogFields{"sessions": n, "grace": s.grace.String()})
	}
	timer := time.AfterFunc(s.grace, cancelSessions)
	defer timer.Stop()
	_ = sessions.Wait()
	return acceptErr
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	m := h2.NewMplx(*s.cfg.Mplx, s.log, s.metrics)
	sess, err := session.New(conn, *s.cfg.Session, m, s.handler, s.log)
	if err != nil {
		s.log.Error("Failed to create session", logger.LogFields{"error": err.Error()})
		_ = conn.Close()
		return
	}
	// Session errors are logged by the session itself.
	_ = sess.Serve(ctx)
}
