// Package switchboard is the PBX's network front end: it accepts TCP
// connections, rate-limits them per source IP, and hands each one to the
// engine as a registered TU for the lifetime of the connection.
package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/flowpbx/pbx/internal/pbx"
)

// ConnMetrics is the narrow interface the switchboard reports accept
// outcomes through. The concrete implementation lives in internal/metrics.
type ConnMetrics interface {
	ObserveConnectionAccepted()
	ObserveConnectionRejected()
}

type noopConnMetrics struct{}

func (noopConnMetrics) ObserveConnectionAccepted() {}
func (noopConnMetrics) ObserveConnectionRejected() {}

// Config configures the switchboard's listener and connection throttle.
type Config struct {
	Addr string // host:port to listen on, e.g. ":5000"

	// MaxConnsPerSecond and Burst bound new-connection attempts per
	// source IP. A zero MaxConnsPerSecond disables the limiter.
	MaxConnsPerSecond float64
	Burst             int
}

// Server owns the PBX's listening socket. Its lifecycle mirrors the
// teacher's sip.Server: Start launches the accept loop in a tracked
// goroutine and returns immediately; Stop cancels it and waits for every
// in-flight connection goroutine to finish.
type Server struct {
	cfg     Config
	engine  *pbx.Engine
	logger  *slog.Logger
	metrics ConnMetrics

	mu       sync.Mutex
	listener net.Listener

	limiter *connRateLimiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a switchboard bound to engine, not yet listening.
func NewServer(cfg Config, engine *pbx.Engine, logger *slog.Logger, metrics ConnMetrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopConnMetrics{}
	}
	var limiter *connRateLimiter
	if cfg.MaxConnsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = newConnRateLimiter(cfg.MaxConnsPerSecond, burst)
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		logger:  logger.With("component", "switchboard"),
		metrics: metrics,
		limiter: limiter,
	}
}

// Start opens the listening socket and begins accepting connections in a
// tracked background goroutine. It returns once the socket is bound, so
// callers know the port is ready before continuing startup.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("switchboard: listen on %s: %w", s.cfg.Addr, err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("switchboard listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()

	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("accept failed", "error", err)
			return
		}

		if s.limiter != nil && !s.limiter.allow(conn.RemoteAddr()) {
			s.metrics.ObserveConnectionRejected()
			s.logger.Warn("connection rejected by rate limiter", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.metrics.ObserveConnectionAccepted()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			serveConn(s.engine, conn, s.logger)
		}()
	}
}

// Stop closes the listener and waits for every connection goroutine
// (including the accept loop itself) to finish. It does not shut down
// the engine's TUs — callers that want a full hangup-everyone shutdown
// call engine.Shutdown() and pass its result to HalfCloseAll first, so
// each connection's own read loop observes EOF and unwinds on its own.
func (s *Server) Stop() {
	s.logger.Info("stopping switchboard")
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	if s.limiter != nil {
		s.limiter.stop()
	}
	s.wg.Wait()
	s.logger.Info("switchboard stopped")
}

// HalfCloseAll half-closes the read side of every TU returned by
// engine.Shutdown, letting each connection's serving goroutine observe
// EOF and exit on its own. It does not touch the listener — call Stop
// separately to also stop accepting new connections.
func (s *Server) HalfCloseAll(tus []*pbx.TU) {
	for _, tu := range tus {
		cr, ok := tu.Notifier().(pbx.CloseReader)
		if !ok {
			continue
		}
		if err := cr.CloseRead(); err != nil {
			s.logger.Debug("half-close failed", "error", err)
		}
	}
}

// Addr returns the address the listener is bound to, or the empty string
// if Start has not been called yet. Useful in tests that bind to ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
