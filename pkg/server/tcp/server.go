// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	bkerrors "github.com/absmach/intercept/pkg/errors"
	"github.com/absmach/intercept/pkg/metrics"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Defaults applied by New for zero config values.
const (
	DefaultReadTimeout      = 5 * time.Second
	DefaultFrameIdleTimeout = 100 * time.Millisecond
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxFrameSize     = 64 * 1024
	DefaultShutdownTimeout  = 30 * time.Second
)

// ConnHandler processes one control connection. payload is the initial
// message assembled by the server. The server closes conn once Handle
// returns.
type ConnHandler interface {
	Handle(ctx context.Context, conn *Conn, payload []byte) error
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn *Conn, payload []byte) error

// Handle calls f.
func (f ConnHandlerFunc) Handle(ctx context.Context, conn *Conn, payload []byte) error {
	return f(ctx, conn, payload)
}

// Limiter throttles accepted connections.
type Limiter interface {
	Allow() bool
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// ReadTimeout bounds the wait for the initial payload.
	ReadTimeout time.Duration

	// FrameIdleTimeout ends payload assembly once data has arrived and the
	// peer goes quiet for this long.
	FrameIdleTimeout time.Duration

	// MaxFrameSize caps the initial payload. Bytes past the cap are read and
	// dropped until the peer goes quiet, then discarded while the
	// connection waits for a decision.
	MaxFrameSize int

	// WriteTimeout bounds every write on a control connection.
	WriteTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Limiter, when set, rejects connections above the accept rate.
	Limiter Limiter

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts control connections, assembles the initial payload and
// hands each connection to the handler on its own goroutine.
type Server struct {
	config  Config
	handler ConnHandler
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[*Conn]struct{}

	listening atomic.Bool
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h ConnHandler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.FrameIdleTimeout == 0 {
		cfg.FrameIdleTimeout = DefaultFrameIdleTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &Server{
		config:  cfg,
		handler: h,
		conns:   make(map[*Conn]struct{}),
	}
}

// Listen binds the configured address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled. It
// implements graceful shutdown with connection draining and closes the
// listener before returning.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.config.Logger.Info("control server started", slog.String("address", listener.Addr().String()))
	s.listening.Store(true)
	defer s.listening.Store(false)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, listener)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all control connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		s.closeAll()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

// Listening reports whether the server is accepting connections.
func (s *Server) Listening() bool {
	return s.listening.Load()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		if s.config.Limiter != nil && !s.config.Limiter.Allow() {
			s.config.Logger.Warn("control connection rejected",
				slog.String("remote", nc.RemoteAddr().String()),
				slog.String("error", bkerrors.ErrRateLimited.Error()))
			s.count(metrics.StatusRejected)
			nc.Close()
			continue
		}
		s.count(metrics.StatusAccepted)

		conn := NewConn(nc, s.config.WriteTimeout)
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			if err := s.handleConn(ctx, conn); err != nil {
				s.config.Logger.Debug("control connection error",
					slog.String("session", conn.SessionID()),
					slog.String("remote", conn.RemoteAddr()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// handleConn reads the initial payload, runs the handler and closes the
// connection.
func (s *Server) handleConn(ctx context.Context, conn *Conn) error {
	defer conn.Close()

	payload, overflow, err := ReadPayload(conn, s.config.ReadTimeout, s.config.FrameIdleTimeout, s.config.MaxFrameSize)
	if err != nil {
		if s.config.Metrics != nil {
			s.config.Metrics.ControlErrors.WithLabelValues("read").Inc()
		}
		return fmt.Errorf("failed to read payload: %w", err)
	}
	// Nothing is read again before a decision asks for an acknowledgement.
	conn.Discard()

	if overflow > 0 {
		if s.config.Metrics != nil {
			s.config.Metrics.ControlErrors.WithLabelValues("oversize").Inc()
		}
		s.config.Logger.Warn("control payload truncated",
			slog.String("session", conn.SessionID()),
			slog.String("remote", conn.RemoteAddr()),
			slog.Int("max_frame_size", s.config.MaxFrameSize),
			slog.Int("dropped", overflow))
	}

	s.config.Logger.Debug("control payload received",
		slog.String("session", conn.SessionID()),
		slog.String("remote", conn.RemoteAddr()),
		slog.Int("size", len(payload)))

	return s.handler.Handle(ctx, conn, payload)
}

// ReadPayload assembles the initial message. It keeps reading until the
// peer stays quiet for idle after the first byte, the peer closes or timeout
// elapses. At most maxSize bytes are kept; overflow counts the bytes read
// past that and dropped. It fails only when nothing at all was received.
func ReadPayload(conn *Conn, timeout, idle time.Duration, maxSize int) ([]byte, int, error) {
	deadline := time.Now().Add(timeout)
	var (
		buf      []byte
		overflow int
	)

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		if (len(buf) > 0 || overflow > 0) && wait > idle {
			wait = idle
		}

		chunk, err := conn.Read(wait)
		if err != nil {
			if len(buf) > 0 {
				break
			}
			return nil, 0, err
		}
		if room := max(maxSize-len(buf), 0); len(chunk) > room {
			overflow += len(chunk) - room
			chunk = chunk[:room]
		}
		buf = append(buf, chunk...)
	}

	if len(buf) == 0 {
		return nil, 0, bkerrors.ErrTimeout
	}
	return buf, overflow, nil
}

func (s *Server) count(status string) {
	if s.config.Metrics != nil {
		s.config.Metrics.ControlConnections.WithLabelValues(status).Inc()
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if s.config.Metrics != nil {
		s.config.Metrics.ActiveConnections.Inc()
	}
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if s.config.Metrics != nil {
		s.config.Metrics.ActiveConnections.Dec()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
