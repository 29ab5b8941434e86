// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves MQTT over TCP and TLS by feeding accepted streams into
// a broker.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mqttcore/mqtt/broker"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// ConnLimiter decides whether a new connection from addr is accepted.
// *ratelimit.IPRateLimiter satisfies it.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	// ConnectTimeout bounds the TLS handshake and the wait for CONNECT.
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	TCPKeepAlive   time.Duration
	MaxConnections int
	BufferSize     int
	DisableNoDelay bool
	ConnLimiter    ConnLimiter
}

// Server is a TCP server that accepts connections and feeds them to a broker.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	broker   *broker.Broker
	listener net.Listener
	connSem  chan struct{}
}

// New creates a new TCP server with the given configuration and broker.
func New(cfg Config, b *broker.Broker) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 8192
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		broker:  b,
		connSem: connSem,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// Open connections are then given ShutdownTimeout to end before they are
// closed.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))
	return listener, nil
}

func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if l := s.config.ConnLimiter; l != nil && !l.Allow(conn.RemoteAddr()) {
				s.config.Logger.Warn("connection rate exceeded", slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}
			if !s.tryAcquireConnectionSlot(ctx, conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := s.configureTCPConn(tcpConn); err != nil {
					s.config.Logger.Error("failed to configure TCP connection", slog.String("error", err.Error()))
					s.releaseConnectionSlot()
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

func (s *Server) tryAcquireConnectionSlot(ctx context.Context, conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		conn.Close()
		return false
	default:
		s.config.Logger.Warn("connection limit reached, rejecting connection",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

func (s *Server) releaseConnectionSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

// handleConnection reads the stream into the broker until either side
// ends it. A read error or an expired keep alive deadline counts as a
// lost connection, so the will of the client is published.
func (s *Server) handleConnection(connCtx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConnectionSlot()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.config.Logger.Debug("connection established", slog.String("remote", remote))

	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(s.config.ConnectTimeout))
		if err := tlsConn.Handshake(); err != nil {
			s.config.Logger.Error("TLS handshake failed", slog.String("remote", remote), slog.String("error", err.Error()))
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
	}

	bc := s.broker.NewConnection(&transport{conn: conn, writeTimeout: s.config.WriteTimeout})

	stop := context.AfterFunc(connCtx, func() { _ = bc.Close() })
	defer stop()

	buf := make([]byte, s.config.BufferSize)
	for {
		if err := conn.SetReadDeadline(s.readDeadline(bc)); err != nil {
			bc.Lost(err)
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := bc.Feed(buf[:n]); ferr != nil {
				s.config.Logger.Debug("connection closed", slog.String("remote", remote), slog.String("client_id", bc.ClientID()), slog.String("error", ferr.Error()))
				return
			}
		}
		if err != nil {
			bc.Lost(err)
			s.config.Logger.Debug("connection closed", slog.String("remote", remote), slog.String("client_id", bc.ClientID()))
			return
		}
	}
}

// readDeadline is ConnectTimeout until CONNECT, then one and a half keep
// alive intervals. A zero keep alive disables the deadline.
func (s *Server) readDeadline(bc *broker.Connection) time.Time {
	if bc.Version() == 0 {
		return time.Now().Add(s.config.ConnectTimeout)
	}
	if ka := bc.KeepAlive(); ka > 0 {
		return time.Now().Add(ka)
	}
	return time.Time{}
}

func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
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
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()

		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// transport is the broker side of one accepted stream.
type transport struct {
	conn         net.Conn
	writeTimeout time.Duration
}

func (t *transport) Write(b []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := t.conn.Write(b)
	return err
}

func (t *transport) Close() error {
	return t.conn.Close()
}

func (t *transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
