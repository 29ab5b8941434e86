// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness and broker statistics over
// HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mqttcore/mqtt/broker"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config Config
	broker *broker.Broker
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// Addr returns the listener's network address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health check server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// StatsResponse is a snapshot of the broker counters.
type StatsResponse struct {
	Uptime             string `json:"uptime"`
	Sessions           int    `json:"sessions"`
	Connected          int    `json:"connected"`
	TotalConnections   uint64 `json:"total_connections"`
	CurrentConnections int64  `json:"current_connections"`
	Disconnections     uint64 `json:"disconnections"`
	PublishReceived    uint64 `json:"publish_received"`
	PublishSent        uint64 `json:"publish_sent"`
	BytesReceived      uint64 `json:"bytes_received"`
	BytesSent          uint64 `json:"bytes_sent"`
	Dropped            uint64 `json:"dropped"`
	Subscriptions      int64  `json:"subscriptions"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
	AuthErrors         uint64 `json:"auth_errors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// handleReady reports not ready once the broker is shutting down.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	switch {
	case s.broker == nil:
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "broker not initialized"})
	case s.broker.Closed():
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "broker shutting down"})
	default:
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.broker == nil {
		http.Error(w, "broker not initialized", http.StatusServiceUnavailable)
		return
	}
	st := s.broker.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Uptime:             time.Since(st.StartTime()).Truncate(time.Second).String(),
		Sessions:           s.broker.SessionCount(),
		Connected:          s.broker.ConnectedCount(),
		TotalConnections:   st.TotalConnections(),
		CurrentConnections: st.CurrentConnections(),
		Disconnections:     st.Disconnections(),
		PublishReceived:    st.PublishReceived(),
		PublishSent:        st.PublishSent(),
		BytesReceived:      st.BytesReceived(),
		BytesSent:          st.BytesSent(),
		Dropped:            st.Dropped(),
		Subscriptions:      st.Subscriptions(),
		ProtocolErrors:     st.ProtocolErrors(),
		AuthErrors:         st.AuthErrors(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
