// Package simulator serves synthetic station controller streams over TCP so
// the gateway can be exercised without a production line.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/chipline-gateway/pkg/generator"
	"procodus.dev/chipline-gateway/pkg/metrics"
)

// StationConfig describes one simulated controller.
type StationConfig struct {
	// Code is the unit code the controller reports as (U1..U7).
	Code string `mapstructure:"code"`
	// Listen is the TCP address to accept the gateway on.
	Listen string `mapstructure:"listen"`
}

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Stations lists the controllers to simulate
	Stations []StationConfig
	// Interval is the time between frames on each connection
	Interval time.Duration
	// LotSize is the number of chips per lot; 0 uses the generator default
	LotSize int
	// AlarmRate is the probability that a frame carries an alarm
	AlarmRate float64
	// Seed makes the streams reproducible; 0 picks a random seed
	Seed uint64
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
}

// Server runs one listener per simulated controller.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	metrics   *metrics.SimulatorMetrics
	listeners []net.Listener
	wg        sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closeOnce sync.Once
}

var (
	errNoStations      = errors.New("at least one station is required")
	errInvalidInterval = errors.New("interval must be greater than 0")
	errLoggerRequired  = errors.New("logger is required")
)

// NewServer validates cfg and binds every station listener.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if len(cfg.Stations) == 0 {
		return nil, errNoStations
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	for _, st := range cfg.Stations {
		// Surface bad codes before binding anything.
		if _, err := generator.NewStation(st.Code, 1); err != nil {
			return nil, err
		}
	}

	s := &Server{
		logger:  cfg.Logger,
		config:  cfg,
		metrics: cfg.Metrics,
		conns:   make(map[net.Conn]struct{}),
	}

	for _, st := range cfg.Stations {
		ln, err := net.Listen("tcp", st.Listen)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("failed to listen for %s on %s: %w", st.Code, st.Listen, err)
		}
		s.listeners = append(s.listeners, ln)
		s.logger.Info("simulated station listening", "unit", st.Code, "address", ln.Addr().String())
	}

	return s, nil
}

// Addrs returns the bound listener addresses in station order.
func (s *Server) Addrs() []string {
	out := make([]string, len(s.listeners))
	for i, ln := range s.listeners {
		out[i] = ln.Addr().String()
	}
	return out
}

// Run accepts gateway connections and streams frames until a shutdown signal
// is received or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for i, ln := range s.listeners {
		s.wg.Add(1)
		go s.accept(ctx, ln, s.config.Stations[i], uint64(i))
	}

	s.logger.Info("simulator started",
		"stations", len(s.listeners),
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	cancel()
	return s.Shutdown()
}

func (s *Server) accept(ctx context.Context, ln net.Listener, st StationConfig, offset uint64) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "unit", st.Code, "error", err)
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}

		seed := s.config.Seed
		if seed != 0 {
			seed += offset
		}

		s.wg.Add(1)
		go s.stream(ctx, conn, st, seed)
	}
}

// track registers conn for shutdown; it reports false once shutdown started.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// stream writes one frame per interval to conn until the peer goes away or
// ctx ends.
func (s *Server) stream(ctx context.Context, conn net.Conn, st StationConfig, seed uint64) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	logger := s.logger.With(slog.String("unit", st.Code), slog.String("peer", conn.RemoteAddr().String()))

	station, err := generator.NewStation(st.Code, seed)
	if err != nil {
		logger.Error("failed to create station generator", "error", err)
		return
	}
	station.SetLotSize(s.config.LotSize)
	station.AlarmRate = s.config.AlarmRate

	if s.metrics != nil {
		s.metrics.ConnectionsTotal.WithLabelValues(st.Code).Inc()
		s.metrics.ActiveConnections.Inc()
		defer s.metrics.ActiveConnections.Dec()
	}
	logger.Info("gateway connected")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			frame, err := station.Next(now)
			if err != nil {
				s.observeFailure(st.Code, "generate_error")
				logger.Error("failed to generate frame", "error", err)
				continue
			}

			if _, err := conn.Write(frame); err != nil {
				s.observeFailure(st.Code, "write_error")
				logger.Info("gateway disconnected", "error", err)
				return
			}

			if s.metrics != nil {
				s.metrics.FramesGenerated.WithLabelValues(st.Code).Inc()
			}
			logger.Debug("frame sent", "lot", station.Lot().Name, "serial", station.Serial())
		}
	}
}

func (s *Server) observeFailure(unit, reason string) {
	if s.metrics != nil {
		s.metrics.GenerationFailures.WithLabelValues(unit, reason).Inc()
	}
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

// Shutdown closes every listener and connection and waits for the streams
// to stop. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.closeOnce.Do(func() {
		s.logger.Info("shutting down simulator")
		s.closeListeners()

		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.conns = nil
		s.mu.Unlock()
	})

	s.wg.Wait()
	s.logger.Info("simulator stopped")
	return nil
}
