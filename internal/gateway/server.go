package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"procodus.dev/chipline-gateway/internal/ingest"
	"procodus.dev/chipline-gateway/internal/store"
	"procodus.dev/chipline-gateway/pkg/metrics"
	"procodus.dev/chipline-gateway/pkg/mq"
)

const shutdownTimeout = 10 * time.Second

// Server runs the whole gateway process: database, persistence engine,
// ingestion queue, writer, event sinks and device sessions.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	metrics *metrics.GatewayMetrics

	engine    *store.Engine
	queue     *ingest.Queue
	gateway   *Gateway
	sink      *QueueSink
	writerErr chan error
	ready     chan struct{}
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	DB *store.DBConfig

	Devices []DeviceEndpoint
	// ConnectAll connects every configured device on start.
	ConnectAll bool

	DialTimeout  time.Duration
	PollInterval time.Duration
	Framing      FramingMode
	MaxFrameSize int

	// QueueCapacity bounds the ingestion queue; 0 means unbounded.
	QueueCapacity int

	// RabbitMQ event stream, enabled when RabbitMQURL is set.
	RabbitMQURL string
	EventsQueue string

	// MetricsAddr enables the /metrics endpoint.
	MetricsAddr string

	// Metrics defaults to gateway metrics on the global registry.
	Metrics *metrics.GatewayMetrics
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.RabbitMQURL != "" && cfg.EventsQueue == "" {
		return nil, errors.New("events queue name cannot be empty")
	}

	if cfg.QueueCapacity < 0 {
		return nil, errors.New("queue capacity cannot be negative")
	}

	seen := make(map[uint32]struct{}, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("device id %d is configured twice", d.ID)
		}
		seen[d.ID] = struct{}{}
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NewGatewayMetrics(metrics.Namespace, nil)
	}

	return &Server{
		logger:  cfg.Logger,
		config:  cfg,
		metrics: m,
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once Run has started every component.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Gateway returns the device session manager. It is nil until Ready.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Run starts the server and blocks until a shutdown signal, ctx ends, or a
// component fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting gateway server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	db, err := store.NewDB(s.config.DB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	s.engine, err = store.NewEngine(&store.EngineConfig{
		DB:      db,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		_ = store.CloseDB(db, s.logger)
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	s.queue = ingest.NewQueue(s.config.QueueCapacity)

	writer, err := ingest.NewWriter(&ingest.WriterConfig{
		Logger:    s.logger,
		Queue:     s.queue,
		Persister: s.engine,
		Metrics:   s.metrics,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to initialize writer: %w", err), s.Shutdown())
	}

	// The writer drains the queue after Close, so it runs on its own context.
	s.writerErr = make(chan error, 1)
	go func() {
		s.writerErr <- writer.Run(context.WithoutCancel(ctx))
	}()

	sinks := MultiSink{LogSink{Logger: s.logger}}
	if s.config.RabbitMQURL != "" {
		publisher, err := mq.NewPublisher(&mq.PublisherConfig{
			Logger:  s.logger,
			URL:     s.config.RabbitMQURL,
			Queue:   s.config.EventsQueue,
			Metrics: metrics.NewMQMetrics(metrics.Namespace, nil),
		})
		if err != nil {
			return errors.Join(fmt.Errorf("failed to initialize event publisher: %w", err), s.Shutdown())
		}
		s.sink, err = NewQueueSink(&QueueSinkConfig{
			Logger:    s.logger,
			Publisher: publisher,
			Metrics:   s.metrics,
		})
		if err != nil {
			_ = publisher.Close()
			return errors.Join(fmt.Errorf("failed to initialize event sink: %w", err), s.Shutdown())
		}
		sinks = append(sinks, s.sink)
	}

	s.gateway, err = NewGateway(&GatewayConfig{
		Logger:       s.logger,
		Schema:       s.engine,
		Queue:        s.queue,
		Events:       sinks,
		Metrics:      s.metrics,
		DialTimeout:  s.config.DialTimeout,
		PollInterval: s.config.PollInterval,
		Framing:      s.config.Framing,
		MaxFrameSize: s.config.MaxFrameSize,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to initialize gateway: %w", err), s.Shutdown())
	}

	metricsErr := make(chan error, 1)
	if s.config.MetricsAddr != "" {
		go func() {
			metricsErr <- metrics.Serve(ctx, s.config.MetricsAddr, s.logger)
		}()
	}

	if s.config.ConnectAll {
		s.connectAll(ctx)
	}

	close(s.ready)
	s.logger.Info("gateway server started", "devices", len(s.config.Devices))

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-metricsErr:
		if err != nil {
			s.logger.Error("metrics server error", "error", err)
			return errors.Join(err, s.Shutdown())
		}
	case err := <-s.writerErr:
		// The writer only returns on its own when the queue is closed.
		s.writerErr = nil
		s.logger.Error("writer stopped unexpectedly", "error", err)
		return errors.Join(errors.New("writer stopped unexpectedly"), s.Shutdown())
	}

	cancel()
	return s.Shutdown()
}

// connectAll connects every configured device. Failures are logged and the
// device is left disconnected.
func (s *Server) connectAll(ctx context.Context) {
	for _, d := range s.config.Devices {
		if err := s.gateway.Connect(ctx, d); err != nil {
			s.logger.Error("failed to connect device", "device_id", d.ID, "device", d.Name, "error", err)
		}
	}
}

// Shutdown ends every session, drains the queue into the database and closes
// the event sink and the database. Errors are aggregated.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down gateway server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if s.gateway != nil {
		if err := s.gateway.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop sessions", "error", err)
			errs = append(errs, fmt.Errorf("gateway shutdown error: %w", err))
		}
	}

	if s.queue != nil {
		s.queue.Close()
	}

	if s.writerErr != nil {
		select {
		case err := <-s.writerErr:
			if err != nil {
				errs = append(errs, fmt.Errorf("writer error: %w", err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("writer did not drain: %w", ctx.Err()))
		}
	}

	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Error("failed to close event sink", "error", err)
			errs = append(errs, fmt.Errorf("event sink close error: %w", err))
		}
	}

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("gateway server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("gateway server shutdown completed successfully")
	return nil
}
