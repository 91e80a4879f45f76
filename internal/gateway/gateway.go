// Package gateway keeps TCP sessions to the line's station controllers and
// feeds every received frame to the ingestion queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"procodus.dev/chipline-gateway/internal/ingest"
	"procodus.dev/chipline-gateway/internal/store"
	"procodus.dev/chipline-gateway/pkg/logger"
	"procodus.dev/chipline-gateway/pkg/metrics"
)

// Defaults for GatewayConfig.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// DeviceEndpoint describes one station controller.
type DeviceEndpoint struct {
	ID            uint32 `mapstructure:"id"`
	Name          string `mapstructure:"name"`
	TableIdentity string `mapstructure:"table"`
	DeviceAddress string `mapstructure:"address"`
	// HostAddress is the local IP the connection should originate from.
	HostAddress string `mapstructure:"host_address"`
}

// Validate checks the endpoint before any socket is opened.
func (e DeviceEndpoint) Validate() error {
	if err := store.ValidateTableIdentity(e.TableIdentity); err != nil {
		return fmt.Errorf("device %d: %w", e.ID, err)
	}

	host, port, err := net.SplitHostPort(e.DeviceAddress)
	if err != nil {
		return fmt.Errorf("device %d: invalid address %q: %w", e.ID, e.DeviceAddress, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("device %d: address %q must be host:port", e.ID, e.DeviceAddress)
	}

	if e.HostAddress != "" && net.ParseIP(e.HostAddress) == nil {
		return fmt.Errorf("device %d: host address %q is not an IP", e.ID, e.HostAddress)
	}
	return nil
}

// SchemaManager prepares the table a device writes into.
type SchemaManager interface {
	EnsureSchema(ctx context.Context, table string) error
}

// GatewayConfig holds the configuration for the Gateway.
type GatewayConfig struct {
	Logger *slog.Logger
	Schema SchemaManager
	Queue  *ingest.Queue

	// Registry defaults to a new, empty registry.
	Registry *Registry
	// Events defaults to a LogSink.
	Events EventSink
	// Metrics is optional.
	Metrics *metrics.GatewayMetrics

	DialTimeout  time.Duration
	PollInterval time.Duration
	Framing      FramingMode
	MaxFrameSize int

	// Now overrides the clock used for frame timestamps.
	Now func() time.Time
}

// Gateway manages the device sessions.
type Gateway struct {
	logger   *slog.Logger
	schema   SchemaManager
	queue    *ingest.Queue
	registry *Registry
	events   EventSink
	metrics  *metrics.GatewayMetrics
	now      func() time.Time

	dialTimeout  time.Duration
	pollInterval time.Duration
	framing      FramingMode
	maxFrameSize int

	sessionSeq atomic.Uint64

	mu     sync.Mutex
	closed bool
	live   map[uint32]*session
	wg     sync.WaitGroup
}

// NewGateway creates a new Gateway instance.
func NewGateway(cfg *GatewayConfig) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Schema == nil {
		return nil, errors.New("schema manager cannot be nil")
	}

	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}

	// Fail early on a bad framing mode rather than on the first connect.
	if _, err := NewFramer(cfg.Framing, cfg.MaxFrameSize); err != nil {
		return nil, err
	}

	g := &Gateway{
		logger:       cfg.Logger,
		schema:       cfg.Schema,
		queue:        cfg.Queue,
		registry:     cfg.Registry,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		dialTimeout:  cfg.DialTimeout,
		pollInterval: cfg.PollInterval,
		framing:      cfg.Framing,
		maxFrameSize: cfg.MaxFrameSize,
		live:         make(map[uint32]*session),
	}

	if g.registry == nil {
		g.registry = NewRegistry()
	}
	if g.events == nil {
		g.events = LogSink{Logger: cfg.Logger}
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.dialTimeout <= 0 {
		g.dialTimeout = DefaultDialTimeout
	}
	if g.pollInterval <= 0 {
		g.pollInterval = DefaultPollInterval
	}

	return g, nil
}

// Connect opens a session to the device. It returns once the session is
// registered; frames are received on a separate goroutine.
func (g *Gateway) Connect(ctx context.Context, ep DeviceEndpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}

	if g.isClosed() {
		return ErrGatewayClosed
	}

	log := logger.ForDevice(g.logger, ep.ID, ep.Name, ep.DeviceAddress)

	if err := g.registry.Reserve(ep.ID); err != nil {
		g.observeConnect(ep.ID, "already_connected")
		return fmt.Errorf("device %d: %w", ep.ID, err)
	}
	defer g.registry.Release(ep.ID)

	conn, err := g.dial(ctx, ep, log)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			g.observeConnect(ep.ID, "timeout")
		} else {
			g.observeConnect(ep.ID, "refused")
		}
		log.Warn("failed to connect to device", "error", err)
		return err
	}

	if err := g.schema.EnsureSchema(ctx, ep.TableIdentity); err != nil {
		_ = conn.Close()
		g.observeConnect(ep.ID, "schema_error")
		log.Error("failed to prepare device table", "table", ep.TableIdentity, "error", err)
		return err
	}

	framer, err := NewFramer(g.framing, g.maxFrameSize)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s := &session{
		gw:       g,
		endpoint: ep,
		conn:     conn,
		number:   g.sessionSeq.Add(1),
		framer:   framer,
		logger:   log,
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		return ErrGatewayClosed
	}
	g.registry.Set(ep.ID, ConnectionState{
		DeviceAddress: ep.DeviceAddress,
		HostAddress:   ep.HostAddress,
		Connected:     true,
		Session:       s.number,
		ConnectedAt:   g.now(),
	})
	g.live[ep.ID] = s
	g.wg.Add(1)
	g.mu.Unlock()

	// Counted before the loop starts so its Dec can never come first.
	if g.metrics != nil {
		g.metrics.SessionsActive.Inc()
	}
	go s.run()

	g.observeConnect(ep.ID, "success")
	log.Info("device connected", "session", s.number, "local_address", conn.LocalAddr().String())
	return nil
}

// dial connects to the device, originating from its host address when that
// address can be bound locally.
func (g *Gateway) dial(ctx context.Context, ep DeviceEndpoint, log *slog.Logger) (net.Conn, error) {
	dialer := net.Dialer{Timeout: g.dialTimeout}

	if ep.HostAddress != "" {
		if err := probeBind(ep.HostAddress); err != nil {
			log.Warn("cannot bind host address, dialing from default interface",
				"host_address", ep.HostAddress,
				"error", err,
			)
		} else {
			dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(ep.HostAddress)}
		}
	}

	conn, err := dialer.DialContext(ctx, "tcp", ep.DeviceAddress)
	if err == nil {
		return conn, nil
	}

	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s: %w", ErrTimeout, ep.DeviceAddress, err)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrConnectionRefused, ep.DeviceAddress, err)
}

// probeBind checks that ip is a local address by listening on an ephemeral
// port and closing the listener again.
func probeBind(ip string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return err
	}
	return ln.Close()
}

// Disconnect asks the session of id to stop. The receive loop notices within
// one poll interval, closes the socket and emits the disconnect event.
func (g *Gateway) Disconnect(id uint32) error {
	if !g.registry.MarkDisconnected(id) {
		return fmt.Errorf("device %d: %w", id, ErrNotConnected)
	}
	g.logger.Info("device disconnect requested", "device_id", id)
	return nil
}

// Status returns the connection state of every device seen so far.
func (g *Gateway) Status() []ConnectionState {
	return g.registry.Snapshot()
}

// Shutdown stops accepting connects, ends every session and waits for the
// receive loops to exit or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*session, 0, len(g.live))
	for _, s := range g.live {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	g.logger.Info("shutting down gateway", "sessions", len(sessions))

	for _, s := range sessions {
		g.registry.MarkDisconnected(s.endpoint.ID)
		// Wake a blocked read instead of waiting out the poll interval.
		_ = s.conn.SetReadDeadline(time.Now())
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("gateway shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop sessions: %w", ctx.Err())
	}
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// sessionEnded drops s from the live set unless a newer session replaced it.
func (g *Gateway) sessionEnded(s *session) {
	g.mu.Lock()
	if g.live[s.endpoint.ID] == s {
		delete(g.live, s.endpoint.ID)
	}
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SessionsActive.Dec()
	}
}

func (g *Gateway) observeConnect(id uint32, result string) {
	if g.metrics != nil {
		g.metrics.ConnectsTotal.WithLabelValues(deviceLabel(id), result).Inc()
	}
}

func deviceLabel(id uint32) string {
	return fmt.Sprintf("%d", id)
}
