package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"procodus.dev/chipline-gateway/pkg/metrics"
)

// DefaultMaintenanceInterval is how often the writer re-runs partition
// maintenance.
const DefaultMaintenanceInterval = time.Hour

// Persister stores write requests. It is implemented by the persistence
// engine.
type Persister interface {
	Write(ctx context.Context, req WriteRequest) (WriteResult, error)
	MaintainPartitions(ctx context.Context) error
}

// WriterConfig holds the configuration for the Writer.
type WriterConfig struct {
	Logger    *slog.Logger
	Queue     *Queue
	Persister Persister
	// Metrics is optional.
	Metrics *metrics.GatewayMetrics
	// MaintenanceInterval defaults to DefaultMaintenanceInterval.
	MaintenanceInterval time.Duration
}

// Writer is the sole consumer of the queue and the sole database writer.
type Writer struct {
	logger      *slog.Logger
	queue       *Queue
	persister   Persister
	metrics     *metrics.GatewayMetrics
	maintenance time.Duration
}

// NewWriter creates a new Writer instance.
func NewWriter(cfg *WriterConfig) (*Writer, error) {
	if cfg == nil {
		return nil, errors.New("writer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}

	if cfg.Persister == nil {
		return nil, errors.New("persister cannot be nil")
	}

	interval := cfg.MaintenanceInterval
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}

	return &Writer{
		logger:      cfg.Logger,
		queue:       cfg.Queue,
		persister:   cfg.Persister,
		metrics:     cfg.Metrics,
		maintenance: interval,
	}, nil
}

// Run processes requests one at a time until ctx is canceled or the queue is
// closed. A closed queue is drained before Run returns nil.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("writer started")

	ticker := time.NewTicker(w.maintenance)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			w.logger.Info("context canceled, writer stopping", "pending", w.queue.Len())
			return ctx.Err()
		}

		if req, ok := w.queue.TryDequeue(); ok {
			w.handle(ctx, req)
			continue
		}

		select {
		case <-ctx.Done():
		case <-w.queue.Ready():
		case <-ticker.C:
			if err := w.persister.MaintainPartitions(ctx); err != nil {
				w.logger.Error("partition maintenance failed", "error", err)
			}
		case <-w.queue.Done():
			w.drain(ctx)
			w.logger.Info("queue closed, writer stopped")
			return nil
		}
	}
}

func (w *Writer) drain(ctx context.Context) {
	for ctx.Err() == nil {
		req, ok := w.queue.TryDequeue()
		if !ok {
			return
		}
		w.handle(ctx, req)
	}
}

func (w *Writer) handle(ctx context.Context, req WriteRequest) {
	if w.metrics != nil {
		w.metrics.QueueDepth.Set(float64(w.queue.Len()))
	}

	res, err := w.persister.Write(ctx, req)
	if err != nil {
		w.logger.Error("failed to persist frame",
			"device_id", req.DeviceID,
			"table", req.TableIdentity,
			"error", err,
		)
		return
	}

	w.logger.Debug("frame persisted",
		"device_id", req.DeviceID,
		"table", req.TableIdentity,
		"applied", res.Applied,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
}
