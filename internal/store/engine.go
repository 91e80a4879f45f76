package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/chipline-gateway/internal/ingest"
	"procodus.dev/chipline-gateway/internal/mapper"
	"procodus.dev/chipline-gateway/pkg/metrics"
)

const colUpdatedAt = "updated_at"

// PersistenceError reports a failed database operation.
type PersistenceError struct {
	Op    string
	Table string
	// Key is the frame key being written, if any.
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s on %s (key %s): %v", e.Op, e.Table, e.Key, e.Err)
	}
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// EngineConfig holds the configuration for the Engine.
type EngineConfig struct {
	DB     *gorm.DB
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *metrics.GatewayMetrics
	// Now overrides the clock used for partitions and updated_at.
	Now func() time.Time
}

// Engine writes mapped telemetry into the per-device wide tables.
type Engine struct {
	db      *gorm.DB
	dialect dialect
	logger  *slog.Logger
	metrics *metrics.GatewayMetrics
	now     func() time.Time

	mu     sync.Mutex
	tables map[string]struct{}
}

// NewEngine creates a new Engine instance. The dialect is taken from the
// database handle.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	d, err := dialectFor(cfg.DB.Dialector.Name())
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		db:      cfg.DB,
		dialect: d,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     now,
		tables:  make(map[string]struct{}),
	}, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	return CloseDB(e.db, e.logger)
}

// Write maps one frame and merges every assignment into its row inside a
// single transaction. A failing key is rolled back to its savepoint and
// counted; the remaining keys are still written. Decode and commit failures
// are returned.
func (e *Engine) Write(ctx context.Context, req ingest.WriteRequest) (ingest.WriteResult, error) {
	var res ingest.WriteResult
	table := req.TableIdentity

	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.WriteDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if err := ValidateTableIdentity(table); err != nil {
		e.observeWrite(table, "error")
		return res, err
	}

	mapped, err := mapper.Map([]byte(req.RawPayload))
	if err != nil {
		e.logger.Warn("dropping undecodable frame",
			"device_id", req.DeviceID,
			"table", table,
			"error", err,
		)
		e.observeWrite(table, "decode_error")
		return res, err
	}

	for _, merr := range mapped.Errors {
		e.logger.Warn("skipping unmapped key",
			"device_id", req.DeviceID,
			"key", merr.Key,
			"reason", merr.Reason,
		)
		e.observeKey("", "unmapped")
		res.Skipped++
	}
	for _, key := range mapped.Ignored {
		e.logger.Debug("key carried nothing to write", "device_id", req.DeviceID, "key", key)
		e.observeKey("", "ignored")
		res.Skipped++
	}

	if len(mapped.Assignments) == 0 {
		e.observeWrite(table, "success")
		return res, nil
	}

	eventDate := e.dialect.eventDate(req.Timestamp)
	updatedAt := e.now().UTC()

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, a := range mapped.Assignments {
			savepoint := fmt.Sprintf("key_%d", i)
			if err := tx.SavePoint(savepoint).Error; err != nil {
				return &PersistenceError{Op: "savepoint", Table: table, Key: a.Key, Err: err}
			}

			if err := e.upsert(tx, table, mapped, a, eventDate, updatedAt); err != nil {
				if rbErr := tx.RollbackTo(savepoint).Error; rbErr != nil {
					return &PersistenceError{Op: "rollback to savepoint", Table: table, Key: a.Key, Err: rbErr}
				}
				e.logger.Error("failed to write key",
					"device_id", req.DeviceID,
					"table", table,
					"key", a.Key,
					"lot", mapped.Lot,
					"serial", a.Serial,
					"error", err,
				)
				e.observeKey(a.Rule, "failed")
				res.Failed++
				continue
			}

			e.observeKey(a.Rule, "applied")
			res.Applied++
		}
		return nil
	})
	if err != nil {
		e.observeWrite(table, "error")
		// Nothing was committed.
		res.Failed += res.Applied
		res.Applied = 0
		return res, fmt.Errorf("failed to commit frame: %w", err)
	}

	e.observeWrite(table, "success")
	return res, nil
}

// upsert merges one assignment into the row keyed by (lot, serial), touching
// only the columns the assignment owns.
func (e *Engine) upsert(tx *gorm.DB, table string, m *mapper.Result, a mapper.Assignment, eventDate any, updatedAt time.Time) error {
	values := map[string]any{
		mapper.ColLotName:     m.Lot,
		mapper.ColSerial:      a.Serial,
		mapper.ColEventDate:   eventDate,
		mapper.ColMachineName: m.Machine,
		mapper.ColTypeName:    m.Type,
		colUpdatedAt:          updatedAt,
	}
	owned := []string{mapper.ColMachineName, mapper.ColTypeName, colUpdatedAt}

	for _, c := range a.Columns {
		if !mapper.ValidColumn(c.Name) {
			return fmt.Errorf("%w: column %q", ErrInvalidIdentifier, c.Name)
		}
		if _, dup := values[c.Name]; !dup {
			owned = append(owned, c.Name)
		}
		values[c.Name] = c.Value
	}

	if a.Counter != "" {
		if !mapper.ValidColumn(a.Counter) {
			return fmt.Errorf("%w: column %q", ErrInvalidIdentifier, a.Counter)
		}
		n, err := e.readCounter(tx, table, a.Counter, m.Lot, a.Serial, eventDate)
		if err != nil {
			return err
		}
		values[a.Counter] = n + 1
		owned = append(owned, a.Counter)
	}

	conflict := make([]clause.Column, len(e.dialect.keyColumns))
	for i, k := range e.dialect.keyColumns {
		conflict[i] = clause.Column{Name: k}
	}

	err := tx.Table(table).Clauses(clause.OnConflict{
		Columns:   conflict,
		DoUpdates: clause.AssignmentColumns(owned),
	}).Create(values).Error
	if err != nil {
		return fmt.Errorf("failed to upsert row: %w", err)
	}
	return nil
}

// readCounter returns the stored counter for the key, or 0 when the row does
// not exist or the counter is NULL.
func (e *Engine) readCounter(tx *gorm.DB, table, column, lot string, serial int64, eventDate any) (int64, error) {
	q := tx.Table(table).Select(column).Where(mapper.ColLotName+" = ? AND "+mapper.ColSerial+" = ?", lot, serial)
	if e.dialect.partitioned {
		q = q.Where(mapper.ColEventDate+" = ?", eventDate)
	}

	var n sql.NullInt64
	if err := q.Limit(1).Row().Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", column, err)
	}
	return n.Int64, nil
}

func (e *Engine) observeWrite(table, status string) {
	if e.metrics != nil {
		e.metrics.WritesTotal.WithLabelValues(table, status).Inc()
	}
}

func (e *Engine) observeKey(rule mapper.Rule, status string) {
	if e.metrics != nil {
		e.metrics.KeyUpsertsTotal.WithLabelValues(string(rule), status).Inc()
	}
}
