package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"procodus.dev/chipline-gateway/internal/mapper"
)

// ErrInvalidIdentifier is returned for table identities outside the
// identifier allow-list.
var ErrInvalidIdentifier = errors.New("invalid table identity")

// Table identities leave room for the "_yYYYYmMM" partition suffix within
// PostgreSQL's 63 byte identifier limit.
var tableIdentityPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,47}$`)

// ValidateTableIdentity checks a table identity against the allow-list.
func ValidateTableIdentity(table string) error {
	if !tableIdentityPattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}
	return nil
}

// dialect captures the per-backend differences of the telemetry schema.
type dialect struct {
	name        string
	partitioned bool
	intType     string
	textType    string
	keyColumns  []string
}

var (
	postgresDialect = dialect{
		name:        DriverPostgres,
		partitioned: true,
		intType:     "BIGINT",
		textType:    "TEXT",
		// The partition key must be part of every unique index on a
		// partitioned table.
		keyColumns: []string{mapper.ColLotName, mapper.ColSerial, mapper.ColEventDate},
	}
	sqliteDialect = dialect{
		name:       DriverSQLite,
		intType:    "INTEGER",
		textType:   "TEXT",
		keyColumns: []string{mapper.ColLotName, mapper.ColSerial},
	}
)

func dialectFor(name string) (dialect, error) {
	switch name {
	case DriverPostgres:
		return postgresDialect, nil
	case DriverSQLite:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database dialect %q", name)
	}
}

// eventDate returns the bind value for the event_date column.
func (d dialect) eventDate(t time.Time) any {
	if d.partitioned {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Format(time.DateOnly)
}

func quote(ident string) string {
	return `"` + ident + `"`
}

// createTableSQL builds the DDL for the wide telemetry table.
func (d dialect) createTableSQL(table string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quote(table))
	if d.partitioned {
		b.WriteString("\tlot_name TEXT NOT NULL,\n")
		b.WriteString("\tserial BIGINT NOT NULL,\n")
		b.WriteString("\tevent_date DATE NOT NULL,\n")
		b.WriteString("\tcreated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,\n")
		b.WriteString("\tupdated_at TIMESTAMPTZ,\n")
	} else {
		b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
		b.WriteString("\tlot_name TEXT NOT NULL,\n")
		b.WriteString("\tserial INTEGER NOT NULL,\n")
		b.WriteString("\tevent_date TEXT NOT NULL,\n")
		b.WriteString("\tcreated_at DATETIME DEFAULT CURRENT_TIMESTAMP,\n")
		b.WriteString("\tupdated_at DATETIME,\n")
	}
	fmt.Fprintf(&b, "\tmachine_name %s,\n", d.textType)
	fmt.Fprintf(&b, "\ttype_name %s", d.textType)

	for _, c := range mapper.Catalogue() {
		typ := d.intType
		if c.Kind == mapper.KindText {
			typ = d.textType
		}
		fmt.Fprintf(&b, ",\n\t%s %s", c.Name, typ)
	}
	b.WriteString("\n)")

	if d.partitioned {
		b.WriteString(" PARTITION BY RANGE (event_date)")
	}
	return b.String()
}

// keyIndexSQL builds the unique index the upsert conflicts on.
func (d dialect) keyIndexSQL(table string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote(table+"_key"), quote(table), strings.Join(d.keyColumns, ", "))
}

// monthStart truncates t to the first day of its month in UTC.
func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PartitionName names the monthly partition of table that holds month.
func PartitionName(table string, month time.Time) string {
	return fmt.Sprintf("%s_y%04dm%02d", table, month.Year(), int(month.Month()))
}

// partitionSQL builds the DDL for the monthly partition containing t.
func partitionSQL(table string, t time.Time) string {
	from := monthStart(t)
	to := from.AddDate(0, 1, 0)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		quote(PartitionName(table, from)), quote(table),
		from.Format(time.DateOnly), to.Format(time.DateOnly))
}

// EnsureSchema creates the telemetry table for table, its key index and, on
// partitioned backends, the partitions for the current and next month. It is
// idempotent.
func (e *Engine) EnsureSchema(ctx context.Context, table string) error {
	if err := ValidateTableIdentity(table); err != nil {
		return err
	}

	db := e.db.WithContext(ctx)
	if err := db.Exec(e.dialect.createTableSQL(table)).Error; err != nil {
		return &PersistenceError{Op: "create table", Table: table, Err: err}
	}
	if err := db.Exec(e.dialect.keyIndexSQL(table)).Error; err != nil {
		return &PersistenceError{Op: "create key index", Table: table, Err: err}
	}

	e.mu.Lock()
	e.tables[table] = struct{}{}
	e.mu.Unlock()

	if err := e.EnsurePartitions(ctx, table, e.now()); err != nil {
		return err
	}

	e.logger.Info("telemetry table ready", "table", table, "dialect", e.dialect.name)
	return nil
}

// EnsurePartitions creates the partitions covering the month of now and the
// month after it. It is a no-op on backends without partitioning.
func (e *Engine) EnsurePartitions(ctx context.Context, table string, now time.Time) error {
	if !e.dialect.partitioned {
		return nil
	}
	if err := ValidateTableIdentity(table); err != nil {
		return err
	}

	this := monthStart(now)
	for _, month := range []time.Time{this, this.AddDate(0, 1, 0)} {
		if err := e.db.WithContext(ctx).Exec(partitionSQL(table, month)).Error; err != nil {
			e.observePartition(table, "error")
			return &PersistenceError{Op: "create partition " + PartitionName(table, month), Table: table, Err: err}
		}
		e.observePartition(table, "success")
	}

	e.logger.Debug("partitions ensured", "table", table, "month", this.Format("2006-01"))
	return nil
}

// MaintainPartitions runs EnsurePartitions for every table this engine has
// created. Errors are logged and the first one is returned.
func (e *Engine) MaintainPartitions(ctx context.Context) error {
	e.mu.Lock()
	tables := make([]string, 0, len(e.tables))
	for t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	now := e.now()
	var first error
	for _, t := range tables {
		if err := e.EnsurePartitions(ctx, t, now); err != nil {
			e.logger.Error("partition maintenance failed", "table", t, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (e *Engine) observePartition(table, status string) {
	if e.metrics != nil {
		e.metrics.PartitionsEnsured.WithLabelValues(table, status).Inc()
	}
}
