package store_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"procodus.dev/chipline-gateway/internal/ingest"
	"procodus.dev/chipline-gateway/internal/mapper"
	"procodus.dev/chipline-gateway/internal/store"
	"procodus.dev/chipline-gateway/pkg/metrics"
)

const table = "station_dc1"

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		db     *gorm.DB
		engine *store.Engine
		m      *metrics.GatewayMetrics
		now    time.Time
	)

	write := func(payload string) ingest.WriteResult {
		GinkgoHelper()
		res, err := engine.Write(ctx, ingest.WriteRequest{
			DeviceID:      1,
			TableIdentity: table,
			Timestamp:     now,
			RawPayload:    payload,
		})
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	countRows := func() int64 {
		GinkgoHelper()
		var n int64
		Expect(db.Table(table).Count(&n).Error).To(Succeed())
		return n
	}

	intColumn := func(column, lot string, serial int64) sql.NullInt64 {
		GinkgoHelper()
		var v sql.NullInt64
		err := db.Table(table).Select(column).
			Where("lot_name = ? AND serial = ?", lot, serial).
			Row().Scan(&v)
		Expect(err).NotTo(HaveOccurred())
		return v
	}

	textColumn := func(column, lot string, serial int64) sql.NullString {
		GinkgoHelper()
		var v sql.NullString
		err := db.Table(table).Select(column).
			Where("lot_name = ? AND serial = ?", lot, serial).
			Row().Scan(&v)
		Expect(err).NotTo(HaveOccurred())
		return v
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		now = time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

		var err error
		db, err = store.NewDB(&store.DBConfig{
			Logger: logger,
			Driver: store.DriverSQLite,
			Path:   ":memory:",
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.CloseDB, db, logger)

		m = metrics.NewGatewayMetrics("test", prometheus.NewRegistry())
		engine, err = store.NewEngine(&store.EngineConfig{
			DB:      db,
			Logger:  logger,
			Metrics: m,
			Now:     func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(engine.EnsureSchema(ctx, table)).To(Succeed())
	})

	Describe("NewEngine", func() {
		It("should return error when config is nil", func() {
			e, err := store.NewEngine(nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
			Expect(e).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			e, err := store.NewEngine(&store.EngineConfig{DB: db})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger cannot be nil"))
			Expect(e).To(BeNil())
		})

		It("should return error when database is nil", func() {
			e, err := store.NewEngine(&store.EngineConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("database cannot be nil"))
			Expect(e).To(BeNil())
		})
	})

	Describe("EnsureSchema", func() {
		It("should be idempotent", func() {
			Expect(engine.EnsureSchema(ctx, table)).To(Succeed())
			Expect(engine.EnsureSchema(ctx, table)).To(Succeed())
			Expect(db.Migrator().HasTable(table)).To(BeTrue())
		})

		It("should create every catalogue column", func() {
			columns, err := db.Migrator().ColumnTypes(table)
			Expect(err).NotTo(HaveOccurred())

			names := make([]string, 0, len(columns))
			for _, c := range columns {
				names = append(names, c.Name())
			}
			Expect(names).To(ContainElements("lot_name", "serial", "machine_name", "type_name", "event_date"))
			for _, c := range mapper.Catalogue() {
				Expect(names).To(ContainElement(c.Name))
			}
		})

		It("should reject table identities outside the allow-list", func() {
			for _, bad := range []string{"", "Station", "1station", "st-1", "st; DROP TABLE x", "a23456789012345678901234567890123456789012345678x"} {
				err := engine.EnsureSchema(ctx, bad)
				Expect(errors.Is(err, store.ErrInvalidIdentifier)).To(BeTrue(), bad)
			}
		})

		It("should skip partitions on sqlite", func() {
			Expect(engine.EnsurePartitions(ctx, table, now)).To(Succeed())
			Expect(engine.MaintainPartitions(ctx)).To(Succeed())
		})
	})

	Describe("Write", func() {
		It("should merge reports from different stations into one row", func() {
			res := write(`{"LOT":"L001","TYPE":"T-9","MACHINE":3,
				"U1_TR_01":{"serial":100,"wano":1,"wax":2,"way":3,"date":"2025-03-14 09:29:58",
					"trayid":"TR-7","trayarm":"L","px":4,"py":5,"pax":-6,"pay":7}}`)
			Expect(res).To(Equal(ingest.WriteResult{Applied: 1}))

			res = write(`{"LOT":"L001","TYPE":"T-9","MACHINE":3,"U2_A1_01":{"serial":100,"count":7}}`)
			Expect(res.Applied).To(Equal(1))

			Expect(countRows()).To(Equal(int64(1)))
			Expect(intColumn("wano", "L001", 100).Int64).To(Equal(int64(1)))
			Expect(intColumn("ld_tray_align_x", "L001", 100).Int64).To(Equal(int64(-6)))
			Expect(textColumn("ld_trayid", "L001", 100).String).To(Equal("TR-7"))
			Expect(intColumn("dc1_arm1_collet", "L001", 100).Int64).To(Equal(int64(7)))
			Expect(textColumn("machine_name", "L001", 100).String).To(Equal("3"))
			Expect(textColumn("event_date", "L001", 100).String).To(Equal("2025-03-14"))

			// Columns no report has written stay NULL.
			Expect(intColumn("dc1_arm2_collet", "L001", 100).Valid).To(BeFalse())
		})

		It("should keep rows apart per lot and serial", func() {
			write(`{"LOT":"L001","U2_A1_01":{"serial":1,"count":1}}`)
			write(`{"LOT":"L001","U2_A1_01":{"serial":2,"count":2}}`)
			write(`{"LOT":"L002","U2_A1_01":{"serial":1,"count":3}}`)

			Expect(countRows()).To(Equal(int64(3)))
			Expect(intColumn("dc1_arm1_collet", "L002", 1).Int64).To(Equal(int64(3)))
		})

		It("should advance the chip alignment counter on every unload report", func() {
			frame := `{"LOT":"L001","U7_CI_01":{"serial":55,"px":1,"py":2,"cax":3,"cay":4,"date":"d"}}`

			write(frame)
			Expect(intColumn(mapper.ColChipAlignNum, "L001", 55).Int64).To(Equal(int64(1)))

			write(frame)
			Expect(intColumn(mapper.ColChipAlignNum, "L001", 55).Int64).To(Equal(int64(2)))
			Expect(intColumn("uld_chip_align_y", "L001", 55).Int64).To(Equal(int64(4)))
		})

		It("should start the counter at one on a row created by another report", func() {
			write(`{"LOT":"L001","U7_PI_01":{"serial":9,"trayid":"OUT-1","px":1,"py":1}}`)
			Expect(intColumn(mapper.ColChipAlignNum, "L001", 9).Valid).To(BeFalse())

			write(`{"LOT":"L001","U7_CI_01":{"serial":9}}`)
			Expect(intColumn(mapper.ColChipAlignNum, "L001", 9).Int64).To(Equal(int64(1)))
			Expect(textColumn("uld_trayid", "L001", 9).String).To(Equal("OUT-1"))
		})

		It("should key alarms on the first non-zero serial", func() {
			res := write(`{"LOT":"L001","U3_AL_01":{"serial":[0,0,42,43],"alarm_num":12}}`)
			Expect(res.Applied).To(Equal(1))
			Expect(intColumn("ac1_alarm", "L001", 42).Int64).To(Equal(int64(12)))
		})

		It("should write nothing for an alarm without serials", func() {
			res := write(`{"LOT":"L001","U3_AL_01":{"serial":[0,0],"alarm_num":12}}`)
			Expect(res).To(Equal(ingest.WriteResult{Skipped: 1}))
			Expect(countRows()).To(BeZero())
		})

		It("should skip unmapped keys and write the rest", func() {
			res := write(`{"LOT":"L001","U9_A1_01":{"serial":1,"count":1},"U2_A1_01":{"serial":1,"count":5}}`)
			Expect(res).To(Equal(ingest.WriteResult{Applied: 1, Skipped: 1}))
			Expect(intColumn("dc1_arm1_collet", "L001", 1).Int64).To(Equal(int64(5)))

			Expect(testutil.ToFloat64(m.KeyUpsertsTotal.WithLabelValues("", "unmapped"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.KeyUpsertsTotal.WithLabelValues(string(mapper.RuleArm1Collet), "applied"))).To(Equal(1.0))
		})

		It("should fill defaults for missing sub-fields", func() {
			write(`{"U2_TS_01":{"serial":77}}`)

			Expect(intColumn("dc1_test_bin", mapper.Unknown, 77).Int64).To(Equal(int64(-1)))
			Expect(textColumn("dc1_probe_serial", mapper.Unknown, 77).String).To(Equal(mapper.Unknown))
			Expect(textColumn("type_name", mapper.Unknown, 77).String).To(Equal(mapper.Unknown))
		})

		It("should return decode errors and write nothing", func() {
			_, err := engine.Write(ctx, ingest.WriteRequest{
				TableIdentity: table,
				Timestamp:     now,
				RawPayload:    `{"LOT":`,
			})
			Expect(errors.Is(err, mapper.ErrDecode)).To(BeTrue())
			Expect(countRows()).To(BeZero())
			Expect(testutil.ToFloat64(m.WritesTotal.WithLabelValues(table, "decode_error"))).To(Equal(1.0))
		})

		It("should roll back a failing key and keep the others", func() {
			// A table that lacks the test-stage columns makes that key fail.
			Expect(db.Exec(`CREATE TABLE "narrow" (
				lot_name TEXT NOT NULL, serial INTEGER NOT NULL, event_date TEXT,
				created_at DATETIME, updated_at DATETIME,
				machine_name TEXT, type_name TEXT, dc1_arm1_collet INTEGER)`).Error).To(Succeed())
			Expect(db.Exec(`CREATE UNIQUE INDEX "narrow_key" ON "narrow" (lot_name, serial)`).Error).To(Succeed())

			res, err := engine.Write(ctx, ingest.WriteRequest{
				TableIdentity: "narrow",
				Timestamp:     now,
				RawPayload:    `{"LOT":"L1","U2_A1_01":{"serial":1,"count":2},"U2_TS_01":{"serial":1}}`,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(ingest.WriteResult{Applied: 1, Failed: 1}))

			var collet sql.NullInt64
			Expect(db.Table("narrow").Select("dc1_arm1_collet").Row().Scan(&collet)).To(Succeed())
			Expect(collet.Int64).To(Equal(int64(2)))
		})

		It("should reject an invalid table identity", func() {
			_, err := engine.Write(ctx, ingest.WriteRequest{TableIdentity: "Bad-Name", RawPayload: `{}`})
			Expect(errors.Is(err, store.ErrInvalidIdentifier)).To(BeTrue())
		})
	})

	Describe("PartitionName", func() {
		It("should name monthly partitions", func() {
			Expect(store.PartitionName("station_dc1", now)).To(Equal("station_dc1_y2025m03"))
		})
	})
})
