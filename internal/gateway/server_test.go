package gateway_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/chipline-gateway/internal/gateway"
	"procodus.dev/chipline-gateway/internal/store"
	"procodus.dev/chipline-gateway/pkg/metrics"
)

var _ = Describe("Gateway Server", func() {
	var (
		logger *slog.Logger
		dbCfg  *store.DBConfig
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		dbCfg = &store.DBConfig{
			Logger: logger,
			Driver: store.DriverSQLite,
			Path:   filepath.Join(GinkgoT().TempDir(), "gateway.db"),
		}
	})

	Describe("NewServer", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				server, err := gateway.NewServer(nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
				Expect(server).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				server, err := gateway.NewServer(&gateway.ServerConfig{DB: dbCfg})
				Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
				Expect(server).To(BeNil())
			})

			It("should return error when database config is nil", func() {
				server, err := gateway.NewServer(&gateway.ServerConfig{Logger: logger})
				Expect(err).To(MatchError(ContainSubstring("database config cannot be nil")))
				Expect(server).To(BeNil())
			})

			It("should require an events queue with RabbitMQ", func() {
				server, err := gateway.NewServer(&gateway.ServerConfig{
					Logger:      logger,
					DB:          dbCfg,
					RabbitMQURL: "amqp://localhost:5672",
				})
				Expect(err).To(MatchError(ContainSubstring("events queue name cannot be empty")))
				Expect(server).To(BeNil())
			})

			It("should reject duplicate device ids", func() {
				dev := gateway.DeviceEndpoint{ID: 1, TableIdentity: "st", DeviceAddress: "127.0.0.1:5000"}
				server, err := gateway.NewServer(&gateway.ServerConfig{
					Logger:  logger,
					DB:      dbCfg,
					Devices: []gateway.DeviceEndpoint{dev, dev},
				})
				Expect(err).To(MatchError(ContainSubstring("configured twice")))
				Expect(server).To(BeNil())
			})

			It("should reject invalid devices", func() {
				server, err := gateway.NewServer(&gateway.ServerConfig{
					Logger:  logger,
					DB:      dbCfg,
					Devices: []gateway.DeviceEndpoint{{ID: 1, TableIdentity: "st", DeviceAddress: "nowhere"}},
				})
				Expect(err).To(HaveOccurred())
				Expect(server).To(BeNil())
			})
		})
	})

	Describe("Run", func() {
		It("should connect configured devices and shut down cleanly", func() {
			ctrl := newController()
			m := metrics.NewGatewayMetrics("test", prometheus.NewRegistry())

			server, err := gateway.NewServer(&gateway.ServerConfig{
				Logger: logger,
				DB:     dbCfg,
				Devices: []gateway.DeviceEndpoint{{
					ID:            3,
					Name:          "AC1",
					TableIdentity: "station_ac1",
					DeviceAddress: ctrl.Addr(),
				}},
				ConnectAll:   true,
				PollInterval: 20 * time.Millisecond,
				Metrics:      m,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()

			Eventually(server.Ready()).Should(BeClosed())
			conn := ctrl.accept()

			Expect(server.Gateway().Status()).To(ConsistOf(HaveField("Connected", true)))

			_, err = conn.Write([]byte(`{"LOT":"X","U3_A2_01":{"serial":11,"count":4}}`))
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() float64 {
				return testutil.ToFloat64(m.FramesTotal.WithLabelValues("3", "queued"))
			}).Should(Equal(1.0))

			// Shutdown drains the queue before closing the database.
			cancel()
			Eventually(done, 10*time.Second).Should(Receive(BeNil()))

			db, err := store.NewDB(dbCfg)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = store.CloseDB(db, logger) }()

			Eventually(func() int64 {
				var n int64
				_ = db.Table("station_ac1").Where("ac1_arm2_collet = ?", 4).Count(&n).Error
				return n
			}).Should(Equal(int64(1)))
		})
	})
})
