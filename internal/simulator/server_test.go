package simulator_test

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/chipline-gateway/internal/gateway"
	"procodus.dev/chipline-gateway/internal/mapper"
	"procodus.dev/chipline-gateway/internal/simulator"
	"procodus.dev/chipline-gateway/pkg/metrics"
)

var _ = Describe("Simulator Server", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	station := func(code string) simulator.StationConfig {
		return simulator.StationConfig{Code: code, Listen: "127.0.0.1:0"}
	}

	Describe("NewServer", func() {
		DescribeTable("should reject invalid configuration",
			func(cfg *simulator.ServerConfig, msg string) {
				if cfg != nil && cfg.Logger == nil && msg != "logger is required" {
					cfg.Logger = logger
				}
				server, err := simulator.NewServer(cfg)
				Expect(err).To(MatchError(ContainSubstring(msg)))
				Expect(server).To(BeNil())
			},
			Entry("nil config", nil, "config cannot be nil"),
			Entry("nil logger", &simulator.ServerConfig{}, "logger is required"),
			Entry("no stations", &simulator.ServerConfig{Interval: time.Second}, "at least one station"),
			Entry("zero interval", &simulator.ServerConfig{
				Stations: []simulator.StationConfig{{Code: "U1", Listen: "127.0.0.1:0"}},
			}, "interval must be greater than 0"),
			Entry("unknown unit", &simulator.ServerConfig{
				Stations: []simulator.StationConfig{{Code: "U8", Listen: "127.0.0.1:0"}},
				Interval: time.Second,
			}, "unknown unit code"),
		)

		It("should fail when the address is taken", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = ln.Close() }()

			server, err := simulator.NewServer(&simulator.ServerConfig{
				Logger:   logger,
				Stations: []simulator.StationConfig{station("U1"), {Code: "U2", Listen: ln.Addr().String()}},
				Interval: time.Second,
			})
			Expect(err).To(MatchError(ContainSubstring("failed to listen for U2")))
			Expect(server).To(BeNil())
		})

		It("should bind one listener per station", func() {
			server, err := simulator.NewServer(&simulator.ServerConfig{
				Logger:   logger,
				Stations: []simulator.StationConfig{station("U1"), station("U7")},
				Interval: time.Second,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Addrs()).To(HaveLen(2))
			Expect(server.Shutdown()).To(Succeed())
		})
	})

	Describe("Run", func() {
		It("should stream frames the mapper understands", func() {
			m := metrics.NewSimulatorMetrics("test", prometheus.NewRegistry())
			server, err := simulator.NewServer(&simulator.ServerConfig{
				Logger:   logger,
				Stations: []simulator.StationConfig{station("U3")},
				Interval: 10 * time.Millisecond,
				Seed:     5,
				Metrics:  m,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()

			conn, err := net.Dial("tcp", server.Addrs()[0])
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()

			framer, err := gateway.NewFramer(gateway.FramingJSON, 0)
			Expect(err).NotTo(HaveOccurred())

			var frames [][]byte
			buf := make([]byte, 4096)
			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			for len(frames) < 3 {
				n, err := conn.Read(buf)
				Expect(err).NotTo(HaveOccurred())
				out, err := framer.Feed(buf[:n])
				Expect(err).NotTo(HaveOccurred())
				frames = append(frames, out...)
			}

			for i, f := range frames[:3] {
				res, err := mapper.Map(f)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Errors).To(BeEmpty())
				Expect(res.Assignments).NotTo(BeEmpty())
				Expect(res.Assignments[0].Serial).To(Equal(int64(i + 1)))
			}

			Eventually(func() float64 {
				return testutil.ToFloat64(m.FramesGenerated.WithLabelValues("U3"))
			}).Should(BeNumerically(">=", 3))
			Expect(testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("U3"))).To(Equal(1.0))

			cancel()
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})

		It("should close client connections on shutdown", func() {
			server, err := simulator.NewServer(&simulator.ServerConfig{
				Logger:   logger,
				Stations: []simulator.StationConfig{station("U6")},
				Interval: time.Hour,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()

			conn, err := net.Dial("tcp", server.Addrs()[0])
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()

			cancel()
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))

			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			_, err = conn.Read(make([]byte, 16))
			Expect(err).To(HaveOccurred())
		})

		It("should return immediately with a pre-canceled context", func() {
			server, err := simulator.NewServer(&simulator.ServerConfig{
				Logger:   logger,
				Stations: []simulator.StationConfig{station("U1")},
				Interval: time.Second,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()
			Eventually(done, time.Second).Should(Receive(BeNil()))
			Expect(server.Shutdown()).To(Succeed())
		})
	})
})
