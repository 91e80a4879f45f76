package metrics_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/chipline-gateway/pkg/metrics"
)

var _ = Describe("Metrics", func() {
	Describe("constructors", func() {
		It("should register gateway metrics with the given registry", func() {
			reg := prometheus.NewRegistry()
			m := metrics.NewGatewayMetrics("test", reg)
			m.FramesTotal.WithLabelValues("1", "queued").Inc()

			Expect(testutil.CollectAndCount(m.FramesTotal)).To(Equal(1))
			count, err := testutil.GatherAndCount(reg, "test_session_frames_total")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))
		})

		It("should panic on duplicate registration", func() {
			reg := prometheus.NewRegistry()
			metrics.NewMQMetrics("test", reg)
			Expect(func() { metrics.NewMQMetrics("test", reg) }).To(Panic())
		})

		It("should register simulator metrics", func() {
			reg := prometheus.NewRegistry()
			m := metrics.NewSimulatorMetrics("test", reg)
			m.ActiveConnections.Set(2)
			Expect(testutil.ToFloat64(m.ActiveConnections)).To(Equal(2.0))
		})
	})

	Describe("Handler", func() {
		It("should expose metrics registered on the global registry", func() {
			m := metrics.NewSimulatorMetrics(metrics.Namespace, nil)
			m.FramesGenerated.WithLabelValues("U1").Inc()

			rec := httptest.NewRecorder()
			metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

			body, err := io.ReadAll(rec.Result().Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`chipline_simulator_frames_generated_total{unit="U1"} 1`))
			Expect(string(body)).To(ContainSubstring("go_goroutines"))
		})
	})

	Describe("Serve", func() {
		logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

		It("should require an address", func() {
			Expect(metrics.Serve(context.Background(), "", logger)).To(MatchError(ContainSubstring("cannot be empty")))
		})

		It("should stop when the context is canceled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- metrics.Serve(ctx, "127.0.0.1:0", logger) }()

			time.Sleep(50 * time.Millisecond)
			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})

		It("should report a listen failure", func() {
			Expect(metrics.Serve(context.Background(), "256.0.0.1:1", logger)).To(HaveOccurred())
		})
	})
})
