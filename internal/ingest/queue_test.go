package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/chipline-gateway/internal/ingest"
)

func request(device uint32, seq int) ingest.WriteRequest {
	return ingest.WriteRequest{
		DeviceID:      device,
		TableIdentity: fmt.Sprintf("station_%d", device),
		Timestamp:     time.Unix(int64(seq), 0),
		RawPayload:    fmt.Sprintf(`{"seq":%d}`, seq),
	}
}

var _ = Describe("Queue", func() {
	var (
		ctx context.Context
		q   *ingest.Queue
	)

	BeforeEach(func() {
		ctx = context.Background()
		q = ingest.NewQueue(0)
	})

	It("should deliver requests in FIFO order", func() {
		for i := range 5 {
			Expect(q.Enqueue(request(1, i))).To(Succeed())
		}
		Expect(q.Len()).To(Equal(5))

		for i := range 5 {
			req, err := q.Dequeue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.RawPayload).To(Equal(fmt.Sprintf(`{"seq":%d}`, i)))
		}
		Expect(q.Len()).To(BeZero())
	})

	It("should block Dequeue until a request arrives", func() {
		got := make(chan ingest.WriteRequest, 1)
		go func() {
			defer GinkgoRecover()
			req, err := q.Dequeue(ctx)
			Expect(err).NotTo(HaveOccurred())
			got <- req
		}()

		Consistently(got, 50*time.Millisecond).ShouldNot(Receive())
		Expect(q.Enqueue(request(2, 7))).To(Succeed())
		Eventually(got).Should(Receive(HaveField("DeviceID", uint32(2))))
	})

	It("should return the context error when canceled", func() {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(cctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should never block producers on an unbounded queue", func() {
		for i := range 10000 {
			Expect(q.Enqueue(request(1, i))).To(Succeed())
		}
		Expect(q.Len()).To(Equal(10000))
	})

	It("should keep per-producer order with concurrent producers", func() {
		const producers, perProducer = 8, 200

		var wg sync.WaitGroup
		for p := range producers {
			wg.Add(1)
			go func(device uint32) {
				defer wg.Done()
				for i := range perProducer {
					_ = q.Enqueue(request(device, i))
				}
			}(uint32(p))
		}
		wg.Wait()

		last := make(map[uint32]int64)
		for range producers * perProducer {
			req, err := q.Dequeue(ctx)
			Expect(err).NotTo(HaveOccurred())
			seq := req.Timestamp.Unix()
			if prev, ok := last[req.DeviceID]; ok {
				Expect(seq).To(BeNumerically(">", prev))
			}
			last[req.DeviceID] = seq
		}
		Expect(last).To(HaveLen(producers))
	})

	Context("with a capacity", func() {
		BeforeEach(func() {
			q = ingest.NewQueue(2)
		})

		It("should reject requests when full", func() {
			Expect(q.Enqueue(request(1, 1))).To(Succeed())
			Expect(q.Enqueue(request(1, 2))).To(Succeed())
			Expect(q.Enqueue(request(1, 3))).To(MatchError(ingest.ErrQueueFull))

			_, ok := q.TryDequeue()
			Expect(ok).To(BeTrue())
			Expect(q.Enqueue(request(1, 3))).To(Succeed())
		})
	})

	Context("when closed", func() {
		It("should reject new requests", func() {
			q.Close()
			Expect(q.Closed()).To(BeTrue())
			Expect(q.Enqueue(request(1, 1))).To(MatchError(ingest.ErrQueueClosed))
		})

		It("should drain queued requests before reporting closed", func() {
			Expect(q.Enqueue(request(1, 1))).To(Succeed())
			q.Close()
			q.Close()

			req, err := q.Dequeue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.DeviceID).To(Equal(uint32(1)))

			_, err = q.Dequeue(ctx)
			Expect(err).To(MatchError(ingest.ErrQueueClosed))
		})

		It("should wake a blocked consumer", func() {
			errs := make(chan error, 1)
			go func() {
				_, err := q.Dequeue(ctx)
				errs <- err
			}()

			q.Close()
			Eventually(errs).Should(Receive(MatchError(ingest.ErrQueueClosed)))
		})
	})
})
