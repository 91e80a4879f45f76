package gateway_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/chipline-gateway/internal/gateway"
)

func asStrings(frames [][]byte) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f)
	}
	return out
}

var _ = Describe("Framer", func() {
	It("should reject unknown modes", func() {
		_, err := gateway.NewFramer("lines", 0)
		Expect(err).To(MatchError(ContainSubstring("unknown framing mode")))
	})

	Context("json mode", func() {
		var f gateway.Framer

		BeforeEach(func() {
			var err error
			f, err = gateway.NewFramer(gateway.FramingJSON, 64)
			Expect(err).NotTo(HaveOccurred())
		})

		feed := func(chunk string) []string {
			GinkgoHelper()
			frames, err := f.Feed([]byte(chunk))
			Expect(err).NotTo(HaveOccurred())
			return asStrings(frames)
		}

		It("should emit one frame per object", func() {
			Expect(feed(`{"a":1}`)).To(Equal([]string{`{"a":1}`}))
		})

		It("should split several objects in one read", func() {
			Expect(feed(`{"a":1}{"b":{"c":2}}` + "\r\n" + `{"d":3}`)).
				To(Equal([]string{`{"a":1}`, `{"b":{"c":2}}`, `{"d":3}`}))
		})

		It("should join an object split across reads", func() {
			Expect(feed(`{"a":{"b"`)).To(BeEmpty())
			Expect(feed(`:1},`)).To(BeEmpty())
			Expect(feed(`"c":2}{"d"`)).To(Equal([]string{`{"a":{"b":1},"c":2}`}))
			Expect(feed(`:4}`)).To(Equal([]string{`{"d":4}`}))
		})

		It("should ignore braces inside strings", func() {
			Expect(feed(`{"s":"}{ \"}\" {"}`)).To(Equal([]string{`{"s":"}{ \"}\" {"}`}))
		})

		It("should emit stray bytes between objects as their own frame", func() {
			Expect(feed(`garbage {"a":1}`)).To(Equal([]string{"garbage", `{"a":1}`}))
		})

		It("should drop whitespace between objects", func() {
			Expect(feed(" \n\t")).To(BeEmpty())
			Expect(feed(`{"a":1}`)).To(Equal([]string{`{"a":1}`}))
		})

		It("should discard oversized objects and recover", func() {
			frames, err := f.Feed([]byte(`{"big":"` + strings.Repeat("x", 100) + `"}`))
			Expect(err).To(MatchError(gateway.ErrFrameTooLarge))
			Expect(asStrings(frames)).NotTo(ContainElement(HavePrefix(`{"big"`)))

			// The tail of the discarded object surfaces as a stray frame.
			Expect(feed(`{"ok":true}`)).To(ContainElement(`{"ok":true}`))
		})

		It("should flush trailing bytes that never formed an object", func() {
			Expect(feed(`{"a":1}` + " tail\xff ")).To(Equal([]string{`{"a":1}`}))
			Expect(f.Flush()).To(Equal([]byte("tail\xff")))
			Expect(f.Flush()).To(BeNil())
		})

		It("should flush a partial object and start clean", func() {
			Expect(feed(`{"a":{"b"`)).To(BeEmpty())
			Expect(string(f.Flush())).To(Equal(`{"a":{"b"`))
			Expect(feed(`{"c":1}`)).To(Equal([]string{`{"c":1}`}))
		})

		It("should have nothing to flush after complete objects", func() {
			feed("{\"a\":1}\n")
			Expect(f.Flush()).To(BeNil())
		})
	})

	Context("read mode", func() {
		It("should emit every read as one frame", func() {
			f, err := gateway.NewFramer(gateway.FramingRead, 0)
			Expect(err).NotTo(HaveOccurred())

			frames, err := f.Feed([]byte(`{"a":1}{"b":2}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(asStrings(frames)).To(Equal([]string{`{"a":1}{"b":2}`}))

			frames, err = f.Feed(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(frames).To(BeEmpty())
			Expect(f.Flush()).To(BeNil())
		})
	})
})
