package metrics

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ = Describe("Metrics", func() {
	It("registers every collector under the feedgen namespace", func() {
		reg := prometheus.NewRegistry()
		m := New(reg)

		m.EventsReceived.WithLabelValues("firehose").Inc()
		m.FeedRequests.WithLabelValues("ok").Inc()
		m.SourceReconnect.WithLabelValues("jetstream").Inc()

		families, err := reg.Gather()
		Expect(err).NotTo(HaveOccurred())

		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		Expect(names).To(ContainElements(
			"feedgen_events_received_total",
			"feedgen_feed_requests_total",
			"feedgen_queue_depth",
		))
		Expect(testutil.ToFloat64(m.EventsReceived.WithLabelValues("firehose"))).To(BeEquivalentTo(1))
	})

	It("allows a fresh set per test without registration conflicts", func() {
		Expect(func() {
			NewUnregistered()
			NewUnregistered()
		}).NotTo(Panic())
	})
})
