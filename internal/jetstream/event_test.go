package jetstream

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Seklfreak/bluesky-topic-feed/internal/ingest"
)

const createEvent = `{
	"did": "did:plc:alice",
	"time_us": 1725911162329308,
	"kind": "commit",
	"commit": {
		"rev": "3l3qo2vutsw2b",
		"operation": "create",
		"collection": "app.bsky.feed.post",
		"rkey": "3l3qo2vuowo2b",
		"record": {"$type": "app.bsky.feed.post", "createdAt": "2024-09-09T19:46:02.102Z", "langs": ["en"], "text": "check this #topic"},
		"cid": "bafyreidwaivazkwu67xztlmuobx35hs2lnfh3kolmgfmucldvhd3sgzcqi"
	}
}`

var _ = Describe("Decode", func() {
	ctx := context.Background()

	It("maps post creates", func() {
		ops, err := Decode(ctx, []byte(createEvent))
		Expect(err).NotTo(HaveOccurred())
		Expect(ops.Creates).To(Equal([]ingest.Create{{
			URI:  "at://did:plc:alice/app.bsky.feed.post/3l3qo2vuowo2b",
			CID:  "bafyreidwaivazkwu67xztlmuobx35hs2lnfh3kolmgfmucldvhd3sgzcqi",
			Text: "check this #topic",
		}}))
	})

	It("maps post deletes", func() {
		ops, err := Decode(ctx, []byte(`{"did":"did:plc:alice","time_us":2,"kind":"commit",
			"commit":{"operation":"delete","collection":"app.bsky.feed.post","rkey":"3kabc"}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ops.DeleteURIs()).To(Equal([]string{"at://did:plc:alice/app.bsky.feed.post/3kabc"}))
	})

	It("ignores identity events and other collections", func() {
		ops, err := Decode(ctx, []byte(`{"did":"did:plc:alice","time_us":3,"kind":"identity"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ops.Empty()).To(BeTrue())

		ops, err = Decode(ctx, []byte(`{"did":"did:plc:alice","time_us":4,"kind":"commit",
			"commit":{"operation":"create","collection":"app.bsky.feed.like","rkey":"1","record":{}}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ops.Empty()).To(BeTrue())
	})

	DescribeTable("malformed events",
		func(raw string) {
			_, err := Decode(ctx, []byte(raw))
			var decodeErr *ingest.DecodeError
			Expect(errors.As(err, &decodeErr)).To(BeTrue())
		},
		Entry("not json", `{"did":`),
		Entry("missing rkey", `{"did":"did:plc:a","kind":"commit","commit":{"operation":"delete","collection":"app.bsky.feed.post"}}`),
		Entry("create without record", `{"did":"did:plc:a","kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"1"}}`),
		Entry("record of the wrong shape", `{"did":"did:plc:a","kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"1","record":{"text":7}}}`),
	)
})
