package firehose

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/lex/util"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/Seklfreak/bluesky-topic-feed/internal/ingest"
	"github.com/Seklfreak/bluesky-topic-feed/internal/metrics"
)

type captureQueue struct {
	mu     sync.Mutex
	events []*atproto.SyncSubscribeRepos_Commit
}

func (c *captureQueue) Enqueue(_ context.Context, evt *atproto.SyncSubscribeRepos_Commit) ingest.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return ingest.Queued
}

func (c *captureQueue) received() []*atproto.SyncSubscribeRepos_Commit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*atproto.SyncSubscribeRepos_Commit(nil), c.events...)
}

type memCursors struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func (m *memCursors) Cursor(_ context.Context, service string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[service], nil
}

func (m *memCursors) SaveCursor(_ context.Context, service string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[service] = cursor
	return nil
}

func (m *memCursors) get(service string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[service]
}

func frame(header events.EventHeader, body interface{ MarshalCBOR(w io.Writer) error }) []byte {
	var buf bytes.Buffer
	Expect(header.MarshalCBOR(&buf)).To(Succeed())
	Expect(body.MarshalCBOR(&buf)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Subscriber", func() {
	It("enqueues commits, skips other messages and saves the cursor", func() {
		requestedCursor := make(chan string, 1)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestedCursor <- r.URL.Query().Get("cursor")

			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close(websocket.StatusNormalClosure, "")

			ctx := context.Background()
			_ = conn.Write(ctx, websocket.MessageBinary, frame(
				events.EventHeader{Op: events.EvtKindMessage, MsgType: "#info"},
				&atproto.SyncSubscribeRepos_Info{Name: "OutdatedCursor"},
			))
			_ = conn.Write(ctx, websocket.MessageBinary, frame(
				events.EventHeader{Op: events.EvtKindMessage, MsgType: "#commit"},
				&atproto.SyncSubscribeRepos_Commit{
					Repo:   "did:plc:alice",
					Seq:    42,
					Rev:    "3kabc",
					Time:   "2023-12-18T00:00:00.000Z",
					Commit: util.LexLink(testCID("commit")),
					Blocks: []byte{},
					Blobs:  []util.LexLink{},
					Ops: []*atproto.SyncSubscribeRepos_RepoOp{
						{Action: "delete", Path: "app.bsky.feed.post/3kabc"},
					},
				},
			))

			// hold the connection until the subscriber goes away
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}))
		DeferCleanup(srv.Close)

		queue := &captureQueue{}
		cursors := &memCursors{cursors: map[string]int64{ServiceName: 7}}
		sub := NewSubscriber(
			"ws"+strings.TrimPrefix(srv.URL, "http")+"/xrpc/com.atproto.sync.subscribeRepos",
			queue, cursors, metrics.NewUnregistered(), zap.NewNop(),
		)
		sub.Backoff = 10 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- sub.Run(ctx) }()

		Eventually(requestedCursor).Should(Receive(Equal("7")))
		Eventually(queue.received).Should(HaveLen(1))

		evt := queue.received()[0]
		Expect(evt.Seq).To(BeEquivalentTo(42))

		ops, err := NewDecoder().Decode(context.Background(), evt)
		Expect(err).NotTo(HaveOccurred())
		Expect(ops.DeleteURIs()).To(Equal([]string{"at://did:plc:alice/app.bsky.feed.post/3kabc"}))

		cancel()
		Eventually(done, 10*time.Second).Should(Receive(MatchError(context.Canceled)))
		Expect(cursors.get(ServiceName)).To(BeEquivalentTo(42))
	})

	It("builds the subscription url with the saved cursor", func() {
		sub := NewSubscriber("wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos",
			&captureQueue{}, &memCursors{}, metrics.NewUnregistered(), zap.NewNop())

		u, err := sub.buildURL(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(u).To(Equal("wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos"))

		u, err = sub.buildURL(99)
		Expect(err).NotTo(HaveOccurred())
		Expect(u).To(Equal("wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos?cursor=99"))
	})
})
