package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/Seklfreak/bluesky-topic-feed/internal/clock"
)

// newTestStore opens an in-memory SQLite store whose clock starts at 1000ms
// and advances by one millisecond per Apply.
func newTestStore() (*Store, *clock.Fake) {
	fake := clock.NewFake(time.UnixMilli(1_000), time.Millisecond)
	s, err := Open(context.Background(), DriverSQLite, ":memory:", fake, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(s.Close)
	return s, fake
}

func at(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}

var _ = Describe("Store", func() {
	var (
		s    *Store
		fake *clock.Fake
		ctx  context.Context
	)

	BeforeEach(func() {
		s, fake = newTestStore()
		ctx = context.Background()
	})

	Describe("Apply", func() {
		It("keeps exactly one row when the same create is applied twice", func() {
			create := []Post{{URI: "at://x/1", CID: "cid-a"}}
			Expect(s.Apply(ctx, create, nil)).To(Succeed())
			Expect(s.Apply(ctx, []Post{{URI: "at://x/1", CID: "cid-b"}}, nil)).To(Succeed())

			page, err := s.Query(ctx, QueryParams{Limit: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Posts).To(HaveLen(1))
			Expect(page.Posts[0].CID).To(Equal("cid-a"))
			Expect(page.Posts[0].IndexedAt).To(Equal(at(1_000)))
		})

		It("applies deletes before creates within one call", func() {
			Expect(s.Apply(ctx, []Post{{URI: "at://x/1", CID: "old"}}, nil)).To(Succeed())
			Expect(s.Apply(ctx, []Post{{URI: "at://x/1", CID: "new"}}, []string{"at://x/1"})).To(Succeed())

			page, err := s.Query(ctx, QueryParams{Limit: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Posts).To(HaveLen(1))
			Expect(page.Posts[0].CID).To(Equal("new"))
		})

		It("ignores deletes of unknown uris", func() {
			Expect(s.Apply(ctx, nil, []string{"at://missing/1", "at://missing/2"})).To(Succeed())
		})

		It("deletes a batch of uris in one call", func() {
			Expect(s.Apply(ctx, []Post{
				{URI: "at://x/1", CID: "a"},
				{URI: "at://x/2", CID: "b"},
				{URI: "at://x/3", CID: "c"},
			}, nil)).To(Succeed())
			Expect(s.Apply(ctx, nil, []string{"at://x/1", "at://x/3"})).To(Succeed())

			page, err := s.Query(ctx, QueryParams{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.URIs()).To(Equal([]string{"at://x/2"}))
		})

		It("stamps later applies with later timestamps", func() {
			Expect(s.Apply(ctx, []Post{{URI: "at://x/1", CID: "a"}}, nil)).To(Succeed())
			Expect(s.Apply(ctx, []Post{{URI: "at://x/2", CID: "b"}}, nil)).To(Succeed())

			page, err := s.Query(ctx, QueryParams{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Posts[0].URI).To(Equal("at://x/2"))
			Expect(page.Posts[0].IndexedAt.After(page.Posts[1].IndexedAt)).To(BeTrue())
		})

		It("tolerates concurrent applies of overlapping uris", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(s.Apply(ctx, []Post{
						{URI: "at://x/shared", CID: "c"},
						{URI: fmt.Sprintf("at://x/own-%d", i), CID: "c"},
					}, nil)).To(Succeed())
				}()
			}
			wg.Wait()

			page, err := s.Query(ctx, QueryParams{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Posts).To(HaveLen(9))
		})

		It("reports a closed database as unavailable", func() {
			Expect(s.Close()).To(Succeed())
			err := s.Apply(ctx, []Post{{URI: "at://x/1", CID: "a"}}, nil)
			Expect(err).To(MatchError(ErrUnavailable))
		})
	})

	Describe("Query", func() {
		BeforeEach(func() {
			fake.Step = 0
			for _, row := range []struct {
				uri    string
				millis int64
			}{
				{"a", 100}, {"b", 200}, {"c", 200}, {"d", 300},
			} {
				fake.Set(at(row.millis))
				Expect(s.Apply(ctx, []Post{{URI: row.uri, CID: "cid-" + row.uri}}, nil)).To(Succeed())
			}
		})

		It("orders by indexedAt then uri, both descending", func() {
			page, err := s.Query(ctx, QueryParams{Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.URIs()).To(Equal([]string{"d", "c"}))
			Expect(page.Next).NotTo(BeNil())
			Expect(page.Next.IndexedAt).To(Equal(at(200)))
		})

		It("resumes after the last row without repeating or skipping", func() {
			first, err := s.Query(ctx, QueryParams{Limit: 2})
			Expect(err).NotTo(HaveOccurred())

			second, err := s.Query(ctx, QueryParams{Before: first.Next, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.URIs()).To(Equal([]string{"b", "a"}))
			Expect(second.Next.IndexedAt).To(Equal(at(100)))

			third, err := s.Query(ctx, QueryParams{Before: second.Next, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(third.Posts).To(BeEmpty())
			Expect(third.Next).To(BeNil())
		})

		It("treats a timestamp-only cursor as strictly older", func() {
			page, err := s.Query(ctx, QueryParams{Before: &Cursor{IndexedAt: at(200)}, Limit: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.URIs()).To(Equal([]string{"a"}))
		})

		It("clamps the limit to MaxLimit", func() {
			fake.Set(at(400))
			for i := 0; i < MaxLimit+5; i++ {
				Expect(s.Apply(ctx, []Post{{URI: fmt.Sprintf("z-%03d", i), CID: "c"}}, nil)).To(Succeed())
			}

			page, err := s.Query(ctx, QueryParams{Limit: 1000})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Posts).To(HaveLen(MaxLimit))
		})
	})

	Describe("Prune", func() {
		BeforeEach(func() {
			fake.Step = 0
			for i, millis := range []int64{1_000, 2_000, 3_000, 4_000} {
				fake.Set(at(millis))
				Expect(s.Apply(ctx, []Post{{URI: fmt.Sprintf("at://x/%d", i), CID: "c"}}, nil)).To(Succeed())
			}
		})

		It("removes rows older than maxAge", func() {
			fake.Set(at(4_500))
			deleted, err := s.Prune(ctx, 2*time.Second, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeEquivalentTo(2))

			page, err := s.Query(ctx, QueryParams{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.URIs()).To(Equal([]string{"at://x/3", "at://x/2"}))
		})

		It("keeps only the newest maxRows", func() {
			deleted, err := s.Prune(ctx, 0, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeEquivalentTo(3))

			page, err := s.Query(ctx, QueryParams{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.URIs()).To(Equal([]string{"at://x/3"}))
		})

		It("does nothing when the table is under the cap", func() {
			deleted, err := s.Prune(ctx, 0, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeZero())
		})
	})

	Describe("subscription cursor", func() {
		It("returns zero before anything is saved", func() {
			seq, err := s.Cursor(ctx, "firehose")
			Expect(err).NotTo(HaveOccurred())
			Expect(seq).To(BeZero())
		})

		It("upserts the saved position", func() {
			Expect(s.SaveCursor(ctx, "firehose", 10)).To(Succeed())
			Expect(s.SaveCursor(ctx, "firehose", 42)).To(Succeed())

			seq, err := s.Cursor(ctx, "firehose")
			Expect(err).NotTo(HaveOccurred())
			Expect(seq).To(BeEquivalentTo(42))
		})
	})
})

var _ = Describe("Cursor encoding", func() {
	It("round trips a keyset cursor", func() {
		c := Cursor{IndexedAt: at(200), URI: "at://did:plc:abc/app.bsky.feed.post/1"}
		Expect(c.String()).To(Equal("200::at://did:plc:abc/app.bsky.feed.post/1"))

		parsed, err := ParseCursor(c.String())
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed).To(Equal(c))
	})

	It("accepts a bare millisecond timestamp", func() {
		parsed, err := ParseCursor("1700000000000")
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.IndexedAt).To(Equal(at(1_700_000_000_000)))
		Expect(parsed.URI).To(BeEmpty())
	})

	It("rejects garbage", func() {
		_, err := ParseCursor("yesterday")
		Expect(err).To(HaveOccurred())
		_, err = ParseCursor("-5")
		Expect(err).To(HaveOccurred())
		_, err = ParseCursor("")
		Expect(err).To(HaveOccurred())
	})
})
