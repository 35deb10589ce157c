package firehose

import (
	"bytes"
	"context"
	"strings"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/repo"
	"github.com/bluesky-social/indigo/repomgr"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/Seklfreak/bluesky-topic-feed/internal/ingest"
)

// PostCollection is the only collection the feed indexes.
const PostCollection = "app.bsky.feed.post"

type recordReader interface {
	GetRecord(ctx context.Context, path string) (cid.Cid, cbg.CBORMarshaler, error)
}

// Decoder turns firehose commits into ingest operations.
type Decoder struct {
	readRepo func(ctx context.Context, blocks []byte) (recordReader, error)
}

// NewDecoder returns a Decoder that reads records from the commit's CAR
// blocks.
func NewDecoder() *Decoder {
	return &Decoder{readRepo: readRepoFromCar}
}

func readRepoFromCar(ctx context.Context, blocks []byte) (recordReader, error) {
	r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(blocks))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Decode maps post creates and deletes in evt to operations. Updates and
// other collections are ignored. The CAR blocks are only read when the
// commit creates a post.
func (d *Decoder) Decode(ctx context.Context, evt *atproto.SyncSubscribeRepos_Commit) (ingest.Ops, error) {
	var (
		ops ingest.Ops
		rr  recordReader
	)

	for _, op := range evt.Ops {
		if op == nil {
			continue
		}
		collection, _, ok := strings.Cut(op.Path, "/")
		if !ok {
			return ingest.Ops{}, ingest.NewDecodeError("commit %d from %s: malformed op path %q", evt.Seq, evt.Repo, op.Path)
		}
		if collection != PostCollection {
			continue
		}

		uri := "at://" + evt.Repo + "/" + op.Path

		switch repomgr.EventKind(op.Action) {
		case repomgr.EvtKindCreateRecord:
			if rr == nil {
				if evt.TooBig {
					return ingest.Ops{}, ingest.NewDecodeError("commit %d from %s: too big to carry its blocks", evt.Seq, evt.Repo)
				}
				r, err := d.readRepo(ctx, evt.Blocks)
				if err != nil {
					return ingest.Ops{}, ingest.NewDecodeError("commit %d from %s: read repo from car: %w", evt.Seq, evt.Repo, err)
				}
				rr = r
			}

			recordCID, record, err := rr.GetRecord(ctx, op.Path)
			if err != nil {
				return ingest.Ops{}, ingest.NewDecodeError("commit %d from %s: get record %s: %w", evt.Seq, evt.Repo, op.Path, err)
			}

			post, ok := record.(*bsky.FeedPost)
			if !ok {
				continue
			}

			ops.Creates = append(ops.Creates, ingest.Create{
				URI:  uri,
				CID:  recordCID.String(),
				Text: post.Text,
			})

		case repomgr.EvtKindDeleteRecord:
			ops.Deletes = append(ops.Deletes, ingest.Delete{URI: uri})
		}
	}

	return ops, nil
}
