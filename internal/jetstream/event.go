package jetstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Seklfreak/bluesky-topic-feed/internal/ingest"
)

// PostCollection is the only collection requested from Jetstream.
const PostCollection = "app.bsky.feed.post"

// event is the JSON envelope of one Jetstream message.
type event struct {
	DID    string  `json:"did"`
	TimeUS int64   `json:"time_us"`
	Kind   string  `json:"kind"`
	Commit *commit `json:"commit,omitempty"`
}

type commit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// postRecord is the part of an app.bsky.feed.post record the index needs.
type postRecord struct {
	Type string `json:"$type"`
	Text string `json:"text"`
}

// Decode turns one raw Jetstream message into index operations. It is the
// ingest.Decoder for the jetstream source.
func Decode(_ context.Context, raw []byte) (ingest.Ops, error) {
	var ops ingest.Ops

	var evt event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return ops, &ingest.DecodeError{Err: fmt.Errorf("parse jetstream event: %w", err)}
	}
	if evt.Kind != "commit" || evt.Commit == nil || evt.Commit.Collection != PostCollection {
		return ops, nil
	}
	if evt.DID == "" || evt.Commit.RKey == "" {
		return ops, ingest.NewDecodeError("commit without did or rkey at time_us %d", evt.TimeUS)
	}

	uri := fmt.Sprintf("at://%s/%s/%s", evt.DID, evt.Commit.Collection, evt.Commit.RKey)

	switch evt.Commit.Operation {
	case "create":
		if len(evt.Commit.Record) == 0 {
			return ops, ingest.NewDecodeError("create %s without record", uri)
		}
		var rec postRecord
		if err := json.Unmarshal(evt.Commit.Record, &rec); err != nil {
			return ops, &ingest.DecodeError{Err: fmt.Errorf("parse record %s: %w", uri, err)}
		}
		ops.Creates = append(ops.Creates, ingest.Create{URI: uri, CID: evt.Commit.CID, Text: rec.Text})
	case "delete":
		ops.Deletes = append(ops.Deletes, ingest.Delete{URI: uri})
	}

	return ops, nil
}
