package ingest

import (
	"context"
	"fmt"
)

// Create is a decoded record creation.
type Create struct {
	URI  string
	CID  string
	Text string
}

// Delete is a decoded record deletion.
type Delete struct {
	URI string
}

// Ops is everything one upstream event asks the index to do.
type Ops struct {
	Creates []Create
	Deletes []Delete
}

// Empty reports whether the event carries no operations.
func (o Ops) Empty() bool {
	return len(o.Creates) == 0 && len(o.Deletes) == 0
}

// DeleteURIs returns the uris of every delete.
func (o Ops) DeleteURIs() []string {
	if len(o.Deletes) == 0 {
		return nil
	}
	uris := make([]string, len(o.Deletes))
	for i, d := range o.Deletes {
		uris[i] = d.URI
	}
	return uris
}

// Decoder turns a raw event into operations. Malformed events should be
// reported as a *DecodeError.
type Decoder[E any] func(ctx context.Context, event E) (Ops, error)

// DecodeError marks an event whose payload could not be decoded. The event
// is dropped and ingestion continues.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError wraps err, or formats a new one when args are given.
func NewDecodeError(format string, args ...any) *DecodeError {
	return &DecodeError{Err: fmt.Errorf(format, args...)}
}

// Enqueuer is the producer side of a Queue, used by the upstream
// subscribers.
type Enqueuer[E any] interface {
	Enqueue(ctx context.Context, event E) Outcome
}
