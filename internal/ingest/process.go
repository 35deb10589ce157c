package ingest

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Seklfreak/bluesky-topic-feed/internal/store"
	"github.com/Seklfreak/bluesky-topic-feed/internal/tracing"
)

// process decodes one event, filters its creates and applies the result.
// Failures are logged and counted; they never stop the caller.
func (q *Queue[E]) process(ctx context.Context, e entry[E]) {
	ctx, span := tracing.Tracer().Start(ctx, "ingest.process",
		trace.WithAttributes(attribute.Int64("ingest.seq", int64(e.seq))),
	)
	defer span.End()

	var ops Ops
	if e.ops != nil {
		ops = *e.ops
	} else {
		decoded, ok := q.decodeEvent(ctx, e.event)
		if !ok {
			span.SetStatus(codes.Error, "decode failed")
			return
		}
		ops = decoded
	}

	creates := q.relevantCreates(ops)
	deletes := ops.DeleteURIs()
	span.SetAttributes(
		attribute.Int("ingest.creates", len(creates)),
		attribute.Int("ingest.deletes", len(deletes)),
	)
	if len(creates) == 0 && len(deletes) == 0 {
		return
	}

	start := time.Now()
	err := q.store.Apply(ctx, creates, deletes)
	q.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		q.metrics.StoreErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		q.logger.Error("failed to apply event, dropping it",
			zap.Uint64("seq", e.seq),
			zap.Int("creates", len(creates)),
			zap.Int("deletes", len(deletes)),
			zap.Bool("storage_unavailable", errors.Is(err, store.ErrUnavailable)),
			zap.Error(err),
		)
		return
	}

	q.metrics.PostsIndexed.Add(float64(len(creates)))
	q.metrics.PostsDeleted.Add(float64(len(deletes)))

	for _, p := range creates {
		q.logger.Debug("indexed post", zap.String("uri", p.URI))
	}
}

func (q *Queue[E]) decodeEvent(ctx context.Context, event E) (Ops, bool) {
	ops, err := q.decode(ctx, event)
	if err != nil {
		q.metrics.DecodeErrors.Inc()
		trace.SpanFromContext(ctx).RecordError(err)

		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			q.logger.Warn("dropping malformed event", zap.Error(err))
		} else {
			q.logger.Error("failed to decode event", zap.Error(err))
		}
		return Ops{}, false
	}
	return ops, true
}

// relevantCreates maps the creates that pass the topic filter to store rows.
// IndexedAt is left for the store to stamp.
func (q *Queue[E]) relevantCreates(ops Ops) []store.Post {
	var posts []store.Post
	for _, c := range ops.Creates {
		if !q.filter.IsRelevant(c.Text) {
			continue
		}
		posts = append(posts, store.Post{URI: c.URI, CID: c.CID})
	}
	return posts
}
