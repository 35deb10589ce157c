// Package feed serves the indexed posts as an app.bsky feed generator.
package feed

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bluesky-social/indigo/api/bsky"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Seklfreak/bluesky-topic-feed/internal/store"
	"github.com/Seklfreak/bluesky-topic-feed/internal/tracing"
)

// Reader is the read side of the post store.
type Reader interface {
	Query(ctx context.Context, params store.QueryParams) (*store.Page, error)
}

// SkeletonRequest holds the raw getFeedSkeleton parameters.
type SkeletonRequest struct {
	Feed   string
	Cursor string
	Limit  string
}

// Service turns skeleton requests into store queries.
type Service struct {
	posts   Reader
	feedURI string
	logger  *zap.Logger
}

// NewService creates a service for the feed published at feedURI.
func NewService(posts Reader, feedURI string, logger *zap.Logger) *Service {
	return &Service{
		posts:   posts,
		feedURI: feedURI,
		logger:  logger.Named("feed"),
	}
}

// FeedURI is the at:// uri of the feed generator record this service backs.
func (s *Service) FeedURI() string {
	return s.feedURI
}

// Skeleton validates req, queries one page and maps it to the lexicon
// output. Request problems are returned as *InvalidRequestError or
// *UnsupportedAlgorithmError before the store is queried.
func (s *Service) Skeleton(ctx context.Context, req SkeletonRequest) (*bsky.FeedGetFeedSkeleton_Output, error) {
	ctx, span := tracing.Tracer().Start(ctx, "feed.getFeedSkeleton")
	defer span.End()

	params, err := s.params(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("feed.limit", params.Limit), attribute.String("feed.cursor", req.Cursor))

	page, err := s.posts.Query(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("query feed: %w", err)
	}

	out := &bsky.FeedGetFeedSkeleton_Output{
		Feed: make([]*bsky.FeedDefs_SkeletonFeedPost, len(page.Posts)),
	}
	for i, p := range page.Posts {
		out.Feed[i] = &bsky.FeedDefs_SkeletonFeedPost{Post: p.URI}
	}
	if page.Next != nil {
		cursor := page.Next.String()
		out.Cursor = &cursor
	}

	span.SetAttributes(attribute.Int("feed.posts", len(out.Feed)))
	s.logger.Debug("served feed skeleton",
		zap.Int("limit", params.Limit),
		zap.String("cursor", req.Cursor),
		zap.Int("posts", len(out.Feed)),
	)
	return out, nil
}

func (s *Service) params(req SkeletonRequest) (store.QueryParams, error) {
	params := store.QueryParams{Limit: store.MaxLimit}

	if req.Feed != "" && req.Feed != s.feedURI {
		return params, &UnsupportedAlgorithmError{Feed: req.Feed}
	}

	if req.Limit != "" {
		limit, err := strconv.Atoi(req.Limit)
		if err != nil {
			return params, invalidRequest("limit %q is not an integer", req.Limit)
		}
		if limit < 1 {
			return params, invalidRequest("limit must be at least 1")
		}
		params.Limit = min(limit, store.MaxLimit)
	}

	if req.Cursor != "" {
		cursor, err := store.ParseCursor(req.Cursor)
		if err != nil {
			return params, invalidRequest("malformed cursor: %v", err)
		}
		params.Before = &cursor
	}

	return params, nil
}
