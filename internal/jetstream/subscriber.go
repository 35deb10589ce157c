// Package jetstream consumes the Jetstream JSON event stream as an
// alternative to the CBOR firehose.
package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Seklfreak/bluesky-topic-feed/internal/ingest"
	"github.com/Seklfreak/bluesky-topic-feed/internal/metrics"
)

const (
	// ServiceName keys the saved time_us cursor in the store.
	ServiceName = "jetstream"

	sourceLabel        = "jetstream"
	cursorSaveInterval = 5 * time.Second
	statsInterval      = 30 * time.Second
	defaultBackoff     = 5 * time.Second
)

// CursorStore persists the time_us of the last seen event.
type CursorStore interface {
	Cursor(ctx context.Context, service string) (int64, error)
	SaveCursor(ctx context.Context, service string, cursor int64) error
}

// Subscriber reads Jetstream messages and enqueues the raw bytes of every
// commit.
type Subscriber struct {
	url     string
	queue   ingest.Enqueuer[[]byte]
	cursors CursorStore
	metrics *metrics.Metrics
	logger  *zap.Logger
	dialer  *websocket.Dialer

	// Backoff is the pause between reconnect attempts.
	Backoff time.Duration
}

// NewSubscriber creates a subscriber for the Jetstream endpoint at
// jetstreamURL, e.g. wss://jetstream2.us-east.bsky.network/subscribe.
func NewSubscriber(
	jetstreamURL string,
	queue ingest.Enqueuer[[]byte],
	cursors CursorStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Subscriber {
	return &Subscriber{
		url:     jetstreamURL,
		queue:   queue,
		cursors: cursors,
		metrics: m,
		logger:  logger.Named("jetstream"),
		dialer:  websocket.DefaultDialer,
		Backoff: defaultBackoff,
	}
}

// Run subscribes until ctx is done, reconnecting after connection errors.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.metrics.SourceReconnect.WithLabelValues(sourceLabel).Inc()
		s.logger.Error("jetstream connection error, reconnecting", zap.Error(err), zap.Duration("backoff", s.Backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Backoff):
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse jetstream url: %w", err)
	}
	q := u.Query()
	q.Set("wantedCollections", PostCollection)
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor, err := s.cursors.Cursor(ctx, ServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", zap.Error(err))
	}

	wsURL, err := s.buildURL(cursor)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to jetstream", zap.String("url", wsURL))

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial jetstream: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not take a context.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Info("connected to jetstream", zap.Int64("cursor", cursor))

	latest := cursor
	lastCursorSave := time.Now()
	lastStats := time.Now()
	var received, queued, overflow int64

	defer func() {
		if latest > cursor {
			s.saveCursor(context.WithoutCancel(ctx), latest)
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var head struct {
			TimeUS int64  `json:"time_us"`
			Kind   string `json:"kind"`
		}
		if err := json.Unmarshal(message, &head); err != nil {
			s.metrics.DecodeErrors.Inc()
			s.logger.Warn("failed to parse event, skipping", zap.Error(err))
			continue
		}

		received++
		if head.TimeUS > latest {
			latest = head.TimeUS
		}
		s.metrics.EventsReceived.WithLabelValues(sourceLabel).Inc()

		if head.Kind == "commit" {
			switch s.queue.Enqueue(ctx, message) {
			case ingest.Queued:
				queued++
			case ingest.Overflowed:
				overflow++
			case ingest.Rejected:
				return fmt.Errorf("ingestion queue closed")
			}
		}

		if time.Since(lastStats) >= statsInterval {
			s.logger.Info("jetstream stats",
				zap.Int64("events_received", received),
				zap.Int64("events_queued", queued),
				zap.Int64("events_overflowed", overflow),
				zap.Int64("time_us", latest),
			)
			lastStats = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			s.saveCursor(ctx, latest)
			lastCursorSave = time.Now()
		}
	}
}

func (s *Subscriber) saveCursor(ctx context.Context, cursor int64) {
	if err := s.cursors.SaveCursor(ctx, ServiceName, cursor); err != nil {
		s.logger.Error("failed to save cursor", zap.Int64("time_us", cursor), zap.Error(err))
	}
}
