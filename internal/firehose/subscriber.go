// Package firehose consumes com.atproto.sync.subscribeRepos and feeds commit
// events to the ingestion queue.
package firehose

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/Seklfreak/bluesky-topic-feed/internal/ingest"
	"github.com/Seklfreak/bluesky-topic-feed/internal/metrics"
)

const (
	// ServiceName keys the saved sequence number in the store.
	ServiceName = "firehose"

	sourceLabel        = "firehose"
	readLimit          = 16 << 20
	cursorSaveInterval = 5 * time.Second
	statsInterval      = 30 * time.Second
	defaultBackoff     = 5 * time.Second
)

// CursorStore persists the last seen sequence number.
type CursorStore interface {
	Cursor(ctx context.Context, service string) (int64, error)
	SaveCursor(ctx context.Context, service string, cursor int64) error
}

// Subscriber reads the repo event stream and enqueues every commit.
type Subscriber struct {
	url     string
	queue   ingest.Enqueuer[*atproto.SyncSubscribeRepos_Commit]
	cursors CursorStore
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Backoff is the pause between reconnect attempts.
	Backoff time.Duration
}

// NewSubscriber creates a subscriber for the subscribeRepos endpoint at
// firehoseURL.
func NewSubscriber(
	firehoseURL string,
	queue ingest.Enqueuer[*atproto.SyncSubscribeRepos_Commit],
	cursors CursorStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Subscriber {
	return &Subscriber{
		url:     firehoseURL,
		queue:   queue,
		cursors: cursors,
		metrics: m,
		logger:  logger.Named("firehose"),
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
		s.logger.Error("firehose connection error, reconnecting", zap.Error(err), zap.Duration("backoff", s.Backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Backoff):
		}
	}
}

func (s *Subscriber) buildURL(seq int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	if seq > 0 {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(seq, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	seq, err := s.cursors.Cursor(ctx, ServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", zap.Error(err))
	}

	wsURL, err := s.buildURL(seq)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to firehose", zap.String("url", wsURL))

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected shutdown")
	conn.SetReadLimit(readLimit)

	s.logger.Info("connected to firehose", zap.Int64("cursor", seq))

	latestSeq := seq
	lastCursorSave := time.Now()
	lastStats := time.Now()
	var received, queued, overflow int64

	defer func() {
		if latestSeq > seq {
			s.saveCursor(context.WithoutCancel(ctx), latestSeq)
		}
	}()

	for {
		_, reader, err := conn.Reader(ctx)
		if err != nil {
			return fmt.Errorf("get reader from websocket connection: %w", err)
		}

		evt, err := s.readFrame(reader)
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return fmt.Errorf("discard frame remainder: %w", err)
		}
		if evt == nil {
			continue
		}

		received++
		latestSeq = evt.Seq
		s.metrics.EventsReceived.WithLabelValues(sourceLabel).Inc()

		switch s.queue.Enqueue(ctx, evt) {
		case ingest.Queued:
			queued++
		case ingest.Overflowed:
			overflow++
		case ingest.Rejected:
			return fmt.Errorf("ingestion queue closed")
		}

		if time.Since(lastStats) >= statsInterval {
			s.logger.Info("firehose stats",
				zap.Int64("events_received", received),
				zap.Int64("events_queued", queued),
				zap.Int64("events_overflowed", overflow),
				zap.Int64("seq", latestSeq),
			)
			lastStats = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			s.saveCursor(ctx, latestSeq)
			lastCursorSave = time.Now()
		}
	}
}

// readFrame decodes one frame. It returns a nil commit for frames that are
// well formed but carry no commit. Error frames end the connection.
func (s *Subscriber) readFrame(reader io.Reader) (*atproto.SyncSubscribeRepos_Commit, error) {
	var header events.EventHeader
	if err := header.UnmarshalCBOR(reader); err != nil {
		s.metrics.DecodeErrors.Inc()
		s.logger.Warn("error reading event header, skipping frame", zap.Error(err))
		return nil, nil
	}

	switch header.Op {
	case events.EvtKindMessage:
		if header.MsgType != "#commit" {
			s.logger.Debug("ignoring firehose message", zap.String("type", header.MsgType))
			return nil, nil
		}

		var evt atproto.SyncSubscribeRepos_Commit
		if err := evt.UnmarshalCBOR(reader); err != nil {
			s.metrics.DecodeErrors.Inc()
			s.logger.Warn("error reading commit event, skipping frame", zap.Error(err))
			return nil, nil
		}
		return &evt, nil

	case events.EvtKindErrorFrame:
		var errframe events.ErrorFrame
		if err := errframe.UnmarshalCBOR(reader); err != nil {
			return nil, fmt.Errorf("read error frame: %w", err)
		}
		return nil, fmt.Errorf("received error frame: %s: %s", errframe.Error, errframe.Message)

	default:
		return nil, fmt.Errorf("received unrecognized event stream type %d", header.Op)
	}
}

func (s *Subscriber) saveCursor(ctx context.Context, seq int64) {
	if err := s.cursors.SaveCursor(ctx, ServiceName, seq); err != nil {
		s.logger.Error("failed to save cursor", zap.Int64("seq", seq), zap.Error(err))
	}
}
