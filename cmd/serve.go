package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Seklfreak/bluesky-topic-feed/internal/config"
	"github.com/Seklfreak/bluesky-topic-feed/internal/feed"
	"github.com/Seklfreak/bluesky-topic-feed/internal/firehose"
	"github.com/Seklfreak/bluesky-topic-feed/internal/ingest"
	"github.com/Seklfreak/bluesky-topic-feed/internal/jetstream"
	"github.com/Seklfreak/bluesky-topic-feed/internal/metrics"
	"github.com/Seklfreak/bluesky-topic-feed/internal/store"
	"github.com/Seklfreak/bluesky-topic-feed/internal/topic"
	"github.com/Seklfreak/bluesky-topic-feed/internal/tracing"
)

const (
	serviceName     = "bluesky-topic-feed"
	shutdownTimeout = 15 * time.Second
)

func newServeCmd(c *commander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest the event stream and serve the feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer c.logger.Sync()

			if err := c.cfg.ValidateServe(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, c.cfg, c.logger)
		},
	}

	cmd.Flags().String("listen", "", "Address for the HTTP server to listen on (default \":3000\")")
	cmd.Flags().String("hostname", "", "Public hostname of the service, used for did:web")
	cmd.Flags().String("publisher-did", "", "DID of the account that publishes the feed")
	cmd.Flags().String("topic", "", "Topic token to match in post text")
	cmd.Flags().String("match", "", "Topic match mode (substring, word)")
	cmd.Flags().String("database-driver", "", "Database driver (postgres, pgx, sqlite)")
	cmd.Flags().String("database-url", "", "Database connection string")
	cmd.Flags().String("source", "", "Event source (firehose, jetstream)")
	cmd.Flags().Bool("prefilter", false, "Decode events on arrival and skip irrelevant ones")

	return cmd
}

// source is an event subscriber bound to its ingestion queue.
type source struct {
	run   func(ctx context.Context) error
	close func(ctx context.Context) error
}

func newSource(cfg *config.Config, filter topic.Filter, posts *store.Store, m *metrics.Metrics, logger *zap.Logger) (*source, error) {
	switch cfg.Source {
	case config.SourceFirehose:
		q, err := ingest.NewQueue(ingest.Config[*atproto.SyncSubscribeRepos_Commit]{
			Decode:    firehose.NewDecoder().Decode,
			Filter:    filter,
			Store:     posts,
			Capacity:  cfg.Queue.Capacity,
			Prefilter: cfg.Queue.Prefilter,
			Metrics:   m,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		sub := firehose.NewSubscriber(cfg.Firehose.URL, q, posts, m, logger)
		return &source{run: sub.Run, close: q.Close}, nil

	case config.SourceJetstream:
		q, err := ingest.NewQueue(ingest.Config[[]byte]{
			Decode:    jetstream.Decode,
			Filter:    filter,
			Store:     posts,
			Capacity:  cfg.Queue.Capacity,
			Prefilter: cfg.Queue.Prefilter,
			Metrics:   m,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		sub := jetstream.NewSubscriber(cfg.Jetstream.URL, q, posts, m, logger)
		return &source{run: sub.Run, close: q.Close}, nil

	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("error shutting down tracing", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	filter, err := topic.New(cfg.Topic.Token, cfg.Topic.Match)
	if err != nil {
		return err
	}

	posts, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, nil, logger)
	if err != nil {
		return err
	}
	defer posts.Close()

	src, err := newSource(cfg, filter, posts, m, logger)
	if err != nil {
		return err
	}

	retention := &store.Retention{
		Store:    posts,
		Interval: cfg.Retention.Interval,
		MaxAge:   cfg.Retention.MaxAge,
		MaxRows:  cfg.Retention.MaxRows,
		Pruned:   m.PostsPruned,
		Logger:   logger.Named("retention"),
	}

	server := feed.NewServer(feed.NewService(posts, cfg.FeedURI(), logger), feed.ServerConfig{
		Addr:       cfg.ListenAddr,
		Hostname:   cfg.Hostname,
		ServiceDID: cfg.DID(),
		Gatherer:   reg,
		Health:     posts,
		Metrics:    m,
		Logger:     logger,
	})

	logger.Info("starting feed generator",
		zap.String("feed", cfg.FeedURI()),
		zap.String("service_did", cfg.DID()),
		zap.String("source", cfg.Source),
		zap.String("topic", cfg.Topic.Token),
		zap.String("database_driver", cfg.Database.Driver),
	)

	errChan := make(chan error, 2)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		if err := src.run(subCtx); err != nil && subCtx.Err() == nil {
			errChan <- fmt.Errorf("%s subscriber: %w", cfg.Source, err)
		}
	}()

	go retention.Run(subCtx)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, shutting down")
	case runErr = <-errChan:
		logger.Error("component failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelSub()
	<-subDone

	if err := src.close(shutdownCtx); err != nil {
		logger.Warn("ingestion queue did not drain", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down http server", zap.Error(err))
	}

	return runErr
}
