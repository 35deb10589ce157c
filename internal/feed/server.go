package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Seklfreak/bluesky-topic-feed/internal/metrics"
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig is what the HTTP surface needs besides the Service.
type ServerConfig struct {
	Addr       string
	Hostname   string
	ServiceDID string
	Gatherer   prometheus.Gatherer
	Health     Pinger
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server is the HTTP server of the feed generator.
type Server struct {
	service    *Service
	cfg        ServerConfig
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(service *Service, cfg ServerConfig) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		service: service,
		cfg:     cfg,
		logger:  cfg.Logger.Named("http"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routes of the feed generator.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	r.Get("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	r.Get("/.well-known/did.json", s.handleDIDDoc)
	r.Get("/health", s.handleHealth)
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.service.Skeleton(r.Context(), SkeletonRequest{
		Feed:   q.Get("feed"),
		Cursor: q.Get("cursor"),
		Limit:  q.Get("limit"),
	})

	var (
		invalid     *InvalidRequestError
		unsupported *UnsupportedAlgorithmError
	)
	switch {
	case err == nil:
		s.cfg.Metrics.FeedRequests.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, out)
	case errors.As(err, &invalid):
		s.cfg.Metrics.FeedRequests.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "InvalidRequest", invalid.Message)
	case errors.As(err, &unsupported):
		s.cfg.Metrics.FeedRequests.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "UnsupportedAlgorithm", "unsupported feed "+unsupported.Feed)
	default:
		s.cfg.Metrics.FeedRequests.WithLabelValues("error").Inc()
		s.logger.Error("failed to get feed skeleton", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "InternalServerError", "failed to get feed")
	}
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &bsky.FeedDescribeFeedGenerator_Output{
		Did: s.cfg.ServiceDID,
		Feeds: []*bsky.FeedDescribeFeedGenerator_Feed{
			{Uri: s.service.FeedURI()},
		},
	})
}

type didDocument struct {
	Context []string     `json:"@context"`
	ID      string       `json:"id"`
	Service []didService `json:"service"`
}

type didService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, didDocument{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		ID:      s.cfg.ServiceDID,
		Service: []didService{{
			ID:              "#bsky_fg",
			Type:            "BskyFeedGenerator",
			ServiceEndpoint: "https://" + s.cfg.Hostname,
		}},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}
