package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Retention periodically prunes the posts table.
type Retention struct {
	Store    *Store
	Interval time.Duration
	MaxAge   time.Duration
	MaxRows  int

	// Pruned, when set, is incremented by the number of rows removed.
	Pruned prometheus.Counter

	Logger *zap.Logger
}

// Enabled reports whether either bound is configured.
func (r *Retention) Enabled() bool {
	return r.MaxAge > 0 || r.MaxRows > 0
}

// Run prunes once immediately and then every Interval until ctx is done.
func (r *Retention) Run(ctx context.Context) {
	if !r.Enabled() {
		return
	}

	r.prune(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

func (r *Retention) prune(ctx context.Context) {
	deleted, err := r.Store.Prune(ctx, r.MaxAge, r.MaxRows)
	if err != nil {
		r.Logger.Error("post pruning failed", zap.Error(err))
		return
	}
	if r.Pruned != nil {
		r.Pruned.Add(float64(deleted))
	}
	if deleted > 0 {
		r.Logger.Info("post pruning complete", zap.Int64("deleted", deleted))
	}
}
