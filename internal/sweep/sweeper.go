// Package sweep deletes notification records once they are past the retention window.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

type Config struct {
	Interval    time.Duration
	MaxAge      time.Duration
	BatchLimit  int
	Collections []dispatch.Collection
}

// Sweeper periodically removes records whose timestamp is older than MaxAge.
// Each run deletes at most BatchLimit records per collection; the rest wait for the next tick.
type Sweeper struct {
	store   dispatch.RecordStore
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewSweeper(store dispatch.RecordStore, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "Sweeper"),
		now:     time.Now,
	}
}

// Start runs the sweep on every interval tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Retention sweep failed", "err", err)
			}
		}
	}
}

// RunOnce sweeps every collection once and returns the number of records deleted.
// A failure in one collection does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.MaxAge)
	total := 0
	var errs []error

	for _, coll := range s.cfg.Collections {
		n, err := s.store.DeleteOlderThan(ctx, coll.Name, cutoff, s.cfg.BatchLimit)
		total += n
		s.metrics.ObserveSweep(coll.Name, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to sweep %s: %w", coll.Name, err))
			continue
		}
		if n == 0 {
			s.logger.Info("No old records to clean up", "collection", coll.Name)
		} else {
			s.logger.Info("Cleaned up old records", "collection", coll.Name, "deleted", n, "cutoff", cutoff)
		}
	}

	return total, errors.Join(errs...)
}
