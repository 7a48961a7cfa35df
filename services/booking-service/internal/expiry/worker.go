package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/metrics"
)

// Expirer cancels Requested and Pending bookings that outlived their reservation window.
type Expirer interface {
	ExpireStaleRequests(ctx context.Context, limit int) (int, error)
}

type Worker struct {
	expirer   Expirer
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
}

func NewWorker(expirer Expirer, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Worker{
		expirer:   expirer,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("expiry sweep failed", "err", err)
			}
		}
	}
}

// sweep keeps expiring full batches until a short one shows the backlog is drained.
func (w *Worker) sweep(ctx context.Context) error {
	for {
		n, err := w.expirer.ExpireStaleRequests(ctx, w.batchSize)
		if n > 0 {
			metrics.AddExpired(n)
			w.logger.Info("expired stale booking requests", "count", n)
		}
		if err != nil {
			return err
		}
		if n < w.batchSize {
			return nil
		}
	}
}
