package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookingengine/libs/config"
	"github.com/md-rashed-zaman/bookingengine/libs/db"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/storage"
)

// backend bundles the storage-dependent collaborators picked by STORAGE_DRIVER. Workers
// deliver the events the ledger records.
type backend struct {
	driver  string
	catalog catalog.Catalog
	ledger  ledger.Store
	workers []func(context.Context)
	ready   func(context.Context) error
	close   func()
}

func (b *backend) Close() {
	if b.close != nil {
		b.close()
	}
}

func openBackend(ctx context.Context, logger *slog.Logger) (*backend, error) {
	lockTimeout := config.Duration("LEDGER_LOCK_TIMEOUT_MS", 2000, time.Millisecond)

	switch driver := config.String("STORAGE_DRIVER", "postgres"); driver {
	case "memory":
		path := config.String("CATALOG_FILE", "config/catalog.example.yaml")
		cat, err := catalog.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load catalog %s: %w", path, err)
		}
		logger.Warn("using in-memory storage; bookings are lost on restart", "catalog", path, "providers", len(cat.ProviderIDs()))
		notifier := outbox.NewNotifier(outbox.LogSink{Logger: logger}, logger, outbox.NotifierConfig{
			Buffer: config.Int("EVENT_BUFFER", 1024),
			OnDrop: metrics.IncEventDropped,
		})
		return &backend{
			driver:  driver,
			catalog: cat,
			ledger:  ledger.NewMemoryStore(ledger.MemoryOptions{LockTimeout: lockTimeout, Notifier: notifier}),
			workers: []func(context.Context){notifier.Run},
		}, nil

	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return nil, err
		}
		pool, err := db.Open(ctx, dbURL, db.Options{
			MaxConns: int32(config.Int("DB_MAX_CONNS", 20)),
			MinConns: int32(config.Int("DB_MIN_CONNS", 2)),
		})
		if err != nil {
			return nil, fmt.Errorf("db connection: %w", err)
		}
		outboxRepo := outbox.NewRepository(pool)
		publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
			Brokers:   config.String("KAFKA_BROKERS", ""),
			PollEvery: config.Duration("OUTBOX_POLL_MS", 2000, time.Millisecond),
			BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		})
		return &backend{
			driver:  driver,
			catalog: storage.NewCatalogRepository(pool),
			ledger:  storage.NewBookingRepository(pool, lockTimeout, outboxRepo),
			workers: []func(context.Context){publisher.Run},
			ready:   db.ReadyCheck(pool),
			close:   pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q (want postgres or memory)", driver)
	}
}
