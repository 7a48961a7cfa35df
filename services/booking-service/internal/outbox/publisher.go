package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/bookingengine/libs/db"
	"github.com/md-rashed-zaman/bookingengine/libs/kafkax"
	otelx "github.com/md-rashed-zaman/bookingengine/libs/otel"
)

// Publisher relays unpublished outbox rows to Kafka.
type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer func() { _ = writer.Close() }()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishBatch(ctx, writer); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func (p *Publisher) publishBatch(ctx context.Context, writer messageWriter) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	msgs := make([]kafka.Message, 0, len(records))
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, buildMessage(ctx, r))
		ids = append(ids, r.ID)
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// buildMessage keys by booking id so every event of one booking lands on the same partition.
func buildMessage(ctx context.Context, r Record) kafka.Message {
	msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
	msg := kafka.Message{
		Topic:   r.EventType,
		Key:     []byte(r.AggregateID),
		Value:   r.Payload,
		Headers: kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType}.Headers(),
	}
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
	return msg
}
