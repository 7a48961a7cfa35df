package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/bookingengine/libs/otel"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/cache"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/heatmap"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/payments"
)

type Config struct {
	// ReservationTTL is how long a Requested or Pending booking holds its slot.
	ReservationTTL time.Duration
	// RetryAttempts bounds tries of an operation that keeps failing with a transient error.
	RetryAttempts uint
	RetryInitial  time.Duration
	Heatmap       heatmap.Thresholds
	// MaxParallelDays bounds the per-day fan-out of range queries.
	MaxParallelDays int
}

func DefaultConfig() Config {
	return Config{
		ReservationTTL:  30 * time.Minute,
		RetryAttempts:   3,
		RetryInitial:    50 * time.Millisecond,
		Heatmap:         heatmap.DefaultThresholds,
		MaxParallelDays: 8,
	}
}

type Deps struct {
	Catalog  catalog.Catalog
	Ledger   ledger.Store
	Cache    cache.SlotCache
	Payments payments.Gateway
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Service holds the booking use cases. It is safe for concurrent use.
type Service struct {
	catalog  catalog.Catalog
	ledger   ledger.Store
	cache    cache.SlotCache
	payments payments.Gateway
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	cfg      Config
	tracer   trace.Tracer
}

func NewService(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.Heatmap == (heatmap.Thresholds{}) {
		cfg.Heatmap = def.Heatmap
	}
	if cfg.MaxParallelDays <= 0 {
		cfg.MaxParallelDays = def.MaxParallelDays
	}
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if deps.Payments == nil {
		deps.Payments = payments.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Service{
		catalog:  deps.Catalog,
		ledger:   deps.Ledger,
		cache:    deps.Cache,
		payments: deps.Payments,
		logger:   deps.Logger,
		now:      deps.Now,
		newID:    deps.NewID,
		cfg:      cfg,
		tracer:   otelx.Tracer("booking-service/booking"),
	}
}

// retry runs fn until it succeeds, fails with a non-transient error or runs out of attempts.
func retry[T any](ctx context.Context, s *Service, op string, fn func() (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.RetryInitial
	expo.MaxInterval = 20 * s.cfg.RetryInitial

	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		if attempt > 1 {
			metrics.IncStorageRetry(op)
		}
		v, err := fn()
		if err != nil && !model.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(s.cfg.RetryAttempts))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return v, err
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "booking."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// event starts the event recorded with a ledger change. The ledger fills in the booking.
func (s *Service) event(actor model.Actor, previousID string) model.Event {
	return model.Event{
		ID:                s.newID(),
		OccurredAt:        s.now().UTC(),
		Actor:             actor,
		PreviousBookingID: previousID,
	}
}

// authorize scopes actor to bookings it may act on. Customers may only act on their own
// bookings and only through the actions listed in customerActions.
func authorize(actor model.Actor, b model.Booking, action string) error {
	switch actor.Kind {
	case model.ActorSystem, model.ActorAdmin:
		return nil
	case model.ActorProvider:
		if actor.ProviderID != "" && actor.ProviderID != b.ProviderID {
			return &model.PolicyViolationError{Reason: "booking belongs to another provider"}
		}
		return nil
	case model.ActorCustomer:
		if actor.ID == "" || actor.ID != b.CustomerID {
			return &model.PolicyViolationError{Reason: "booking belongs to another customer"}
		}
		if !customerActions[action] {
			return &model.PolicyViolationError{Reason: "customers cannot " + action + " bookings"}
		}
		return nil
	default:
		return &model.PolicyViolationError{Reason: "unknown actor"}
	}
}

var customerActions = map[string]bool{
	"view":       true,
	"cancel":     true,
	"reschedule": true,
	"quote":      true,
}

func (s *Service) Get(ctx context.Context, actor model.Actor, id string) (model.Booking, error) {
	b, err := retry(ctx, s, "get", func() (model.Booking, error) { return s.ledger.Get(ctx, id) })
	if err != nil {
		return model.Booking{}, err
	}
	if err := authorize(actor, b, "view"); err != nil {
		return model.Booking{}, err
	}
	return b, nil
}

type ListQuery struct {
	ProviderID string
	From       time.Time
	To         time.Time
	Limit      int
}

// List returns a provider's bookings ordered by start. Customers only see their own.
func (s *Service) List(ctx context.Context, actor model.Actor, q ListQuery) ([]model.Booking, error) {
	if q.ProviderID == "" {
		return nil, model.Invalid("provider_id", "is required")
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		return nil, model.Invalid("to", "must be after from")
	}
	if actor.Kind == model.ActorProvider && actor.ProviderID != "" && actor.ProviderID != q.ProviderID {
		return nil, &model.PolicyViolationError{Reason: "cannot list another provider's bookings"}
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = ledger.DefaultListLimit
	}
	out, err := retry(ctx, s, "list", func() ([]model.Booking, error) {
		return s.ledger.ListByProvider(ctx, q.ProviderID, q.From, q.To, q.Limit)
	})
	if err != nil {
		return nil, err
	}
	if actor.Kind != model.ActorCustomer {
		return out, nil
	}
	own := out[:0]
	for _, b := range out {
		if b.CustomerID == actor.ID {
			own = append(own, b)
		}
	}
	return own, nil
}
