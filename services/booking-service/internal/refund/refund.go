package refund

import (
	"fmt"
	"math"
	"time"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Quote is the refund outcome of cancelling a booking at a given time.
type Quote struct {
	Amount           int64   `json:"amount"`
	Percentage       float64 `json:"percentage"`
	HoursUntil       float64 `json:"hours_until"`
	Reason           string  `json:"reason"`
	FreeCancellation bool    `json:"free_cancellation"`
}

// Compute applies policy to a cancellation of b by actor at now. Provider, admin and system
// cancellations bypass the customer policy and refund everything paid.
func Compute(b model.Booking, policy model.CancellationPolicy, actor model.ActorKind, now time.Time) (Quote, error) {
	hours := b.StartTime.Sub(now).Hours()
	q := Quote{HoursUntil: math.Round(hours*100) / 100}

	if actor != model.ActorCustomer {
		q.Amount = b.PaidAmount
		q.FreeCancellation = true
		q.Reason = fmt.Sprintf("cancelled by %s: full refund", actor)
		q.Percentage = percentage(q.Amount, b.PaidAmount)
		return q, nil
	}
	if !policy.AllowCancellation {
		return Quote{}, &model.PolicyViolationError{Reason: "provider does not allow customer cancellations"}
	}

	if hours >= policy.FreeBeforeHours {
		q.Amount = b.PaidAmount
		q.FreeCancellation = true
		q.Reason = fmt.Sprintf("cancelled %.1fh before start, free cancellation window is %.1fh", hours, policy.FreeBeforeHours)
	} else {
		pct := math.Min(math.Max(policy.RefundPercentage, 0), 1)
		amount := int64(math.Floor(float64(b.PaidAmount)*pct)) - policy.PenaltyAmount
		q.Amount = max(amount, 0)
		q.Reason = fmt.Sprintf("late cancellation: %.0f%% refund less %d penalty", pct*100, policy.PenaltyAmount)
	}
	q.Percentage = percentage(q.Amount, b.PaidAmount)
	return q, nil
}

func percentage(amount, paid int64) float64 {
	if paid <= 0 {
		return 0
	}
	return math.Round(float64(amount)*10000/float64(paid)) / 100
}
