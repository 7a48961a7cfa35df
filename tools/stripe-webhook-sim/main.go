package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

// stripe-webhook-sim signs a payment_intent.succeeded event the way Stripe would and posts it
// to the booking service, so payment recording can be exercised without a Stripe account.
func main() {
	var (
		baseURL   = flag.String("base-url", getenv("BASE_URL", "http://localhost:8083"), "booking service base url")
		bookingID = flag.String("booking-id", getenv("BOOKING_ID", ""), "booking_id metadata")
		amount    = flag.Int64("amount", 0, "amount received in minor units")
		intentID  = flag.String("payment-intent", "", "payment intent id (generated when empty)")
		secret    = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*bookingID) == "" {
		fatal("BOOKING_ID is required")
	}
	if *amount <= 0 {
		fatal("amount must be positive")
	}

	now := time.Now().UTC()
	if *intentID == "" {
		*intentID = fmt.Sprintf("pi_test_%d", now.UnixNano())
	}
	payload, err := buildEventJSON(fmt.Sprintf("evt_test_%d", now.UnixNano()), *intentID, now, *bookingID, *amount)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/payments/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID, intentID string, t time.Time, bookingID string, amount int64) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":      eventID,
		"object":  "event",
		"created": t.Unix(),
		"type":    "payment_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id":              intentID,
				"object":          "payment_intent",
				"amount":          amount,
				"amount_received": amount,
				"currency":        "usd",
				"status":          "succeeded",
				"metadata": map[string]any{
					"booking_id": bookingID,
				},
			},
		},
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
