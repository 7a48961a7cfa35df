package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// booking-loadgen races N customers for one slot and reports the outcome counts. A healthy
// service returns exactly one 201 and N-1 409s.
func main() {
	var (
		baseURL    = flag.String("base-url", getenv("BASE_URL", "http://localhost:8083"), "booking service base url")
		providerID = flag.String("provider-id", getenv("PROVIDER_ID", "prov-demo"), "provider id")
		serviceID  = flag.String("service-id", getenv("SERVICE_ID", "svc-consult"), "service id")
		staffID    = flag.String("staff-id", getenv("STAFF_ID", ""), "staff id (empty lets the service assign)")
		start      = flag.String("start", "", "slot start time (RFC3339)")
		n          = flag.Int("n", 50, "concurrent requests")
		token      = flag.String("token", getenv("BOOKING_TOKEN", ""), "bearer token; trusted headers are sent when empty")
		timeout    = flag.Duration("timeout", 10*time.Second, "per-request timeout")
	)
	flag.Parse()

	if _, err := time.Parse(time.RFC3339, *start); err != nil {
		fatal("start must be an RFC3339 timestamp")
	}
	if *n <= 0 {
		fatal("n must be positive")
	}

	client := &http.Client{Timeout: *timeout}
	url := strings.TrimRight(*baseURL, "/") + "/api/v1/bookings"

	var mu sync.Mutex
	counts := map[int]int{}
	var g errgroup.Group
	began := time.Now()
	for i := 0; i < *n; i++ {
		g.Go(func() error {
			status, err := reserve(context.Background(), client, url, *token, fmt.Sprintf("loadgen-%d", i), map[string]string{
				"provider_id": *providerID,
				"service_id":  *serviceID,
				"staff_id":    *staffID,
				"start_time":  *start,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				counts[0]++
				return nil
			}
			counts[status]++
			return nil
		})
	}
	_ = g.Wait()

	fmt.Printf("requests=%d elapsed=%s\n", *n, time.Since(began).Round(time.Millisecond))
	fmt.Printf("created=%d conflict=%d unavailable=%d errors=%d other=%d\n",
		counts[http.StatusCreated], counts[http.StatusConflict], counts[http.StatusServiceUnavailable], counts[0],
		*n-counts[http.StatusCreated]-counts[http.StatusConflict]-counts[http.StatusServiceUnavailable]-counts[0])
	if counts[http.StatusCreated] != 1 {
		os.Exit(1)
	}
}

func reserve(ctx context.Context, client *http.Client, url, token, customerID string, body map[string]string) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("X-User-Id", customerID)
		req.Header.Set("X-Role", "customer")
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
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
