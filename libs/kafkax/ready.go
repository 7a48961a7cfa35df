package kafkax

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReadyCheck succeeds when any configured broker accepts a TCP dial. It returns nil (no
// check) when no brokers are configured, so the service can run without Kafka in dev.
func ReadyCheck(brokers string) func(context.Context) error {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		var errs []error
		for _, broker := range list {
			conn, err := dialer.DialContext(ctx, "tcp", broker)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			_ = conn.Close()
			return nil
		}
		return errors.Join(errs...)
	}
}
