package quota

import (
	"context"
	"time"
)

const (
	retryAttempts = 4
	retryBase     = 50 * time.Millisecond
)

// withRetry runs fn with bounded exponential backoff. Ledger write paths
// must not drop work on a transient Redis hiccup: a lost release strands
// capacity for good.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
