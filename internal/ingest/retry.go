package ingest

import (
	"context"
	"fmt"
	"time"
)

// retry calls fn up to attempts times with a linear backoff of
// attempt*step between calls.
func retry(ctx context.Context, attempts int, step time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt) * step)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
