package pool

import (
	"context"
	"time"
)

// Sleep blocks for the duration d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted, nil when the full duration elapsed.
//
// The wait uses a pooled timer, making it suitable for hot poll loops.
func Sleep(ctx context.Context, d time.Duration) error {
	t := GetTimer(d)
	defer PutTimer(t)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
