package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/socialchat/internal/logger"
)

const maxBackoff = 30 * time.Second

// retry calls fn until it succeeds, ctx ends or maxWait elapses, doubling
// the pause between attempts from 2s up to 30s.
func retry(ctx context.Context, what string, maxWait time.Duration, fn func(context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s failed, retry in %v: %v", what, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
