package startup

import (
	"context"
	"time"

	redisstorage "github.com/socialchat/internal/storage/redis"
)

// ConnectRelayWithRetry connects the cross-instance relay, retrying while
// Redis is not reachable.
func ConnectRelayWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Relay, error) {
	var relay *redisstorage.Relay
	err := retry(ctx, "redis connect", maxWait, func(ctx context.Context) error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		relay = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return relay, nil
}
