package limiter

import (
	"context"
	"strconv"
	"time"
)

// RateLimiter is a fixed-window counter. Bursts straddling a window boundary
// can reach up to twice the nominal rate; that is the accepted cost of using a
// single counter per window.
type RateLimiter struct {
	store CounterStore
	opts  options
}

func NewRateLimiter(store CounterStore, opts ...Option) *RateLimiter {
	return &RateLimiter{store: store, opts: buildOptions(opts)}
}

// CheckAndIncrement counts one event against scopeKey in the current window
// and allows it while the count stays within limit.
func (l *RateLimiter) CheckAndIncrement(ctx context.Context, scopeKey string, limit int, window time.Duration) Decision {
	if window <= 0 {
		window = time.Second
	}
	key := windowKey(scopeKey, l.opts.now(), window)

	count, err := l.store.IncrementWithExpiry(ctx, key, window)
	if err != nil {
		return l.opts.degraded("rate_limit", key, err)
	}
	return Decision{Allowed: count <= int64(limit), Count: count}
}

func windowKey(scopeKey string, now time.Time, window time.Duration) string {
	id := now.UnixNano() / int64(window)
	return "rl:" + scopeKey + ":" + strconv.FormatInt(id, 10)
}

func SenderScope(senderID string) string { return "sender:" + senderID }

func RoomScope(roomID string) string { return "room:" + roomID }
