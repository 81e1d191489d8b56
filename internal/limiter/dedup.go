package limiter

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DuplicateSuppressor rejects a sender repeating the same content too often.
// The window opens on the first occurrence and is not extended by repeats.
type DuplicateSuppressor struct {
	store CounterStore
	opts  options
}

func NewDuplicateSuppressor(store CounterStore, opts ...Option) *DuplicateSuppressor {
	return &DuplicateSuppressor{store: store, opts: buildOptions(opts)}
}

// CheckDuplicate denies once the same normalized content from senderID has
// been seen more than maxRepeats times within window.
func (d *DuplicateSuppressor) CheckDuplicate(ctx context.Context, senderID, content string, maxRepeats int, window time.Duration) Decision {
	if window <= 0 {
		window = 10 * time.Second
	}
	key := "dup:" + senderID + ":" + ContentHash(content)

	count, err := d.store.IncrementWithExpiry(ctx, key, window)
	if err != nil {
		return d.opts.degraded("duplicate", key, err)
	}
	return Decision{Allowed: count <= int64(maxRepeats), Count: count}
}

// ContentHash is a 64-bit xxhash of the normalized content, hex encoded.
func ContentHash(content string) string {
	return strconv.FormatUint(xxhash.Sum64String(normalizeContent(content)), 16)
}

// normalizeContent folds case and collapses whitespace so trivial variations
// of the same text count as repeats.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
