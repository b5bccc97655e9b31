package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"time"
)

// Backoff computes base * 2^attempt capped at Max. With Jitter set, up to
// half of the delay again is added, derived from the attempt identity so a
// given retry always waits the same time.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

func (b Backoff) Delay(attempt int, seed string) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	d := b.Base << shift
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	if b.Jitter && d > 1 {
		sum := sha256.Sum256([]byte(seed + ":" + strconv.Itoa(attempt)))
		d += time.Duration(binary.BigEndian.Uint64(sum[:8]) % uint64(d/2))
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
