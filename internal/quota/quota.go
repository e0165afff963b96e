// Package quota enforces per-user, per-day ceilings on billable AI
// requests. Day boundaries are UTC calendar days so "today" is
// well-defined regardless of client timezone.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExceeded is returned when a user has exhausted their daily
// ceiling. The request must not reach a provider.
var ErrExceeded = errors.New("quota: daily limit exceeded")

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// counters live 48h: long enough to span the day they count plus
// clock skew, short enough not to accumulate
const counterTTL = 48 * time.Hour

// Counter is the backing atomic counter. Implemented by redisstore in
// production and by an in-memory fake in tests.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
}

type Tracker struct {
	counter   Counter
	freeLimit int64
	now       func() time.Time
}

func NewTracker(counter Counter, freeLimit int64) *Tracker {
	if freeLimit <= 0 {
		freeLimit = 10
	}
	return &Tracker{counter: counter, freeLimit: freeLimit, now: time.Now}
}

func dayKey(userID uint64, t time.Time) string {
	return fmt.Sprintf("quota:%d:%s", userID, t.UTC().Format("2006-01-02"))
}

// CheckAndReserve atomically reserves one billable request for today.
// Callers reserve only after a confirmed cache miss, so Rollback stays
// out of the common path. Paid tiers are effectively unlimited and do
// not touch the counter.
func (t *Tracker) CheckAndReserve(ctx context.Context, userID uint64, tier Tier) error {
	if tier != TierFree {
		return nil
	}
	key := dayKey(userID, t.now())
	n, err := t.counter.Incr(ctx, key, counterTTL)
	if err != nil {
		return err
	}
	if n > t.freeLimit {
		// undo the reservation so the counter reflects issued requests
		_, _ = t.counter.Decr(ctx, key)
		return ErrExceeded
	}
	return nil
}

// Rollback releases a reservation that never reached a provider.
func (t *Tracker) Rollback(ctx context.Context, userID uint64, tier Tier) error {
	if tier != TierFree {
		return nil
	}
	_, err := t.counter.Decr(ctx, dayKey(userID, t.now()))
	return err
}
