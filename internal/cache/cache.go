// Package cache is the content-addressed response cache: it maps a
// request fingerprint to a previously generated, schema-valid artifact
// with a TTL per artifact class.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fitforge/fitforge-backend/internal/artifact"
	"github.com/fitforge/fitforge-backend/internal/store/redisstore"
)

const keyPrefix = "aicache:"

// KV is the backing key-value store. Implemented by redisstore in
// production and by an in-memory fake in tests.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// TTLs holds the per-class time-to-live configuration.
type TTLs struct {
	Plan     time.Duration
	Analysis time.Duration
	Chat     time.Duration
}

// Entry is the stored envelope. StoredAt lets lookups reject entries
// past their ttl even if the backing store did not evict them yet.
type Entry struct {
	Kind     artifact.Kind   `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}

type Cache struct {
	kv   KV
	ttls TTLs
	now  func() time.Time
}

func New(kv KV, ttls TTLs) *Cache {
	return &Cache{kv: kv, ttls: ttls, now: time.Now}
}

func (c *Cache) ttlFor(kind artifact.Kind) time.Duration {
	switch kind {
	case artifact.KindChatReply:
		return c.ttls.Chat
	case artifact.KindAnalysis:
		return c.ttls.Analysis
	default:
		return c.ttls.Plan
	}
}

// Get returns the cached entry for fingerprint, or ok=false on a miss.
// An expired entry is treated as a miss, never returned.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	raw, err := c.kv.Get(ctx, keyPrefix+fingerprint)
	if err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// corrupt entry, treat as miss
		return nil, false, nil
	}
	if e.TTL > 0 && c.now().Sub(e.StoredAt) >= e.TTL {
		return nil, false, nil
	}
	return &e, true, nil
}

// Put stores a validated artifact under fingerprint. Writes are
// idempotent for identical fingerprints; last-write-wins on a race.
func (c *Cache) Put(ctx context.Context, fingerprint string, kind artifact.Kind, art any) error {
	payload, err := json.Marshal(art)
	if err != nil {
		return err
	}
	ttl := c.ttlFor(kind)
	e := Entry{Kind: kind, Payload: payload, StoredAt: c.now(), TTL: ttl}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, keyPrefix+fingerprint, string(b), ttl)
}
