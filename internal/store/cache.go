package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"propfirm-core/pkg/logger"
)

// envelope wraps a cached blob with its expiry.
type envelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Data      json.RawMessage `json:"data"`
}

// Cache stores JSON blobs with a TTL on top of a KV. Expiry is checked on read
// and stale entries are deleted lazily.
type Cache struct {
	kv  KV
	now func() time.Time
}

// NewCache wraps kv.
func NewCache(kv KV) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// Get decodes a live entry into dst. A missing or expired entry reports false.
func (c *Cache) Get(ctx context.Context, owner, key string, dst any) (bool, error) {
	var env envelope
	ok, err := GetJSON(ctx, c.kv, owner, "cache:"+key, &env)
	if err != nil || !ok {
		return false, err
	}
	if !env.ExpiresAt.IsZero() && !c.now().Before(env.ExpiresAt) {
		if err := c.kv.Delete(ctx, owner, "cache:"+key); err != nil {
			logger.S().Warnw("cache: stale entry delete failed", "key", key, "error", err)
		}
		return false, nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// Set stores v for ttl (ttl <= 0 never expires).
func (c *Cache) Set(ctx context.Context, owner, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	env := envelope{Data: data}
	if ttl > 0 {
		env.ExpiresAt = c.now().Add(ttl)
	}
	return PutJSON(ctx, c.kv, owner, "cache:"+key, env)
}
