// Package store implements the owner-scoped key-value collaborator used for
// learning state, risk state and cached blobs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// KV is a get/put/delete store scoped by owner.
type KV interface {
	Get(ctx context.Context, owner, key string) ([]byte, error)
	Put(ctx context.Context, owner, key string, value []byte) error
	Delete(ctx context.Context, owner, key string) error
	Close() error
}

// GetJSON decodes the value under key into dst. It returns (false, nil) when the key is absent.
func GetJSON(ctx context.Context, kv KV, owner, key string, dst any) (bool, error) {
	raw, err := kv.Get(ctx, owner, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, kv KV, owner, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Put(ctx, owner, key, raw)
}
