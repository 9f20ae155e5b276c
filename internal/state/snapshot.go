package state

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// SaveSnapshot serializes v with msgpack and stores it under key. The kv
// store is string valued, so the payload is base64 wrapped.
func SaveSnapshot(ctx context.Context, store Store, key string, v any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, base64.StdEncoding.EncodeToString(payload))
}

// LoadSnapshot decodes the snapshot under key into v. The second return is
// false when no snapshot exists.
func LoadSnapshot(ctx context.Context, store Store, key string, v any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return false, err
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return false, err
	}
	return true, nil
}
