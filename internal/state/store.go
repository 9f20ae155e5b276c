package state

import "context"

// Store is the flat key/value surface every stateful component persists
// through. Keys are namespaced by component ("risk:", "position:",
// "order:", "ops:").
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
