package storage

import (
	"context"

	"fallora/internal/interfaces"
)

// Namespaced scopes every key of an underlying store under a prefix. Close
// does not close the underlying store, which stays owned by its opener.
type Namespaced struct {
	kv     interfaces.KVStore
	prefix string
}

// Namespace returns a view of kv whose keys are "<ns>:<key>".
func Namespace(kv interfaces.KVStore, ns string) *Namespaced {
	return &Namespaced{kv: kv, prefix: ns + ":"}
}

func (n *Namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Set(ctx context.Context, key, value string) error {
	return n.kv.Set(ctx, n.prefix+key, value)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.kv.Delete(ctx, n.prefix+key)
}

func (n *Namespaced) Close() error { return nil }
