package store

import (
	"context"
	"sync"

	"cellmesh/cell"
)

// WithStore attaches s as the ambient store for ctx, carried explicitly
// through the context rather than a thread-local pointer. It is a thin
// forwarder to cell.WithStore so callers never need to import both
// packages just to wire up a context.
func WithStore(ctx context.Context, s *Store) context.Context {
	return cell.WithStore(ctx, s)
}

// FromContext returns the ambient Store attached to ctx, falling back to
// the process-wide Default store when none was set.
func FromContext(ctx context.Context) *Store {
	if s, ok := cell.StoreFromContext(ctx); ok {
		if st, ok := s.(*Store); ok {
			return st
		}
	}
	return Default()
}

var (
	defaultOnce  sync.Once
	defaultStore *Store
)

// Default returns the process-wide fallback store, created lazily on
// first use. Servers should construct their own Store and carry it via
// WithStore rather than relying on this fallback.
func Default() *Store {
	defaultOnce.Do(func() {
		s, err := New(nil, defaultCacheSize)
		if err != nil {
			panic(err) // cache size is a compile-time constant; New cannot fail here
		}
		defaultStore = s
	})
	return defaultStore
}
