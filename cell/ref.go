package cell

import (
	"context"

	"github.com/ipfs/go-cid"

	"cellmesh/errs"
)

// RefState is the lifecycle stage of a Ref.
type RefState int

const (
	// StateEmbedded: the value is small enough to inline in the parent's
	// encoding. Never a standalone store entry.
	StateEmbedded RefState = iota
	// StateResolved: the value is held in memory (hash computed lazily).
	StateResolved
	// StateStoredShallow: the hash is known and the value lives in the
	// store; the value's own children may still be unresolved.
	StateStoredShallow
	// StateUnresolved: only the hash is known.
	StateUnresolved
)

// embeddedThreshold is the encoded-size cutoff below which a value is
// inlined rather than addressed by hash: encodings of at most 64 bytes
// are embedded.
const embeddedThreshold = 64

// Store is the minimal lookup surface Ref.Resolve needs. The concrete
// content-addressed store (package store) implements this structurally;
// cell never imports store, avoiding an import cycle. Resolution goes
// through an explicit context-carried store rather than a thread-local
// pointer.
type Store interface {
	Lookup(h cid.Cid) (Cell, bool)
}

type storeCtxKey struct{}

// WithStore attaches s as the ambient store for ctx. Every operation that
// may need to resolve a lazy Ref takes ctx and reads the store from it,
// rather than reaching for a thread-local "current store" pointer.
func WithStore(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, storeCtxKey{}, s)
}

// StoreFromContext returns the ambient store attached to ctx, if any.
func StoreFromContext(ctx context.Context) (Store, bool) {
	s, ok := ctx.Value(storeCtxKey{}).(Store)
	return s, ok
}

// Ref is a handle to a cell, possibly lazy. Resolving a StoredShallow or
// Unresolved ref performs a store lookup; an Unresolved ref whose hash is
// not present anywhere in the store surfaces errs.MissingData.
type Ref struct {
	state RefState
	hash  cid.Cid
	value Cell
}

// NewEmbeddedRef wraps a value that is known to be embeddable (used by the
// decoder, which has already observed no TagRef was present).
func NewEmbeddedRef(c Cell) *Ref {
	return &Ref{state: StateEmbedded, value: c}
}

// NewUnresolvedRef wraps a bare hash with no in-memory value.
func NewUnresolvedRef(h cid.Cid) *Ref {
	return &Ref{state: StateUnresolved, hash: h}
}

// NewRef builds the ref a parent cell should hold for child value c,
// choosing StateEmbedded when c's encoding fits under embeddedThreshold and
// StateResolved (hash computed, value retained) otherwise.
func NewRef(c Cell) (*Ref, error) {
	enc, err := c.Encode()
	if err != nil {
		return nil, err
	}
	if len(enc) <= embeddedThreshold {
		return &Ref{state: StateEmbedded, value: c}, nil
	}
	h, err := hashBytes(enc)
	if err != nil {
		return nil, err
	}
	return &Ref{state: StateResolved, value: c, hash: h}, nil
}

// IsEmbedded reports whether r is inlined in its parent's encoding.
func (r *Ref) IsEmbedded() bool { return r.state == StateEmbedded }

// State returns the ref's current lifecycle stage.
func (r *Ref) State() RefState { return r.state }

// Hash returns r's identity hash, computing it from the in-memory value on
// first use if necessary.
func (r *Ref) Hash() (cid.Cid, error) {
	if r.hash.Defined() {
		return r.hash, nil
	}
	if r.value == nil {
		return cid.Undef, errs.Internalf("ref has neither hash nor value")
	}
	h, err := Hash(r.value)
	if err != nil {
		return cid.Undef, err
	}
	r.hash = h
	return h, nil
}

// DigestBytes returns the raw 32-byte digest backing Hash, the form
// written on the wire.
func (r *Ref) DigestBytes() ([]byte, error) {
	h, err := r.Hash()
	if err != nil {
		return nil, err
	}
	return digestBytes(h)
}

// Value returns the in-memory value if already resolved, without
// performing a store lookup.
func (r *Ref) Value() (Cell, bool) {
	return r.value, r.value != nil
}

// Resolve forces the ref to a concrete Cell, performing a store lookup
// through ctx's ambient store when the value is not already held in
// memory. A StoredShallow/Unresolved ref whose hash cannot be found
// anywhere reachable returns errs.MissingData(hash) so callers can park
// the operation and request the cell over the wire.
func (r *Ref) Resolve(ctx context.Context) (Cell, error) {
	if r.value != nil {
		return r.value, nil
	}
	s, ok := StoreFromContext(ctx)
	if !ok {
		return nil, errs.Internalf("resolve ref: no store in context")
	}
	c, found := s.Lookup(r.hash)
	if !found {
		return nil, errs.NewMissingData(r.hash)
	}
	r.value = c
	if r.state == StateUnresolved {
		r.state = StateStoredShallow
	}
	return c, nil
}

// MarkStored transitions a Resolved ref to StoredShallow once its value has
// been durably written, without discarding the cached in-memory value.
func (r *Ref) MarkStored() {
	if r.state == StateResolved {
		r.state = StateStoredShallow
	}
}

// Encoding returns the referenced value's canonical encoding — the bytes
// signatures cover — resolving through ctx's ambient store when the
// value is not already in memory.
func (r *Ref) Encoding(ctx context.Context) ([]byte, error) {
	c, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return c.Encode()
}

// ResolveDeep forces every ref reachable from c, loading stored values
// through ctx's ambient store. The first unavailable hash surfaces as
// errs.MissingData so the caller can park the operation, pull the cell
// over the wire, and retry.
func ResolveDeep(ctx context.Context, c Cell) error {
	for _, r := range c.Children() {
		v, err := r.Resolve(ctx)
		if err != nil {
			return err
		}
		if err := ResolveDeep(ctx, v); err != nil {
			return err
		}
	}
	return nil
}
