// Package store implements cellmesh's content-addressed object repository:
// insert-by-hash, lookup-by-hash, shallow vs deep persistence, and a single
// root-hash anchor used to resume a peer across restarts.
//
// The in-memory backing map is the source of truth; an LRU front-cache
// (hashicorp/golang-lru/v2) only bounds the working set, library-backed
// rather than hand-rolled.
package store

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"cellmesh/cell"
	"cellmesh/errs"
)

// Mode selects how deeply Store persists a cell's reachable graph.
type Mode int

const (
	// Shallow writes only the top cell; child refs are left as-is.
	Shallow Mode = iota
	// Deep recursively stores every non-embedded descendant.
	Deep
)

const defaultCacheSize = 10_000

// Store is a hash-addressed cell repository, safe for concurrent
// insert/lookup from every worker the server spawns.
type Store struct {
	mu   sync.RWMutex
	data map[cid.Cid]cell.Cell
	root cid.Cid

	cache *lru.Cache[cid.Cid, cell.Cell]
	log   *logrus.Logger
}

// New builds an empty Store. lg may be nil, in which case the standard
// logrus logger is used.
func New(lg *logrus.Logger, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	c, err := lru.New[cid.Cid, cell.Cell](cacheSize)
	if err != nil {
		return nil, errs.Internalf("store: build cache: %v", err)
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Store{data: make(map[cid.Cid]cell.Cell), cache: c, log: lg}, nil
}

// Lookup satisfies cell.Store so a Ref can resolve through this store
// without cell importing the store package.
func (s *Store) Lookup(h cid.Cid) (cell.Cell, bool) {
	if v, ok := s.cache.Get(h); ok {
		return v, true
	}
	s.mu.RLock()
	v, ok := s.data[h]
	s.mu.RUnlock()
	if ok {
		s.cache.Add(h, v)
	}
	return v, ok
}

// shallowStore writes only c itself, returning an unresolved ref over its
// hash. Already-present cells are left untouched (idempotent).
func (s *Store) shallowStore(c cell.Cell) (*cell.Ref, error) {
	h, err := cell.Hash(c)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, exists := s.data[h]; !exists {
		s.data[h] = c
	}
	s.mu.Unlock()
	s.cache.Add(h, c)
	return cell.NewUnresolvedRef(h), nil
}

// Store persists c according to mode.
func (s *Store) Store(c cell.Cell, mode Mode) (*cell.Ref, error) {
	if mode == Deep {
		return s.DeepStore(c)
	}
	return s.shallowStore(c)
}

// DeepStore recursively stores every non-embedded descendant of c before
// storing c itself, then marks each resolved ref it touched as durably
// stored. A cell already present by hash is not rewritten, so
// DeepStore(c); DeepStore(c) has the same visible effect as one call.
func (s *Store) DeepStore(c cell.Cell) (*cell.Ref, error) {
	for _, child := range c.Children() {
		if err := s.deepStoreRef(child); err != nil {
			return nil, err
		}
	}
	return s.shallowStore(c)
}

func (s *Store) deepStoreRef(r *cell.Ref) error {
	if r.IsEmbedded() {
		v, ok := r.Value()
		if !ok {
			return nil
		}
		for _, child := range v.Children() {
			if err := s.deepStoreRef(child); err != nil {
				return err
			}
		}
		return nil
	}
	if r.State() != cell.StateResolved {
		// Hash known, value not held here: either already durable
		// elsewhere in this store or will surface MissingData when a
		// caller eventually tries to resolve it. Nothing to recurse into.
		return nil
	}
	v, ok := r.Value()
	if !ok {
		return errs.Internalf("deep store: resolved ref missing value")
	}
	for _, child := range v.Children() {
		if err := s.deepStoreRef(child); err != nil {
			return err
		}
	}
	if _, err := s.shallowStore(v); err != nil {
		return err
	}
	r.MarkStored()
	return nil
}

// SetRoot anchors h as the single restart point.
func (s *Store) SetRoot(h cid.Cid) {
	s.mu.Lock()
	s.root = h
	s.mu.Unlock()
}

// GetRoot returns the current root anchor, or cid.Undef if none was set.
func (s *Store) GetRoot() cid.Cid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Close is the store's half of the embedder shutdown hook: it is a
// no-op for the in-memory store beyond a debug log line, kept
// as a method so callers can defer it uniformly whether or not a backing
// file is attached (see Persist/Restore for the file-backed path used on
// restart).
func (s *Store) Close() error {
	s.log.Debug("store closed")
	return nil
}

// Len reports how many distinct cells are held, for tests and metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
