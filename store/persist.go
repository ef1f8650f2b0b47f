package store

import (
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"cellmesh/cell"
	"cellmesh/errs"
)

// Persist flushes every held cell plus the root anchor to dir, one file
// per cell named by its hash, so a later process can Restore from the
// same root. This is a flat write-everything flush rather than an
// eviction cache, since restart recovery needs every reachable cell, not
// just the hottest ones.
func (s *Store) Persist(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Internalf("persist store: mkdir: %v", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for h, c := range s.data {
		enc, err := c.Encode()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, h.String()), enc, 0o644); err != nil {
			return errs.Internalf("persist store: write %s: %v", h, err)
		}
	}
	if s.root.Defined() {
		if err := os.WriteFile(filepath.Join(dir, "ROOT"), []byte(s.root.String()), 0o644); err != nil {
			return errs.Internalf("persist store: write root: %v", err)
		}
	}
	return nil
}

// Restore loads every cell file under dir back into the store and, if a
// ROOT file is present, restores the root anchor. Cells are decoded with
// cell.Decode, which dispatches through whatever decoders the importing
// binary has registered (peer's Block/Order/Belief/State/... included),
// so callers must import package peer before calling Restore.
func (s *Store) Restore(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Internalf("restore store: read dir: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "ROOT" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return errs.Internalf("restore store: read %s: %v", e.Name(), err)
		}
		c, err := cell.Decode(b)
		if err != nil {
			return errs.Internalf("restore store: decode %s: %v", e.Name(), err)
		}
		if _, err := s.shallowStore(c); err != nil {
			return err
		}
	}
	rootPath := filepath.Join(dir, "ROOT")
	if b, err := os.ReadFile(rootPath); err == nil {
		h, err := cid.Decode(string(b))
		if err != nil {
			return errs.Internalf("restore store: decode root: %v", err)
		}
		s.SetRoot(h)
	}
	return nil
}
