package testutil

import (
	"os"
	"path/filepath"

	"cellmesh/cell"
)

// StoreScratch is an isolated on-disk scratch area laid out like a
// persisted store dump: one file per cell named by its hash, plus the
// ROOT anchor. Tests use it to assemble or inspect dumps without going
// through a live Store.
type StoreScratch struct {
	Root string
}

// NewStoreScratch creates a scratch area under a fresh temp directory.
func NewStoreScratch() (*StoreScratch, error) {
	dir, err := os.MkdirTemp("", "cellmesh_store")
	if err != nil {
		return nil, err
	}
	return &StoreScratch{Root: dir}, nil
}

// Dir returns the path of the named dump inside the scratch area.
func (s *StoreScratch) Dir(name string) string {
	return filepath.Join(s.Root, name)
}

// WriteCell writes c into the named dump the way Store.Persist lays
// cells out — encoded bytes in a file named by the cell's hash — and
// returns that hash string.
func (s *StoreScratch) WriteCell(name string, c cell.Cell) (string, error) {
	enc, err := c.Encode()
	if err != nil {
		return "", err
	}
	h, err := cell.Hash(c)
	if err != nil {
		return "", err
	}
	dir := s.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, h.String()), enc, 0o644); err != nil {
		return "", err
	}
	return h.String(), nil
}

// ReadCell loads and decodes one cell file from the named dump.
func (s *StoreScratch) ReadCell(name, hash string) (cell.Cell, error) {
	b, err := os.ReadFile(filepath.Join(s.Dir(name), hash))
	if err != nil {
		return nil, err
	}
	return cell.Decode(b)
}

// WriteRoot records hash as the named dump's ROOT anchor.
func (s *StoreScratch) WriteRoot(name, hash string) error {
	dir := s.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "ROOT"), []byte(hash), 0o644)
}

// ReadRoot returns the named dump's ROOT anchor.
func (s *StoreScratch) ReadRoot(name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.Dir(name), "ROOT"))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Cleanup removes the whole scratch area.
func (s *StoreScratch) Cleanup() error {
	return os.RemoveAll(s.Root)
}
