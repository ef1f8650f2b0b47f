package testutil

import (
	"os"
	"testing"

	"cellmesh/cell"
)

func TestScratchCellRoundTrip(t *testing.T) {
	sb, err := NewStoreScratch()
	if err != nil {
		t.Fatalf("NewStoreScratch failed: %v", err)
	}
	defer sb.Cleanup()

	hash, err := sb.WriteCell("dump", cell.Str("hello world"))
	if err != nil {
		t.Fatalf("WriteCell failed: %v", err)
	}
	got, err := sb.ReadCell("dump", hash)
	if err != nil {
		t.Fatalf("ReadCell failed: %v", err)
	}
	if got.(cell.Str) != "hello world" {
		t.Fatalf("cell mismatch: got %v", got)
	}

	if err := sb.WriteRoot("dump", hash); err != nil {
		t.Fatalf("WriteRoot failed: %v", err)
	}
	root, err := sb.ReadRoot("dump")
	if err != nil {
		t.Fatalf("ReadRoot failed: %v", err)
	}
	if root != hash {
		t.Fatalf("root mismatch: got %q want %q", root, hash)
	}
}

func TestScratchCleanup(t *testing.T) {
	sb, err := NewStoreScratch()
	if err != nil {
		t.Fatalf("NewStoreScratch failed: %v", err)
	}
	if _, err := sb.WriteCell("dump", cell.Long(7)); err != nil {
		t.Fatalf("WriteCell failed: %v", err)
	}
	if err := sb.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(sb.Root); !os.IsNotExist(err) {
		t.Fatalf("expected scratch area to be removed")
	}
}
