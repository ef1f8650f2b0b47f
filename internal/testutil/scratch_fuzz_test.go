package testutil

import (
	"bytes"
	"testing"

	"cellmesh/cell"
)

func FuzzScratchCellRoundTrip(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		sb, err := NewStoreScratch()
		if err != nil {
			t.Fatalf("NewStoreScratch failed: %v", err)
		}
		defer sb.Cleanup()
		hash, err := sb.WriteCell("fuzz", cell.Blob(data))
		if err != nil {
			t.Fatalf("WriteCell failed: %v", err)
		}
		got, err := sb.ReadCell("fuzz", hash)
		if err != nil {
			t.Fatalf("ReadCell failed: %v", err)
		}
		blob, ok := got.(cell.Blob)
		if !ok || !bytes.Equal([]byte(blob), data) {
			t.Fatalf("mismatch: got %#v want %q", got, data)
		}
	})
}
