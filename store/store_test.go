package store_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"cellmesh/cell"
	"cellmesh/internal/testutil"
	"cellmesh/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	st, err := store.New(lg, 32)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func TestDeepStoreIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	v := cell.Empty()
	for i := 0; i < 40; i++ {
		var err error
		v, err = cell.Append(context.Background(), v, cell.Long(i))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := st.DeepStore(v); err != nil {
		t.Fatalf("first deep store: %v", err)
	}
	lenAfterFirst := st.Len()

	if _, err := st.DeepStore(v); err != nil {
		t.Fatalf("second deep store: %v", err)
	}
	if st.Len() != lenAfterFirst {
		t.Fatalf("store grew on repeated DeepStore: %d -> %d", lenAfterFirst, st.Len())
	}
}

func TestLookupRoundTripsThroughRef(t *testing.T) {
	st := newTestStore(t)
	ctx := store.WithStore(context.Background(), st)

	ref, err := st.DeepStore(cell.Str("persisted value"))
	if err != nil {
		t.Fatalf("deep store: %v", err)
	}
	h, err := ref.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	got, ok := st.Lookup(h)
	if !ok {
		t.Fatalf("expected lookup to find stored cell")
	}
	if got.(cell.Str) != "persisted value" {
		t.Fatalf("lookup returned %v", got)
	}

	unresolved := cell.NewUnresolvedRef(h)
	resolved, err := unresolved.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.(cell.Str) != "persisted value" {
		t.Fatalf("resolve returned %v", resolved)
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	sb, err := testutil.NewStoreScratch()
	if err != nil {
		t.Fatalf("scratch: %v", err)
	}
	defer sb.Cleanup()

	st := newTestStore(t)
	ref, err := st.DeepStore(cell.Str("restart me"))
	if err != nil {
		t.Fatalf("deep store: %v", err)
	}
	h, err := ref.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	st.SetRoot(h)

	dir := sb.Dir("store")
	if err := st.Persist(dir); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// The dump is laid out one file per cell plus the ROOT anchor.
	if root, err := sb.ReadRoot("store"); err != nil || root != h.String() {
		t.Fatalf("dumped root = %q (%v), want %q", root, err, h)
	}
	if dumped, err := sb.ReadCell("store", h.String()); err != nil || dumped.(cell.Str) != "restart me" {
		t.Fatalf("dumped cell = %v (%v)", dumped, err)
	}

	restored := newTestStore(t)
	if err := restored.Restore(dir); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GetRoot() != h {
		t.Fatalf("restored root = %v, want %v", restored.GetRoot(), h)
	}
	got, ok := restored.Lookup(h)
	if !ok {
		t.Fatalf("expected restored store to contain root cell")
	}
	if got.(cell.Str) != "restart me" {
		t.Fatalf("restored value = %v", got)
	}
}
