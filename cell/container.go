package cell

import (
	"bytes"
	"sort"
)

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   *Ref
	Value *Ref
}

// Map is a content-addressed association: entries are canonically ordered
// by key hash so that two maps with the same logical entries always
// encode identically regardless of insertion order. Used for Belief's
// peerKey→signedOrder mapping and State's account table.
type Map struct {
	entries []MapEntry
}

// NewMap builds a Map from entries, sorting them into canonical order.
func NewMap(entries []MapEntry) (*Map, error) {
	sorted := append([]MapEntry(nil), entries...)
	var sortErr error
	sort.Slice(sorted, func(i, j int) bool {
		hi, err := sorted[i].Key.Hash()
		if err != nil {
			sortErr = err
		}
		hj, err := sorted[j].Key.Hash()
		if err != nil {
			sortErr = err
		}
		return bytes.Compare(hi.Bytes(), hj.Bytes()) < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return &Map{entries: sorted}, nil
}

func (m *Map) Tag() Tag { return TagMap }

func (m *Map) Children() []*Ref {
	out := make([]*Ref, 0, len(m.entries)*2)
	for _, e := range m.entries {
		out = append(out, e.Key, e.Value)
	}
	return out
}

func (m *Map) Encode() ([]byte, error) {
	w := NewWriter()
	w.WriteTag(TagMap)
	w.WriteUvarint(uint64(len(m.entries)))
	for _, e := range m.entries {
		if err := w.WriteRef(e.Key); err != nil {
			return nil, err
		}
		if err := w.WriteRef(e.Value); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// Len returns the entry count.
func (m *Map) Len() int { return len(m.entries) }

// Entries returns the map's entries in canonical order.
func (m *Map) Entries() []MapEntry { return append([]MapEntry(nil), m.entries...) }

// Get looks up a value by key hash equality (resolved against ctx's store
// as needed by the caller before calling Get).
func (m *Map) Get(key Cell) (*Ref, bool) {
	kh, err := Hash(key)
	if err != nil {
		return nil, false
	}
	for _, e := range m.entries {
		eh, err := e.Key.Hash()
		if err != nil {
			continue
		}
		if eh.Equals(kh) {
			return e.Value, true
		}
	}
	return nil, false
}

func readMap(r *Reader) (Cell, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	entries := make([]MapEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.ReadRef()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadRef()
		if err != nil {
			return nil, err
		}
		entries = append(entries, MapEntry{Key: k, Value: v})
	}
	return &Map{entries: entries}, nil
}

// Set is a content-addressed collection, canonically ordered by element
// hash for the same reason Map is.
type Set struct {
	elems []*Ref
}

// NewSet builds a Set from element refs, sorting into canonical order.
func NewSet(elems []*Ref) (*Set, error) {
	sorted := append([]*Ref(nil), elems...)
	var sortErr error
	sort.Slice(sorted, func(i, j int) bool {
		hi, err := sorted[i].Hash()
		if err != nil {
			sortErr = err
		}
		hj, err := sorted[j].Hash()
		if err != nil {
			sortErr = err
		}
		return bytes.Compare(hi.Bytes(), hj.Bytes()) < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return &Set{elems: sorted}, nil
}

func (s *Set) Tag() Tag         { return TagSet }
func (s *Set) Children() []*Ref { return append([]*Ref(nil), s.elems...) }
func (s *Set) Len() int         { return len(s.elems) }
func (s *Set) Elements() []*Ref { return append([]*Ref(nil), s.elems...) }

func (s *Set) Encode() ([]byte, error) {
	w := NewWriter()
	w.WriteTag(TagSet)
	w.WriteUvarint(uint64(len(s.elems)))
	for _, e := range s.elems {
		if err := w.WriteRef(e); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func readSet(r *Reader) (Cell, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	elems := make([]*Ref, 0, n)
	for i := uint64(0); i < n; i++ {
		e, err := r.ReadRef()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return &Set{elems: elems}, nil
}

// SignedData wraps a value with the signature every signed belief, order,
// transaction, and token shares: the signer's account key, the raw
// signature bytes, and the timestamp the signature covers. Verification
// (bytes-over-wire matches signature) is left to the caller via the
// external signer.Interface, keeping the signature primitive a
// collaborator this package never has to import directly.
type SignedData struct {
	Value     *Ref
	Signature []byte
	SignerKey []byte
	Timestamp int64
}

func (s *SignedData) Tag() Tag         { return TagSignedData }
func (s *SignedData) Children() []*Ref { return []*Ref{s.Value} }

func (s *SignedData) Encode() ([]byte, error) {
	w := NewWriter()
	w.WriteTag(TagSignedData)
	if err := w.WriteRef(s.Value); err != nil {
		return nil, err
	}
	w.WriteRaw(s.Signature)
	w.WriteRaw(s.SignerKey)
	w.WriteUvarint(zigzagEncode(s.Timestamp))
	return w.Bytes(), nil
}

func readSignedData(r *Reader) (Cell, error) {
	value, err := r.ReadRef()
	if err != nil {
		return nil, err
	}
	sig, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}
	signer, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}
	ts, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	return &SignedData{
		Value:     value,
		Signature: append([]byte(nil), sig...),
		SignerKey: append([]byte(nil), signer...),
		Timestamp: zigzagDecode(ts),
	}, nil
}
