package cell

import (
	"context"

	"cellmesh/errs"
)

// chunkSize is the fixed branching factor / leaf capacity the persistent
// vector uses throughout.
const chunkSize = 16

// Vector is the chunked, prefix-tailed persistent sequence. Two concrete
// cells implement it: Leaf (0–16 elements plus an
// optional prefix into a packed body) and Tree (branching-16 internal
// node over power-of-16-sized children). Both are ordinary Cells, so a
// Vector is itself content-addressed and shareable.
type Vector interface {
	Cell
	// Length returns the exact element count.
	Length() uint64
}

// Empty returns the zero-length vector.
func Empty() Vector { return &Leaf{} }

// --- Leaf ---

// Leaf holds up to 16 trailing elements directly (the "head"/"tail") plus
// an optional prefix ref into a packed body representing everything
// before the head. A Leaf with no prefix holds the whole vector (0–16
// elements); a Leaf with a prefix holds the 1–15-element partial tail that
// has not yet been flushed into the body.
type Leaf struct {
	elems  []*Ref
	prefix *Ref
	length uint64
}

func (l *Leaf) Tag() Tag       { return TagVectorLeaf }
func (l *Leaf) Length() uint64 { return l.length }
func (l *Leaf) Children() []*Ref {
	out := make([]*Ref, 0, len(l.elems)+1)
	out = append(out, l.elems...)
	if l.prefix != nil {
		out = append(out, l.prefix)
	}
	return out
}

func (l *Leaf) Encode() ([]byte, error) {
	w := NewWriter()
	w.WriteTag(TagVectorLeaf)
	w.WriteUvarint(l.length)
	for _, e := range l.elems {
		if err := w.WriteRef(e); err != nil {
			return nil, err
		}
	}
	if l.prefix != nil {
		if err := w.WriteRef(l.prefix); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func readVectorLeaf(r *Reader) (Cell, error) {
	length, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	hasPrefix := length > chunkSize
	n := length
	if hasPrefix {
		n = length % chunkSize
		if n == 0 {
			n = chunkSize
		}
	}
	if n > chunkSize {
		return nil, errs.BadFormatf("vector leaf: head count %d exceeds %d", n, chunkSize)
	}
	elems := make([]*Ref, 0, n)
	for i := uint64(0); i < n; i++ {
		ref, err := r.ReadRef()
		if err != nil {
			return nil, err
		}
		elems = append(elems, ref)
	}
	var prefix *Ref
	if hasPrefix {
		prefix, err = r.ReadRef()
		if err != nil {
			return nil, err
		}
	}
	return &Leaf{elems: elems, prefix: prefix, length: length}, nil
}

// --- Tree ---

// Tree is an internal vector node: shift-1 (>=1) levels above the leaf,
// branching into up to 16 children each of uniform capacity 16^(shift-1).
type Tree struct {
	children []*Ref
	shift    uint
	length   uint64
}

func (t *Tree) Tag() Tag         { return TagVectorTree }
func (t *Tree) Length() uint64   { return t.length }
func (t *Tree) Children() []*Ref { return append([]*Ref(nil), t.children...) }

func (t *Tree) Encode() ([]byte, error) {
	w := NewWriter()
	w.WriteTag(TagVectorTree)
	w.WriteUvarint(t.length)
	w.WriteUvarint(uint64(t.shift))
	w.WriteUvarint(uint64(len(t.children)))
	for _, c := range t.children {
		if err := w.WriteRef(c); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func readVectorTree(r *Reader) (Cell, error) {
	length, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	shift, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if shift < 2 {
		return nil, errs.BadFormatf("vector tree: shift %d must be >= 2", shift)
	}
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if count < 1 || count > chunkSize {
		return nil, errs.BadFormatf("vector tree: child count %d out of range", count)
	}
	children := make([]*Ref, 0, count)
	for i := uint64(0); i < count; i++ {
		ref, err := r.ReadRef()
		if err != nil {
			return nil, err
		}
		children = append(children, ref)
	}
	return &Tree{children: children, shift: uint(shift), length: length}, nil
}

func pow16(n uint) uint64 {
	v := uint64(1)
	for i := uint(0); i < n; i++ {
		v *= chunkSize
	}
	return v
}

// --- Algebra ---

// Get returns the element at index i, resolving lazy refs through ctx's
// ambient store as needed.
func Get(ctx context.Context, v Vector, i uint64) (Cell, error) {
	if i >= v.Length() {
		return nil, errs.InvalidDataf("vector index %d out of range (length %d)", i, v.Length())
	}
	switch t := v.(type) {
	case *Leaf:
		bodyLen := t.length - uint64(len(t.elems))
		if i < bodyLen {
			bodyVal, err := t.prefix.Resolve(ctx)
			if err != nil {
				return nil, err
			}
			bodyVec, ok := bodyVal.(Vector)
			if !ok {
				return nil, errs.BadFormatf("vector leaf prefix is not a vector")
			}
			return Get(ctx, bodyVec, i)
		}
		return t.elems[i-bodyLen].Resolve(ctx)
	case *Tree:
		capacity := pow16(t.shift - 1)
		idx := i / capacity
		offset := i % capacity
		if int(idx) >= len(t.children) {
			return nil, errs.InvalidDataf("vector tree index out of range")
		}
		childVal, err := t.children[idx].Resolve(ctx)
		if err != nil {
			return nil, err
		}
		childVec, ok := childVal.(Vector)
		if !ok {
			return nil, errs.BadFormatf("vector tree child is not a vector")
		}
		return Get(ctx, childVec, offset)
	default:
		return nil, errs.Internalf("unknown vector implementation %T", v)
	}
}

// buildMinimalSubtree wraps chunk (<=16 element refs) at tree level
// `level` (1 == Leaf, >=2 == Tree), producing the smallest subtree that
// holds exactly chunk's elements at its leftmost slot.
func buildMinimalSubtree(level uint, chunk []*Ref) (Vector, error) {
	if level == 1 {
		return &Leaf{elems: chunk, length: uint64(len(chunk))}, nil
	}
	child, err := buildMinimalSubtree(level-1, chunk)
	if err != nil {
		return nil, err
	}
	childRef, err := NewRef(child)
	if err != nil {
		return nil, err
	}
	return &Tree{shift: level, children: []*Ref{childRef}, length: uint64(len(chunk))}, nil
}

// pushChunk appends a full 16-element chunk to a packed body (nil, a full
// Leaf, or a Tree), returning the updated body. Every body pushChunk ever
// produces has length an exact multiple of chunkSize.
func pushChunk(body Vector, chunk []*Ref) (Vector, error) {
	if body == nil {
		return &Leaf{elems: chunk, length: uint64(len(chunk))}, nil
	}
	switch t := body.(type) {
	case *Leaf:
		oldRef, err := NewRef(t)
		if err != nil {
			return nil, err
		}
		newLeaf := &Leaf{elems: chunk, length: uint64(len(chunk))}
		newRef, err := NewRef(newLeaf)
		if err != nil {
			return nil, err
		}
		return &Tree{shift: 2, children: []*Ref{oldRef, newRef}, length: t.length + newLeaf.length}, nil
	case *Tree:
		capacity := pow16(t.shift - 1)
		lastIdx := len(t.children) - 1
		lastVal, _ := t.children[lastIdx].Value()
		lastVec, ok := lastVal.(Vector)
		if ok && lastVec.Length() < capacity {
			updated, err := pushChunk(lastVec, chunk)
			if err != nil {
				return nil, err
			}
			updatedRef, err := NewRef(updated)
			if err != nil {
				return nil, err
			}
			children := append([]*Ref(nil), t.children...)
			children[lastIdx] = updatedRef
			return &Tree{shift: t.shift, children: children, length: t.length + uint64(len(chunk))}, nil
		}
		if len(t.children) < chunkSize {
			newChild, err := buildMinimalSubtree(t.shift-1, chunk)
			if err != nil {
				return nil, err
			}
			newChildRef, err := NewRef(newChild)
			if err != nil {
				return nil, err
			}
			children := append(append([]*Ref(nil), t.children...), newChildRef)
			return &Tree{shift: t.shift, children: children, length: t.length + uint64(len(chunk))}, nil
		}
		// Root is full: grow one level and retry.
		selfRef, err := NewRef(t)
		if err != nil {
			return nil, err
		}
		grown := &Tree{shift: t.shift + 1, children: []*Ref{selfRef}, length: t.length}
		return pushChunk(grown, chunk)
	default:
		return nil, errs.Internalf("unknown vector implementation %T", body)
	}
}

// Append returns a new vector with x added at the end, resolving the
// packed body through ctx's ambient store when a full head must be
// flushed into it. O(1) amortised: the common case only allocates a new
// Leaf head; flushing happens once every 16 appends, and a flush grows
// the tree by one level only when it finds the root full (at 256, 4096,
// ... flushed elements).
func Append(ctx context.Context, v Vector, x Cell) (Vector, error) {
	xr, err := NewRef(x)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case *Leaf:
		if t.prefix == nil {
			if len(t.elems) < chunkSize {
				elems := append(append([]*Ref(nil), t.elems...), xr)
				return &Leaf{elems: elems, length: t.length + 1}, nil
			}
			// len == chunkSize exactly: this leaf becomes the packed body.
			selfRef, err := NewRef(t)
			if err != nil {
				return nil, err
			}
			return &Leaf{elems: []*Ref{xr}, prefix: selfRef, length: t.length + 1}, nil
		}
		if len(t.elems) < chunkSize-1 {
			elems := append(append([]*Ref(nil), t.elems...), xr)
			return &Leaf{elems: elems, prefix: t.prefix, length: t.length + 1}, nil
		}
		// Head would reach chunkSize: flush into the body and collapse —
		// a Leaf-with-prefix never carries a full 16-element head
		// so the result is the body representation
		// itself rather than a Leaf wrapping an empty head.
		bodyVal, err := t.prefix.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		bodyVec, ok := bodyVal.(Vector)
		if !ok {
			return nil, errs.BadFormatf("vector leaf prefix is not a vector")
		}
		fullChunk := append(append([]*Ref(nil), t.elems...), xr)
		return pushChunk(bodyVec, fullChunk)
	case *Tree:
		// A pure Tree always represents an exact multiple of chunkSize;
		// appending starts a fresh single-element head over it.
		selfRef, err := NewRef(t)
		if err != nil {
			return nil, err
		}
		return &Leaf{elems: []*Ref{xr}, prefix: selfRef, length: t.length + 1}, nil
	default:
		return nil, errs.Internalf("unknown vector implementation %T", v)
	}
}

// SubVector returns the elements in [start, end). The full-vector case
// subVector(v, 0, v.Length()) returns v unchanged without rebuilding
// anything.
func SubVector(ctx context.Context, v Vector, start, end uint64) (Vector, error) {
	if start > end || end > v.Length() {
		return nil, errs.InvalidDataf("subVector(%d,%d) out of range for length %d", start, end, v.Length())
	}
	if start == 0 && end == v.Length() {
		return v, nil
	}
	out := Empty()
	for i := start; i < end; i++ {
		x, err := Get(ctx, v, i)
		if err != nil {
			return nil, err
		}
		out, err = Append(ctx, out, x)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Concat returns a new vector with b's elements appended after a's.
func Concat(ctx context.Context, a, b Vector) (Vector, error) {
	out := a
	var err error
	for i := uint64(0); i < b.Length(); i++ {
		x, gerr := Get(ctx, b, i)
		if gerr != nil {
			return nil, gerr
		}
		out, err = Append(ctx, out, x)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CommonPrefixLength returns the largest k such that a[0:k] equals
// b[0:k]. The walk descends the chunked structure level by level,
// short-circuiting whole sub-vectors whose ref hashes match and
// recursing only into the first differing child, so a shared prefix is
// recognised in O(log n) rather than element by element. The case
// analysis leans on the canonical shape: packed bodies are exact
// multiples of chunkSize, heads carry at most chunkSize elements, and
// only the last child of a Tree may be partial.
func CommonPrefixLength(ctx context.Context, a, b Vector) (uint64, error) {
	if a.Length() == 0 || b.Length() == 0 {
		return 0, nil
	}
	if Equal(a, b) {
		return a.Length(), nil
	}
	switch ta := a.(type) {
	case *Leaf:
		switch tb := b.(type) {
		case *Leaf:
			return commonPrefixLeaves(ctx, ta, tb)
		case *Tree:
			return commonPrefixLeafTree(ctx, ta, tb)
		}
	case *Tree:
		switch tb := b.(type) {
		case *Leaf:
			return commonPrefixLeafTree(ctx, tb, ta)
		case *Tree:
			return commonPrefixTrees(ctx, ta, tb)
		}
	}
	return 0, errs.Internalf("unknown vector implementation %T/%T", a, b)
}

// resolveBody forces a Leaf's packed-body prefix ref into a Vector.
func resolveBody(ctx context.Context, l *Leaf) (Vector, error) {
	v, err := l.prefix.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	vec, ok := v.(Vector)
	if !ok {
		return nil, errs.BadFormatf("vector leaf prefix is not a vector")
	}
	return vec, nil
}

func resolveChildVector(ctx context.Context, r *Ref) (Vector, error) {
	v, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	vec, ok := v.(Vector)
	if !ok {
		return nil, errs.BadFormatf("vector tree child is not a vector")
	}
	return vec, nil
}

func commonPrefixLeaves(ctx context.Context, a, b *Leaf) (uint64, error) {
	bodyA := a.length - uint64(len(a.elems))
	bodyB := b.length - uint64(len(b.elems))
	if bodyA != bodyB {
		// The leaf with the shorter packed region fits entirely inside
		// the other's body (bodies are chunkSize multiples, heads at
		// most chunkSize), so the whole comparison moves down a level.
		if bodyA < bodyB {
			body, err := resolveBody(ctx, b)
			if err != nil {
				return 0, err
			}
			return CommonPrefixLength(ctx, a, body)
		}
		body, err := resolveBody(ctx, a)
		if err != nil {
			return 0, err
		}
		return CommonPrefixLength(ctx, body, b)
	}

	var agreed uint64
	if bodyA > 0 {
		ha, err := a.prefix.Hash()
		if err != nil {
			return 0, err
		}
		hb, err := b.prefix.Hash()
		if err != nil {
			return 0, err
		}
		if !ha.Equals(hb) {
			bodyVecA, err := resolveBody(ctx, a)
			if err != nil {
				return 0, err
			}
			bodyVecB, err := resolveBody(ctx, b)
			if err != nil {
				return 0, err
			}
			cp, err := CommonPrefixLength(ctx, bodyVecA, bodyVecB)
			if err != nil || cp < bodyA {
				return cp, err
			}
		}
		agreed = bodyA
	}

	n := len(a.elems)
	if len(b.elems) < n {
		n = len(b.elems)
	}
	for i := 0; i < n; i++ {
		ha, err := a.elems[i].Hash()
		if err != nil {
			return 0, err
		}
		hb, err := b.elems[i].Hash()
		if err != nil {
			return 0, err
		}
		if !ha.Equals(hb) {
			return agreed + uint64(i), nil
		}
	}
	return agreed + uint64(n), nil
}

func commonPrefixLeafTree(ctx context.Context, l *Leaf, t *Tree) (uint64, error) {
	bodyLen := l.length - uint64(len(l.elems))
	if bodyLen == 0 {
		// Head-only leaf: it fits inside t's leftmost chunk.
		child0, err := resolveChildVector(ctx, t.children[0])
		if err != nil {
			return 0, err
		}
		return CommonPrefixLength(ctx, l, child0)
	}
	body, err := resolveBody(ctx, l)
	if err != nil {
		return 0, err
	}
	cp, err := CommonPrefixLength(ctx, body, t)
	if err != nil || cp < bodyLen {
		return cp, err
	}
	// The whole body agrees; whatever head elements overlap t's
	// remaining range settle the rest (at most chunkSize of them).
	n := uint64(len(l.elems))
	if rest := t.length - bodyLen; rest < n {
		n = rest
	}
	for i := uint64(0); i < n; i++ {
		el, err := l.elems[i].Resolve(ctx)
		if err != nil {
			return 0, err
		}
		other, err := Get(ctx, t, bodyLen+i)
		if err != nil {
			return 0, err
		}
		if !Equal(el, other) {
			return bodyLen + i, nil
		}
	}
	return bodyLen + n, nil
}

func commonPrefixTrees(ctx context.Context, a, b *Tree) (uint64, error) {
	if a.shift != b.shift {
		if a.shift > b.shift {
			a, b = b, a
		}
		// b's leftmost child spans at least a's whole capacity: either
		// it is full (covering a entirely) or it is b's only child.
		child0, err := resolveChildVector(ctx, b.children[0])
		if err != nil {
			return 0, err
		}
		return CommonPrefixLength(ctx, a, child0)
	}
	capacity := pow16(a.shift - 1)
	n := len(a.children)
	if len(b.children) < n {
		n = len(b.children)
	}
	for i := 0; i < n; i++ {
		ha, err := a.children[i].Hash()
		if err != nil {
			return 0, err
		}
		hb, err := b.children[i].Hash()
		if err != nil {
			return 0, err
		}
		if ha.Equals(hb) {
			continue
		}
		ca, err := resolveChildVector(ctx, a.children[i])
		if err != nil {
			return 0, err
		}
		cb, err := resolveChildVector(ctx, b.children[i])
		if err != nil {
			return 0, err
		}
		cp, err := CommonPrefixLength(ctx, ca, cb)
		if err != nil {
			return 0, err
		}
		return uint64(i)*capacity + cp, nil
	}
	// Every shared child matched by hash, so the shorter tree is a
	// prefix of the longer.
	if a.length < b.length {
		return a.length, nil
	}
	return b.length, nil
}
