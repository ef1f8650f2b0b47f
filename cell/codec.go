package cell

import (
	"bytes"

	"github.com/multiformats/go-varint"

	"cellmesh/errs"
)

// Writer accumulates a cell's canonical encoding. The variable-length
// count encoding (7 bits per byte, MSB continuation) is exactly LEB128
// varint, so lengths are written with multiformats/go-varint rather than
// a hand-rolled encoder.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// WriteTag appends the one-byte type tag.
func (w *Writer) WriteTag(t Tag) { w.buf.WriteByte(byte(t)) }

// WriteUvarint appends x as a VLC-encoded unsigned integer.
func (w *Writer) WriteUvarint(x uint64) { w.buf.Write(varint.ToUvarint(x)) }

// WriteRaw appends a length-prefixed byte string.
func (w *Writer) WriteRaw(b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.buf.Write(b)
}

// WriteFixed appends raw bytes with no length prefix (used for 32-byte
// hashes and other fixed-width fields).
func (w *Writer) WriteFixed(b []byte) { w.buf.Write(b) }

// WriteRef appends a child reference: the embedded cell's own encoding when
// r is Embedded, or TagRef followed by the 32-byte digest otherwise. This is
// the one place the "embedded vs by-hash" decision affects the wire bytes.
func (w *Writer) WriteRef(r *Ref) error {
	if r == nil {
		return errs.InvalidDataf("nil ref")
	}
	if r.state == StateEmbedded {
		enc, err := r.value.Encode()
		if err != nil {
			return err
		}
		w.buf.Write(enc)
		return nil
	}
	digest, err := r.DigestBytes()
	if err != nil {
		return err
	}
	w.WriteTag(TagRef)
	w.WriteFixed(digest)
	return nil
}

// Bytes returns the accumulated canonical encoding.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Reader parses a canonical encoding produced by Writer. Decoding is
// strict: any deviation from canonical form surfaces as errs.ErrBadFormat.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps b for sequential reads.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining reports how many bytes are left to read.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// PeekTag returns the next byte as a Tag without consuming it.
func (r *Reader) PeekTag() (Tag, error) {
	if r.Remaining() < 1 {
		return 0, errs.BadFormatf("peek tag: unexpected eof")
	}
	return Tag(r.buf[r.off]), nil
}

// ReadTag consumes and returns the next byte as a Tag.
func (r *Reader) ReadTag() (Tag, error) {
	t, err := r.PeekTag()
	if err != nil {
		return 0, err
	}
	r.off++
	return t, nil
}

// ReadUvarint consumes a VLC-encoded unsigned integer.
func (r *Reader) ReadUvarint() (uint64, error) {
	x, n, err := varint.FromUvarint(r.buf[r.off:])
	if err != nil {
		return 0, errs.BadFormatf("read uvarint: %v", err)
	}
	r.off += n
	return x, nil
}

// ReadRaw consumes a length-prefixed byte string.
func (r *Reader) ReadRaw() ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < n {
		return nil, errs.BadFormatf("read raw: truncated (want %d, have %d)", n, r.Remaining())
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// ReadFixed consumes exactly n raw bytes.
func (r *Reader) ReadFixed(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, errs.BadFormatf("read fixed: truncated (want %d, have %d)", n, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ReadRef consumes a child reference: either an inline embedded cell or a
// TagRef followed by a 32-byte digest, mirroring WriteRef.
func (r *Reader) ReadRef() (*Ref, error) {
	tag, err := r.PeekTag()
	if err != nil {
		return nil, err
	}
	if tag == TagRef {
		if _, err := r.ReadTag(); err != nil {
			return nil, err
		}
		digest, err := r.ReadFixed(digestSize)
		if err != nil {
			return nil, err
		}
		h, err := hashFromDigest(digest)
		if err != nil {
			return nil, err
		}
		return NewUnresolvedRef(h), nil
	}
	c, err := Read(r)
	if err != nil {
		return nil, err
	}
	return NewEmbeddedRef(c), nil
}
