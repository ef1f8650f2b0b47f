package wire

import (
	"github.com/ipfs/go-cid"

	"cellmesh/cell"
	"cellmesh/errs"
)

// EncodeHash wraps a cell hash as the cell.Blob payload MISSING_DATA
// carries: the hash's own binary CID encoding, not just the raw digest,
// so the reader does not need to assume a fixed hash/codec pair.
func EncodeHash(h cid.Cid) cell.Cell {
	return cell.Blob(h.Bytes())
}

// DecodeHash reverses EncodeHash.
func DecodeHash(c cell.Cell) (cid.Cid, error) {
	blob, ok := c.(cell.Blob)
	if !ok {
		return cid.Undef, errs.BadFormatf("wire: hash payload is not a blob")
	}
	h, err := cid.Cast([]byte(blob))
	if err != nil {
		return cid.Undef, errs.BadFormatf("wire: invalid hash bytes: %v", err)
	}
	return h, nil
}
