package cell

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"cellmesh/errs"
)

// digestSize is the raw digest length backing every cell hash (SHA2-256).
const digestSize = 32

// Hash computes a cell's identity hash: the digest of its canonical
// encoding, wrapped as a CIDv1 over the raw binary codec
// (mh.Sum(data, mh.SHA2_256, -1) followed by cid.NewCidV1(cid.Raw, ...)).
// Encoding is a pure function of logical value, so equal-by-value cells
// always hash equal.
func Hash(c Cell) (cid.Cid, error) {
	enc, err := c.Encode()
	if err != nil {
		return cid.Undef, err
	}
	return hashBytes(enc)
}

func hashBytes(enc []byte) (cid.Cid, error) {
	sum, err := mh.Sum(enc, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, errs.Internalf("hash cell: %v", err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// digestBytes extracts the raw digest from a cell hash, the form that
// travels on the wire as "1 tag byte + 32-byte hash".
func digestBytes(c cid.Cid) ([]byte, error) {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return nil, errs.Internalf("decode hash: %v", err)
	}
	if len(decoded.Digest) != digestSize {
		return nil, errs.BadFormatf("unexpected digest size %d", len(decoded.Digest))
	}
	return decoded.Digest, nil
}

// hashFromDigest reconstructs the CID for a wire digest, assuming the fixed
// SHA2-256/raw construction every cell in this system uses.
func hashFromDigest(digest []byte) (cid.Cid, error) {
	encoded, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return cid.Undef, errs.BadFormatf("encode digest: %v", err)
	}
	return cid.NewCidV1(cid.Raw, encoded), nil
}

// Equal reports whether two cells have equal identity hashes. Per the
// data-model invariant, hash equality is used as value equality without
// further structural comparison.
func Equal(a, b Cell) bool {
	ha, errA := Hash(a)
	hb, errB := Hash(b)
	if errA != nil || errB != nil {
		return false
	}
	return ha.Equals(hb)
}
