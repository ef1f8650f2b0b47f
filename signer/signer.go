// Package signer implements cellmesh's signature primitive over secp256k1:
// sign(bytes, keyPair) -> sig, verify(bytes, sig, publicKey) -> bool,
// accountKey(keyPair) -> publicKey. It builds on btcec/v2 (the signing
// surface) and decred/dcrd/dcrec/secp256k1/v4 (the curve btcec/v2 is
// itself built on) rather than introducing a third curve library.
package signer

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"cellmesh/errs"
)

// KeyPair wraps a secp256k1 private key. It satisfies peer.Signer and
// challenge.Signer structurally — both packages declare their own minimal
// Signer interface rather than importing this concrete type.
type KeyPair struct {
	priv *btcec.PrivateKey
}

// Generate returns a fresh, randomly generated KeyPair.
func Generate() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errs.Internalf("signer: generate key: %v", err)
	}
	return &KeyPair{priv: priv}, nil
}

// FromSeed deterministically derives a KeyPair from an integer seed, so
// test fixtures using literal seeds (e.g. 543212345) produce reproducible
// runs. The seed is hashed into 32 bytes and reduced onto the curve
// exactly as btcec.PrivKeyFromBytes does for any other 32-byte scalar.
func FromSeed(seed int64) *KeyPair {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	digest := sha256.Sum256(buf[:])
	priv, _ := btcec.PrivKeyFromBytes(digest[:])
	return &KeyPair{priv: priv}
}

// AccountKey returns the compressed public key identifying this
// keypair's account.
func (k *KeyPair) AccountKey() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// Sign produces a DER-encoded ECDSA signature over sha256(data).
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(k.priv, digest[:])
	return sig.Serialize(), nil
}

// Verify checks a DER-encoded ECDSA signature over sha256(data) against a
// compressed secp256k1 public key. Any malformed signature or key is a
// verification failure, never an error: callers (peer.Merge, challenge)
// treat "does not verify" uniformly whether the bytes were corrupt or the
// math failed.
func Verify(data, sig, publicKey []byte) bool {
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return parsed.Verify(digest[:], pub)
}

// Verify is the method form used wherever an already-constructed KeyPair
// plays both signer and verifier roles (tests, single-peer loops).
func (k *KeyPair) Verify(data, sig, publicKey []byte) bool {
	return Verify(data, sig, publicKey)
}
