package testutil

import "cellmesh/signer"

// Seeds are the fixed keypair seeds used across reproducible scenario
// tests so that every test run produces byte-identical account keys,
// signatures, and therefore cell hashes.
var Seeds = []int64{543212345, 543212346, 543212347, 543212348}

// Keys derives deterministic keypairs for the first n scenario seeds.
func Keys(n int) []*signer.KeyPair {
	out := make([]*signer.KeyPair, n)
	for i := 0; i < n; i++ {
		out[i] = signer.FromSeed(Seeds[i%len(Seeds)])
	}
	return out
}
