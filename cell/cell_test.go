package cell

import "testing"

func roundTrip(t *testing.T, c Cell) Cell {
	t.Helper()
	enc, err := c.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reenc, err := dec.Encode()
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if string(reenc) != string(enc) {
		t.Fatalf("round trip mismatch: %x != %x", reenc, enc)
	}
	return dec
}

func TestPrimitiveRoundTrip(t *testing.T) {
	roundTrip(t, Nil{})
	roundTrip(t, Bool(true))
	roundTrip(t, Bool(false))
	roundTrip(t, Long(0))
	roundTrip(t, Long(-1))
	roundTrip(t, Long(1<<40))
	roundTrip(t, Long(-(1 << 40)))
	roundTrip(t, Double(3.14159))
	roundTrip(t, Double(-0.0))
	roundTrip(t, Str("hello, cellmesh"))
	roundTrip(t, Blob([]byte{0, 1, 2, 255}))
	roundTrip(t, Symbol("transfer"))
	roundTrip(t, Keyword(":ok"))
}

func TestDecodeTrailingGarbageRejected(t *testing.T) {
	enc, err := Long(7).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	enc = append(enc, 0xff)
	if _, err := Decode(enc); err == nil {
		t.Fatalf("expected trailing garbage to fail decode")
	}
}

func TestEqualIsValueEqualityNotIdentity(t *testing.T) {
	a := Str("same")
	b := Str("same")
	if !Equal(a, b) {
		t.Fatalf("expected value-equal cells to be Equal")
	}
	if Equal(Str("same"), Str("different")) {
		t.Fatalf("expected differing cells to not be Equal")
	}
}

func TestHashIsDeterministic(t *testing.T) {
	h1, err := Hash(Str("deterministic"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(Str("deterministic"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !h1.Equals(h2) {
		t.Fatalf("expected identical hashes for identical values")
	}
	h3, err := Hash(Str("different"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1.Equals(h3) {
		t.Fatalf("expected different hashes for different values")
	}
}
