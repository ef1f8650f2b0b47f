// Package challenge implements the bidirectional signature handshake
// that marks a peer connection trusted: UNTRUSTED -> CHALLENGE_SENT ->
// TRUSTED, or UNTRUSTED permanently on mismatch or timeout.
package challenge

import (
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"cellmesh/cell"
	"cellmesh/errs"
)

// tokenSize is the random challenge token length: at least 120 random
// bytes are required to make guessing infeasible; 128 rounds to a clean
// byte count.
const tokenSize = 128

// Status is a connection's position in the trust state machine.
type Status int

const (
	Untrusted Status = iota
	ChallengeSent
	Trusted
)

// Signer is the minimal signature surface challenge needs, consumer
// defined so this package never imports the concrete signer package.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, sig, publicKey []byte) bool
	AccountKey() []byte
}

// Machine drives one outbound connection's handshake. It is not
// goroutine-safe across unrelated connections — one Machine per
// connection, a dedicated state machine per outbound connection.
//
// The random token never leaves the machine: what travels in both
// directions is its sha256 digest, signed by each side. The digest is
// small enough to inline in the message encoding, so the handshake
// completes without any store round trip.
type Machine struct {
	mu          sync.Mutex
	status      Status
	digest      []byte
	expectedKey []byte
}

// NewMachine returns a fresh Machine in the Untrusted state.
func NewMachine() *Machine { return &Machine{status: Untrusted} }

// Status returns the current handshake stage.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsTrusted reports whether the connection has completed the handshake.
func (m *Machine) IsTrusted() bool { return m.Status() == Trusted }

// Send generates a fresh random token, signs its hash with signer, and
// records expectedKey as the peer key a valid RESPONSE must carry.
// Returns the signed payload to send as a CHALLENGE message.
func (m *Machine) Send(signer Signer, expectedKey []byte) (*cell.SignedData, error) {
	token := make([]byte, tokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, errs.Internalf("challenge: generate token: %v", err)
	}
	digest := sha256.Sum256(token)
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return nil, err
	}
	digestRef, err := cell.NewRef(cell.Blob(digest[:]))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.digest = digest[:]
	m.expectedKey = append([]byte(nil), expectedKey...)
	m.status = ChallengeSent
	m.mu.Unlock()
	return &cell.SignedData{Value: digestRef, Signature: sig, SignerKey: signer.AccountKey()}, nil
}

// HandleResponse validates an incoming RESPONSE against the outstanding
// challenge this Machine sent. Acceptance requires (a) the response's
// token digest equals the outstanding one, and (b) the signer key equals
// the expected peer key. On acceptance the machine moves to Trusted and
// the outstanding digest is cleared; any mismatch, including an unknown
// digest or missing signature, leaves the machine untouched and the
// message is discarded without closing the connection.
func (m *Machine) HandleResponse(response *cell.SignedData, signer Signer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != ChallengeSent || m.digest == nil {
		return false
	}
	respDigest, ok := tokenDigest(response)
	if !ok {
		return false
	}
	if string(respDigest) != string(m.digest) {
		return false
	}
	if string(response.SignerKey) != string(m.expectedKey) {
		return false
	}
	if !signer.Verify(m.digest, response.Signature, response.SignerKey) {
		return false
	}
	m.status = Trusted
	m.digest = nil
	return true
}

// Respond builds the RESPONSE a remote peer sends back after receiving a
// CHALLENGE: sign the same token hash with our own key.
func Respond(signer Signer, challengeMsg *cell.SignedData) (*cell.SignedData, error) {
	digest, ok := tokenDigest(challengeMsg)
	if !ok {
		return nil, errs.BadFormatf("challenge: token digest is not a blob")
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, err
	}
	return &cell.SignedData{Value: challengeMsg.Value, Signature: sig, SignerKey: signer.AccountKey()}, nil
}

func tokenDigest(sd *cell.SignedData) ([]byte, bool) {
	v, ok := sd.Value.Value()
	if !ok {
		return nil, false
	}
	blob, ok := v.(cell.Blob)
	if !ok {
		return nil, false
	}
	return []byte(blob), true
}
