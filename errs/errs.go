// Package errs defines the error taxonomy shared by cellmesh's data model,
// store and peer server: BadFormat, BadSignature, InvalidData, MissingData,
// Timeout and Internal.
package errs

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrBadFormat marks a malformed encoding. Connection-level fatal.
	ErrBadFormat = errors.New("bad format")
	// ErrBadSignature marks a signature that failed to verify.
	ErrBadSignature = errors.New("bad signature")
	// ErrInvalidData marks structurally parseable data violating an invariant.
	ErrInvalidData = errors.New("invalid data")
	// ErrTimeout marks a handshake or RPC that did not complete in time.
	ErrTimeout = errors.New("timeout")
	// ErrInternal marks an unexpected failure in the updater or receiver.
	ErrInternal = errors.New("internal error")
)

// MissingData indicates a referenced cell is not locally available. It is
// recoverable: callers propagate the hash to the protocol layer, which
// requests it over the wire (see wire.KindMissingData).
type MissingData struct {
	Hash cid.Cid
}

func (e *MissingData) Error() string {
	return fmt.Sprintf("missing data: %s", e.Hash)
}

// Is lets errors.Is(err, &errs.MissingData{}) match any *MissingData,
// regardless of hash.
func (e *MissingData) Is(target error) bool {
	_, ok := target.(*MissingData)
	return ok
}

// NewMissingData builds a MissingData fault for hash h.
func NewMissingData(h cid.Cid) error {
	return &MissingData{Hash: h}
}

// AsMissingData reports whether err (or one it wraps) is a *MissingData
// fault, returning the offending hash.
func AsMissingData(err error) (cid.Cid, bool) {
	var md *MissingData
	if errors.As(err, &md) {
		return md.Hash, true
	}
	return cid.Undef, false
}

// BadSignaturef wraps a formatted reason as ErrBadSignature.
func BadSignaturef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrBadSignature)...)
}

// Timeoutf wraps a formatted reason as ErrTimeout.
func Timeoutf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTimeout)...)
}

// BadFormatf wraps a formatted reason as ErrBadFormat.
func BadFormatf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrBadFormat)...)
}

// InvalidDataf wraps a formatted reason as ErrInvalidData.
func InvalidDataf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidData)...)
}

// Internalf wraps a formatted reason as ErrInternal.
func Internalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInternal)...)
}
