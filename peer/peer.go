package peer

import (
	"context"

	"cellmesh/cell"
)

// Peer is the composite value {keyPair, state chain, current belief,
// current signed belief} for one network member. It is replaced
// wholesale (copy-on-write) at every update step rather than mutated in
// place — callers hold a *Peer value and swap it, never reach into its
// fields.
type Peer struct {
	Key          []byte
	State        *State
	Order        *Order
	Belief       *Belief
	SignedBelief *cell.SignedData
}

// NewGenesisPeer builds the initial Peer for a freshly bootstrapped
// network member: an empty Order, a Belief containing only its own
// entry, signed.
func NewGenesisPeer(ctx context.Context, signer Signer, genesisState *State, now int64) (*Peer, error) {
	order, err := NewOrder(cell.Empty(), 0, 0)
	if err != nil {
		return nil, err
	}
	belief, signedBelief, err := signOwnBelief(signer, nil, nil, order, now)
	if err != nil {
		return nil, err
	}
	return &Peer{
		Key:          signer.AccountKey(),
		State:        genesisState,
		Order:        order,
		Belief:       belief,
		SignedBelief: signedBelief,
	}, nil
}

// signOwnBelief builds a Belief whose map carries every entry of prior
// (if any), overridden by the retained remote entries of the latest
// merge, with this peer's own entry replaced by a freshly signed
// wrapping of order, and signs the resulting Belief cell as a whole.
func signOwnBelief(signer Signer, prior *Belief, remote map[string]*cell.SignedData, order *Order, now int64) (*Belief, *cell.SignedData, error) {
	orderRef, err := cell.NewRef(order)
	if err != nil {
		return nil, nil, err
	}
	enc, err := order.Encode()
	if err != nil {
		return nil, nil, err
	}
	sig, err := signer.Sign(enc)
	if err != nil {
		return nil, nil, err
	}
	ownKey := signer.AccountKey()
	signedOrder := &cell.SignedData{Value: orderRef, Signature: sig, SignerKey: ownKey, Timestamp: now}
	signedOrderRef, err := cell.NewRef(signedOrder)
	if err != nil {
		return nil, nil, err
	}

	entries := []cell.MapEntry{}
	if prior != nil {
		prevEntries, err := prior.Orders(context.Background())
		if err != nil {
			return nil, nil, err
		}
		for _, e := range prevEntries.Entries() {
			keyVal, err := e.Key.Resolve(context.Background())
			if err != nil {
				return nil, nil, err
			}
			blob, ok := keyVal.(cell.Blob)
			if !ok {
				continue
			}
			if string(blob) == string(ownKey) {
				continue
			}
			if _, overridden := remote[string(blob)]; overridden {
				continue
			}
			entries = append(entries, e)
		}
	}
	for key, signedOrder := range remote {
		if key == string(ownKey) {
			continue
		}
		keyRef, err := cell.NewRef(cell.Blob(key))
		if err != nil {
			return nil, nil, err
		}
		valRef, err := cell.NewRef(signedOrder)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, cell.MapEntry{Key: keyRef, Value: valRef})
	}
	keyRef, err := cell.NewRef(cell.Blob(ownKey))
	if err != nil {
		return nil, nil, err
	}
	entries = append(entries, cell.MapEntry{Key: keyRef, Value: signedOrderRef})

	m, err := cell.NewMap(entries)
	if err != nil {
		return nil, nil, err
	}
	belief, err := NewBelief(m)
	if err != nil {
		return nil, nil, err
	}
	beliefRef, err := cell.NewRef(belief)
	if err != nil {
		return nil, nil, err
	}
	beliefEnc, err := belief.Encode()
	if err != nil {
		return nil, nil, err
	}
	beliefSig, err := signer.Sign(beliefEnc)
	if err != nil {
		return nil, nil, err
	}
	signedBelief := &cell.SignedData{Value: beliefRef, Signature: beliefSig, SignerKey: ownKey, Timestamp: now}
	return belief, signedBelief, nil
}

// AdvanceWithSigner applies a completed merge/proposal step to p,
// folding the merge's retained remote entries into the Belief map,
// re-signing the Belief over the (possibly new) order and returning the
// replacement Peer value. p itself is left untouched (copy-on-write).
func (p *Peer) AdvanceWithSigner(signer Signer, order *Order, state *State, remote map[string]*cell.SignedData, now int64) (*Peer, error) {
	belief, signedBelief, err := signOwnBelief(signer, p.Belief, remote, order, now)
	if err != nil {
		return nil, err
	}
	return &Peer{
		Key:          p.Key,
		State:        state,
		Order:        order,
		Belief:       belief,
		SignedBelief: signedBelief,
	}, nil
}
