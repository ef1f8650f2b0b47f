package peer

import (
	"context"

	"cellmesh/cell"
	"cellmesh/errs"
)

// NewRootAnchor packs the values a restarting process needs into one
// cell suitable for the store's root: the final signed Belief, the State
// it produced, and the genesis state hash. Everything else the restored
// Peer needs hangs off the Belief's own entry.
func NewRootAnchor(signedBelief *cell.SignedData, state *State, genesisHash []byte) (cell.Cell, error) {
	v := cell.Empty()
	var err error
	v, err = cell.Append(context.Background(), v, signedBelief)
	if err != nil {
		return nil, err
	}
	v, err = cell.Append(context.Background(), v, state)
	if err != nil {
		return nil, err
	}
	v, err = cell.Append(context.Background(), v, cell.Blob(genesisHash))
	if err != nil {
		return nil, err
	}
	return v, nil
}

// RestorePeer rebuilds the Peer from a root anchor written by
// NewRootAnchor. The Belief's entry for signer's own key carries the
// restored Order, so the consensus point survives the restart unchanged.
// ctx must carry the store the anchor's refs resolve through.
func RestorePeer(ctx context.Context, signer Signer, root cell.Cell) (*Peer, []byte, error) {
	vec, ok := root.(cell.Vector)
	if !ok || vec.Length() != 3 {
		return nil, nil, errs.BadFormatf("restore: root is not a [belief, state, genesis] anchor")
	}
	beliefVal, err := cell.Get(ctx, vec, 0)
	if err != nil {
		return nil, nil, err
	}
	signedBelief, ok := beliefVal.(*cell.SignedData)
	if !ok {
		return nil, nil, errs.BadFormatf("restore: anchor belief is not signed data")
	}
	stateVal, err := cell.Get(ctx, vec, 1)
	if err != nil {
		return nil, nil, err
	}
	state, ok := stateVal.(*State)
	if !ok {
		return nil, nil, errs.BadFormatf("restore: anchor state is not a state")
	}
	genesisVal, err := cell.Get(ctx, vec, 2)
	if err != nil {
		return nil, nil, err
	}
	genesisHash, ok := genesisVal.(cell.Blob)
	if !ok {
		return nil, nil, errs.BadFormatf("restore: anchor genesis hash is not a blob")
	}

	beliefCell, err := signedBelief.Value.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	belief, ok := beliefCell.(*Belief)
	if !ok {
		return nil, nil, errs.BadFormatf("restore: signed value is not a belief")
	}
	orders, err := belief.Orders(ctx)
	if err != nil {
		return nil, nil, err
	}
	ownKey := signer.AccountKey()
	ownRef, found := orders.Get(cell.Blob(ownKey))
	if !found {
		return nil, nil, errs.BadFormatf("restore: belief has no entry for own key")
	}
	ownVal, err := ownRef.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	signedOrder, ok := ownVal.(*cell.SignedData)
	if !ok {
		return nil, nil, errs.BadFormatf("restore: own belief entry is not signed data")
	}
	orderVal, err := signedOrder.Value.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	order, ok := orderVal.(*Order)
	if !ok {
		return nil, nil, errs.BadFormatf("restore: own belief entry is not an order")
	}

	p := &Peer{
		Key:          ownKey,
		State:        state,
		Order:        order,
		Belief:       belief,
		SignedBelief: signedBelief,
	}
	return p, []byte(genesisHash), nil
}
