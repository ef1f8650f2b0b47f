package peer

import (
	"context"

	"cellmesh/cell"
)

// Store is the subset of the content-addressed store peer needs: a
// caller-supplied deep-persist hook. Consumer-defined here (rather than
// importing package store) so peer stays decoupled from the storage
// backend's concrete type.
type Store interface {
	DeepStore(c cell.Cell) (*cell.Ref, error)
}

// Propose builds one block when pendingTx is non-empty: a
// Block(now, proposerKey, pendingTx), signed, deep-stored, appended to
// order's blocks, with proposalPoint bumped. An empty queue produces no
// block (no empty-block heartbeats).
func Propose(ctx context.Context, now int64, signer Signer, pendingTx []*cell.SignedData, order *Order, store Store) (*Order, *Block, error) {
	if len(pendingTx) == 0 {
		return order, nil, nil
	}
	txVec := cell.Vector(cell.Empty())
	for _, tx := range pendingTx {
		nv, err := cell.Append(ctx, txVec, tx)
		if err != nil {
			return nil, nil, err
		}
		txVec = nv
	}
	block, err := NewBlock(now, signer.AccountKey(), txVec)
	if err != nil {
		return nil, nil, err
	}
	blockRef, err := cell.NewRef(block)
	if err != nil {
		return nil, nil, err
	}
	enc, err := block.Encode()
	if err != nil {
		return nil, nil, err
	}
	sig, err := signer.Sign(enc)
	if err != nil {
		return nil, nil, err
	}
	signedBlock := &cell.SignedData{Value: blockRef, Signature: sig, SignerKey: signer.AccountKey(), Timestamp: now}
	if store != nil {
		if _, err := store.DeepStore(signedBlock); err != nil {
			return nil, nil, err
		}
	}
	blocks, err := order.Blocks(ctx)
	if err != nil {
		return nil, nil, err
	}
	newBlocks, err := cell.Append(ctx, blocks, signedBlock)
	if err != nil {
		return nil, nil, err
	}
	newOrder, err := NewOrder(newBlocks, order.ProposalPoint+1, order.ConsensusPoint)
	if err != nil {
		return nil, nil, err
	}
	return newOrder, block, nil
}
