package peer_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"cellmesh/cell"
	"cellmesh/peer"
	"cellmesh/signer"
	"cellmesh/store"
	"cellmesh/vm"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	st, err := store.New(lg, 64)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return store.WithStore(context.Background(), st)
}

func genesisStateWithSelf(t *testing.T, key []byte, stake int64) *peer.State {
	t.Helper()
	accounts, err := cell.NewMap(nil)
	if err != nil {
		t.Fatalf("accounts map: %v", err)
	}
	keyRef, err := cell.NewRef(cell.Blob(key))
	if err != nil {
		t.Fatalf("key ref: %v", err)
	}
	statusRef, err := cell.NewRef(&peer.PeerStatus{Stake: stake, AdvertisedURL: "local://self"})
	if err != nil {
		t.Fatalf("status ref: %v", err)
	}
	peers, err := cell.NewMap([]cell.MapEntry{{Key: keyRef, Value: statusRef}})
	if err != nil {
		t.Fatalf("peers map: %v", err)
	}
	state, err := peer.NewState(accounts, peers, 0)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return state
}

func signedTx(t *testing.T, s *signer.KeyPair, form cell.Cell) *cell.SignedData {
	t.Helper()
	ref, err := cell.NewRef(form)
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	enc, err := form.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sig, err := s.Sign(enc)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &cell.SignedData{Value: ref, Signature: sig, SignerKey: s.AccountKey()}
}

func arithForm(t *testing.T, op string, args ...int64) cell.Cell {
	t.Helper()
	v := cell.Vector(cell.Empty())
	var err error
	v, err = cell.Append(context.Background(), v, cell.Symbol(op))
	if err != nil {
		t.Fatalf("append op: %v", err)
	}
	for _, a := range args {
		v, err = cell.Append(context.Background(), v, cell.Long(a))
		if err != nil {
			t.Fatalf("append arg: %v", err)
		}
	}
	return v
}

// TestSinglePeerReachesConsensusOnOwnBlock exercises propose -> merge with
// no remote beliefs: a lone peer holding 100% of stake should advance
// consensusPoint over its own proposed block and execute it.
func TestSinglePeerReachesConsensusOnOwnBlock(t *testing.T) {
	ctx := testContext(t)
	key := signer.FromSeed(1)
	genesis := genesisStateWithSelf(t, key.AccountKey(), 100)
	p, err := peer.NewGenesisPeer(ctx, key, genesis, 1000)
	if err != nil {
		t.Fatalf("genesis peer: %v", err)
	}

	tx := signedTx(t, key, arithForm(t, "+", 2, 3))
	newOrder, block, err := peer.Propose(ctx, 1001, key, []*cell.SignedData{tx}, p.Order, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if block == nil {
		t.Fatalf("expected a proposed block")
	}
	if newOrder.ProposalPoint != 1 {
		t.Fatalf("proposalPoint = %d, want 1", newOrder.ProposalPoint)
	}

	exec := vm.NewNativeVM()
	result, err := peer.Merge(ctx, p.Key, newOrder, p.State, nil, key, exec)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.Order.ConsensusPoint != 1 {
		t.Fatalf("consensusPoint = %d, want 1", result.Order.ConsensusPoint)
	}
	if len(result.Results) != 1 || len(result.Results[0].Results) != 1 {
		t.Fatalf("expected exactly one executed transaction result")
	}
	if result.Results[0].Results[0].Code != peer.CodeOK {
		t.Fatalf("tx result code = %v, want OK", result.Results[0].Results[0].Code)
	}
	if result.Results[0].Results[0].Value.(cell.Long) != 5 {
		t.Fatalf("tx result value = %v, want 5", result.Results[0].Results[0].Value)
	}
}

// TestConsensusPointNeverDecreases exercises the monotonicity invariant:
// merging again with no new evidence must never regress consensusPoint
// below what was already reached.
func TestConsensusPointNeverDecreases(t *testing.T) {
	ctx := testContext(t)
	key := signer.FromSeed(7)
	genesis := genesisStateWithSelf(t, key.AccountKey(), 100)
	p, err := peer.NewGenesisPeer(ctx, key, genesis, 1000)
	if err != nil {
		t.Fatalf("genesis peer: %v", err)
	}
	tx := signedTx(t, key, arithForm(t, "+", 1))
	order, _, err := peer.Propose(ctx, 1001, key, []*cell.SignedData{tx}, p.Order, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	exec := vm.NewNativeVM()
	first, err := peer.Merge(ctx, p.Key, order, p.State, nil, key, exec)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	second, err := peer.Merge(ctx, p.Key, first.Order, first.State, nil, key, exec)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if second.Order.ConsensusPoint < first.Order.ConsensusPoint {
		t.Fatalf("consensusPoint regressed: %d -> %d", first.Order.ConsensusPoint, second.Order.ConsensusPoint)
	}
}

// TestMergeIsDeterministic exercises the determinism property: running
// the same merge twice from the same inputs yields byte-identical
// resulting orders.
func TestMergeIsDeterministic(t *testing.T) {
	ctx := testContext(t)
	key := signer.FromSeed(3)
	genesis := genesisStateWithSelf(t, key.AccountKey(), 100)
	p, err := peer.NewGenesisPeer(ctx, key, genesis, 1000)
	if err != nil {
		t.Fatalf("genesis peer: %v", err)
	}
	tx := signedTx(t, key, arithForm(t, "*", 6, 7))
	order, _, err := peer.Propose(ctx, 1001, key, []*cell.SignedData{tx}, p.Order, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	exec := vm.NewNativeVM()
	r1, err := peer.Merge(ctx, p.Key, order, p.State, nil, key, exec)
	if err != nil {
		t.Fatalf("merge 1: %v", err)
	}
	r2, err := peer.Merge(ctx, p.Key, order, p.State, nil, key, exec)
	if err != nil {
		t.Fatalf("merge 2: %v", err)
	}
	h1, err := cell.Hash(r1.Order)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := cell.Hash(r2.Order)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !h1.Equals(h2) {
		t.Fatalf("merge is not deterministic: %v != %v", h1, h2)
	}
}

func genesisStateWithTwoPeers(t *testing.T, keyA, keyB []byte, stakeA, stakeB int64) *peer.State {
	t.Helper()
	accounts, err := cell.NewMap(nil)
	if err != nil {
		t.Fatalf("accounts map: %v", err)
	}
	refA, err := cell.NewRef(cell.Blob(keyA))
	if err != nil {
		t.Fatalf("key ref: %v", err)
	}
	statusA, err := cell.NewRef(&peer.PeerStatus{Stake: stakeA, AdvertisedURL: "local://a"})
	if err != nil {
		t.Fatalf("status ref: %v", err)
	}
	refB, err := cell.NewRef(cell.Blob(keyB))
	if err != nil {
		t.Fatalf("key ref: %v", err)
	}
	statusB, err := cell.NewRef(&peer.PeerStatus{Stake: stakeB, AdvertisedURL: "local://b"})
	if err != nil {
		t.Fatalf("status ref: %v", err)
	}
	peers, err := cell.NewMap([]cell.MapEntry{{Key: refA, Value: statusA}, {Key: refB, Value: statusB}})
	if err != nil {
		t.Fatalf("peers map: %v", err)
	}
	state, err := peer.NewState(accounts, peers, 0)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return state
}

// TestMergeAdoptsRemoteBlocks runs two equal-stake peers through two
// belief-exchange rounds: after the first round both propose the same
// combined two-block ordering, after the second both hold it in full
// consensus.
func TestMergeAdoptsRemoteBlocks(t *testing.T) {
	ctx := testContext(t)
	keyA := signer.FromSeed(1)
	keyB := signer.FromSeed(2)
	stateA := genesisStateWithTwoPeers(t, keyA.AccountKey(), keyB.AccountKey(), 50, 50)
	stateB := genesisStateWithTwoPeers(t, keyA.AccountKey(), keyB.AccountKey(), 50, 50)

	pA, err := peer.NewGenesisPeer(ctx, keyA, stateA, 1000)
	if err != nil {
		t.Fatalf("genesis peer A: %v", err)
	}
	pB, err := peer.NewGenesisPeer(ctx, keyB, stateB, 1000)
	if err != nil {
		t.Fatalf("genesis peer B: %v", err)
	}

	orderA, _, err := peer.Propose(ctx, 1001, keyA, []*cell.SignedData{signedTx(t, keyA, arithForm(t, "+", 1, 2))}, pA.Order, nil)
	if err != nil {
		t.Fatalf("propose A: %v", err)
	}
	orderB, _, err := peer.Propose(ctx, 1002, keyB, []*cell.SignedData{signedTx(t, keyB, arithForm(t, "*", 3, 4))}, pB.Order, nil)
	if err != nil {
		t.Fatalf("propose B: %v", err)
	}
	pA, err = pA.AdvanceWithSigner(keyA, orderA, pA.State, nil, 1003)
	if err != nil {
		t.Fatalf("advance A: %v", err)
	}
	pB, err = pB.AdvanceWithSigner(keyB, orderB, pB.State, nil, 1004)
	if err != nil {
		t.Fatalf("advance B: %v", err)
	}

	exec := vm.NewNativeVM()
	rA, err := peer.Merge(ctx, pA.Key, pA.Order, pA.State, []*cell.SignedData{pB.SignedBelief}, keyA, exec)
	if err != nil {
		t.Fatalf("merge A: %v", err)
	}
	rB, err := peer.Merge(ctx, pB.Key, pB.Order, pB.State, []*cell.SignedData{pA.SignedBelief}, keyB, exec)
	if err != nil {
		t.Fatalf("merge B: %v", err)
	}
	if rA.Order.BlocksLength() != 2 || rB.Order.BlocksLength() != 2 {
		t.Fatalf("combined lengths = %d, %d, want 2, 2", rA.Order.BlocksLength(), rB.Order.BlocksLength())
	}
	blocksA, err := rA.Order.Blocks(ctx)
	if err != nil {
		t.Fatalf("blocks A: %v", err)
	}
	blocksB, err := rB.Order.Blocks(ctx)
	if err != nil {
		t.Fatalf("blocks B: %v", err)
	}
	cp, err := cell.CommonPrefixLength(ctx, blocksA, blocksB)
	if err != nil {
		t.Fatalf("common prefix: %v", err)
	}
	if cp != 2 {
		t.Fatalf("combined orderings diverge: common prefix = %d, want 2", cp)
	}

	pA, err = pA.AdvanceWithSigner(keyA, rA.Order, rA.State, rA.Retained, 1005)
	if err != nil {
		t.Fatalf("advance A round 2: %v", err)
	}
	pB, err = pB.AdvanceWithSigner(keyB, rB.Order, rB.State, rB.Retained, 1006)
	if err != nil {
		t.Fatalf("advance B round 2: %v", err)
	}
	rA2, err := peer.Merge(ctx, pA.Key, pA.Order, pA.State, []*cell.SignedData{pB.SignedBelief}, keyA, exec)
	if err != nil {
		t.Fatalf("merge A round 2: %v", err)
	}
	rB2, err := peer.Merge(ctx, pB.Key, pB.Order, pB.State, []*cell.SignedData{pA.SignedBelief}, keyB, exec)
	if err != nil {
		t.Fatalf("merge B round 2: %v", err)
	}
	if rA2.Order.ConsensusPoint != 2 {
		t.Fatalf("peer A consensusPoint = %d, want 2", rA2.Order.ConsensusPoint)
	}
	if rB2.Order.ConsensusPoint != 2 {
		t.Fatalf("peer B consensusPoint = %d, want 2", rB2.Order.ConsensusPoint)
	}
}
