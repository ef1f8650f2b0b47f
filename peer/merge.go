package peer

import (
	"bytes"
	"context"
	"sort"

	"github.com/ipfs/go-cid"

	"cellmesh/cell"
	"cellmesh/errs"
)

// Signer is the minimal signature surface peer needs, consumer-defined so
// this package never imports the concrete signer package: sign/verify/
// accountKey are treated as an external collaborator interface.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, sig, publicKey []byte) bool
	AccountKey() []byte
}

// ResultCode classifies a transaction/query outcome reported back to a
// client, the error taxonomy as it appears on the wire.
type ResultCode string

const (
	CodeOK        ResultCode = "OK"
	CodeSignature ResultCode = "SIGNATURE"
	CodeException ResultCode = "EXCEPTION"
)

// Result is one transaction's or query's outcome.
type Result struct {
	Value   cell.Cell
	Code    ResultCode
	Message string
}

// Executor is the external VM collaborator: execute(form, address, state)
// -> (newState, result), required to be deterministic.
type Executor interface {
	Execute(ctx context.Context, form cell.Cell, address []byte, state *State) (*State, Result, error)
}

// BlockResult is one executed block's outcome: the resulting state and
// one Result per transaction, in order.
type BlockResult struct {
	State   *State
	Results []Result
}

// signedOrderEntry pairs a Belief map key (peerKey bytes) with the signed
// Order value found there.
type signedOrderEntry struct {
	peerKey []byte
	signed  *cell.SignedData
	order   *Order
}

// beliefEntries extracts every peerKey -> signedOrder pair from b,
// resolving and type-checking each value.
func beliefEntries(ctx context.Context, b *Belief) ([]signedOrderEntry, error) {
	orders, err := b.Orders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]signedOrderEntry, 0, orders.Len())
	for _, e := range orders.Entries() {
		keyVal, err := e.Key.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		blob, ok := keyVal.(cell.Blob)
		if !ok {
			return nil, errs.BadFormatf("belief: peer key is not a blob")
		}
		valVal, err := e.Value.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		signed, ok := valVal.(*cell.SignedData)
		if !ok {
			return nil, errs.BadFormatf("belief: order entry is not signed data")
		}
		orderVal, err := signed.Value.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		order, ok := orderVal.(*Order)
		if !ok {
			return nil, errs.BadFormatf("belief: signed value is not an order")
		}
		out = append(out, signedOrderEntry{peerKey: []byte(blob), signed: signed, order: order})
	}
	return out, nil
}

// retainGreatest keeps, for each peer key, the entry with the greatest
// timestamp (tie: proposalPoint, then consensusPoint, then lexicographic
// hash).
func retainGreatest(entries []signedOrderEntry) (map[string]signedOrderEntry, error) {
	best := map[string]signedOrderEntry{}
	for _, e := range entries {
		key := string(e.peerKey)
		cur, ok := best[key]
		if !ok {
			best[key] = e
			continue
		}
		better, err := isGreater(e, cur)
		if err != nil {
			return nil, err
		}
		if better {
			best[key] = e
		}
	}
	return best, nil
}

func isGreater(a, b signedOrderEntry) (bool, error) {
	if a.signed.Timestamp != b.signed.Timestamp {
		return a.signed.Timestamp > b.signed.Timestamp, nil
	}
	if a.order.ProposalPoint != b.order.ProposalPoint {
		return a.order.ProposalPoint > b.order.ProposalPoint, nil
	}
	if a.order.ConsensusPoint != b.order.ConsensusPoint {
		return a.order.ConsensusPoint > b.order.ConsensusPoint, nil
	}
	ha, err := cell.Hash(a.order)
	if err != nil {
		return false, err
	}
	hb, err := cell.Hash(b.order)
	if err != nil {
		return false, err
	}
	return bytes.Compare(ha.Bytes(), hb.Bytes()) > 0, nil
}

// VerifyBeliefSignature checks the transport-level signature over a
// received Belief. The caller drops the whole belief on failure.
func VerifyBeliefSignature(ctx context.Context, signed *cell.SignedData, signer Signer) bool {
	enc, err := signed.Value.Encoding(ctx)
	if err != nil {
		return false
	}
	return signer.Verify(enc, signed.Signature, signed.SignerKey)
}

// verifyEntrySignature checks that a per-peer-key Order entry's signature
// really comes from the claimed peerKey, so a relayer cannot forge
// another peer's Order inside a Belief it legitimately signed itself.
// Documented in DESIGN.md as an addition beyond the literal merge
// algorithm text.
func verifyEntrySignature(ctx context.Context, e signedOrderEntry, signer Signer) bool {
	if !bytes.Equal(e.signed.SignerKey, e.peerKey) {
		return false
	}
	enc, err := e.signed.Value.Encoding(ctx)
	if err != nil {
		return false
	}
	return signer.Verify(enc, e.signed.Signature, e.signed.SignerKey)
}

// MergeResult is the outcome of merging remote beliefs into the local
// Order: the advanced local Order, the blocks that newly reached
// consensus (already executed), and the retained remote signed Orders
// the caller folds into its next Belief.
type MergeResult struct {
	Order    *Order
	Results  []BlockResult
	State    *State
	Retained map[string]*cell.SignedData
}

// Merge verifies remote beliefs, retains the greatest Order per peer
// key, adopts blocks the local ordering is missing (see combineOrders),
// computes the stake-weighted-majority consensus prefix over the
// combined ordering, advances consensusPoint (never backward), and
// executes newly-consensual blocks against state via exec.
func Merge(ctx context.Context, localKey []byte, localOrder *Order, localState *State, remoteBeliefs []*cell.SignedData, signer Signer, exec Executor) (*MergeResult, error) {
	var all []signedOrderEntry
	// The local peer's own Order always participates as a candidate.
	all = append(all, signedOrderEntry{peerKey: localKey, order: localOrder, signed: &cell.SignedData{Timestamp: 0}})
	for _, sb := range remoteBeliefs {
		if !VerifyBeliefSignature(ctx, sb, signer) {
			continue
		}
		beliefVal, err := sb.Value.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		belief, ok := beliefVal.(*Belief)
		if !ok {
			return nil, errs.BadFormatf("merge: signed value is not a belief")
		}
		entries, err := beliefEntries(ctx, belief)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if bytes.Equal(e.peerKey, localKey) {
				continue
			}
			if !verifyEntrySignature(ctx, e, signer) {
				continue
			}
			all = append(all, e)
		}
	}
	retained, err := retainGreatest(all)
	if err != nil {
		return nil, err
	}

	combined, err := combineOrders(ctx, localOrder, retained)
	if err != nil {
		return nil, err
	}
	proposal := combined.Length()
	candidateOrder, err := NewOrder(combined, proposal, localOrder.ConsensusPoint)
	if err != nil {
		return nil, err
	}
	// The local peer's retained entry is its post-adoption candidate, not
	// the pre-merge order: the prefix this peer now proposes is what its
	// stake stands behind.
	retained[string(localKey)] = signedOrderEntry{peerKey: localKey, order: candidateOrder, signed: &cell.SignedData{Timestamp: 0}}

	peers, err := localState.Peers(ctx)
	if err != nil {
		return nil, err
	}
	stakes := map[string]int64{}
	var totalStake int64
	for _, e := range peers.Entries() {
		keyVal, err := e.Key.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		blob, ok := keyVal.(cell.Blob)
		if !ok {
			continue
		}
		statusVal, err := e.Value.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		status, ok := statusVal.(*PeerStatus)
		if !ok {
			continue
		}
		stakes[string(blob)] = status.Stake
		totalStake += status.Stake
	}

	newConsensus, err := computeConsensusPrefix(ctx, combined, retained, stakes, totalStake)
	if err != nil {
		return nil, err
	}
	if newConsensus < localOrder.ConsensusPoint {
		newConsensus = localOrder.ConsensusPoint // monotonic: never decrease
	}

	results, newState, err := executeRange(ctx, combined, localOrder.ConsensusPoint, newConsensus, localState, exec)
	if err != nil {
		return nil, err
	}

	advanced, err := NewOrder(combined, proposal, newConsensus)
	if err != nil {
		return nil, err
	}
	retainedSigned := make(map[string]*cell.SignedData, len(retained))
	for key, e := range retained {
		if bytes.Equal([]byte(key), localKey) {
			continue
		}
		retainedSigned[key] = e.signed
	}
	return &MergeResult{Order: advanced, Results: results, State: newState, Retained: retainedSigned}, nil
}

// combineOrders extends the local ordering with every block the retained
// Orders carry that the local peer has not yet placed. Blocks below the
// local consensus point are kept exactly as they are; everything beyond
// it — local and adopted alike — is re-sorted by (timestamp, hash), so
// any two peers holding the same block set propose byte-identical
// orderings regardless of which of them merged first. Convergence of the
// proposed suffix is what lets computeConsensusPrefix find agreement on
// the next round.
func combineOrders(ctx context.Context, localOrder *Order, retained map[string]signedOrderEntry) (cell.Vector, error) {
	localBlocks, err := localOrder.Blocks(ctx)
	if err != nil {
		return nil, err
	}
	consensus := localOrder.ConsensusPoint
	base, err := cell.SubVector(ctx, localBlocks, 0, consensus)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		timestamp int64
		hash      cid.Cid
		block     cell.Cell
	}
	seen := map[cid.Cid]bool{}
	for i := uint64(0); i < consensus; i++ {
		blockVal, err := cell.Get(ctx, localBlocks, i)
		if err != nil {
			return nil, err
		}
		h, err := cell.Hash(blockVal)
		if err != nil {
			return nil, err
		}
		seen[h] = true
	}

	var candidates []candidate
	collect := func(blocks cell.Vector) error {
		for i := uint64(0); i < blocks.Length(); i++ {
			blockVal, err := cell.Get(ctx, blocks, i)
			if err != nil {
				return err
			}
			h, err := cell.Hash(blockVal)
			if err != nil {
				return err
			}
			if seen[h] {
				continue
			}
			seen[h] = true
			var ts int64
			if sd, ok := blockVal.(*cell.SignedData); ok {
				ts = sd.Timestamp
			}
			candidates = append(candidates, candidate{timestamp: ts, hash: h, block: blockVal})
		}
		return nil
	}

	if err := collect(localBlocks); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(retained))
	for k := range retained {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		blocks, err := retained[k].order.Blocks(ctx)
		if err != nil {
			return nil, err
		}
		if err := collect(blocks); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].timestamp != candidates[j].timestamp {
			return candidates[i].timestamp < candidates[j].timestamp
		}
		return bytes.Compare(candidates[i].hash.Bytes(), candidates[j].hash.Bytes()) < 0
	})

	combined := base
	for _, c := range candidates {
		combined, err = cell.Append(ctx, combined, c.block)
		if err != nil {
			return nil, err
		}
	}
	return combined, nil
}

// computeConsensusPrefix finds the longest prefix length L (<=
// localBlocks.Length()) such that the stake-weighted sum of peers whose
// retained Order shares that prefix exceeds half of total stake. The
// shared-prefix length against each peer does not depend on L, so it is
// computed once per peer up front; agreement is then monotonically
// non-increasing in L and the first failing length ends the search.
func computeConsensusPrefix(ctx context.Context, localBlocks cell.Vector, retained map[string]signedOrderEntry, stakes map[string]int64, totalStake int64) (uint64, error) {
	if totalStake == 0 {
		return 0, nil
	}
	prefixes := make(map[string]uint64, len(retained))
	for key, e := range retained {
		if e.order.BlocksLength() == 0 {
			prefixes[key] = 0
			continue
		}
		otherBlocks, err := e.order.Blocks(ctx)
		if err != nil {
			return 0, err
		}
		cp, err := cell.CommonPrefixLength(ctx, localBlocks, otherBlocks)
		if err != nil {
			return 0, err
		}
		prefixes[key] = cp
	}

	maxLen := localBlocks.Length()
	var best uint64
	for l := uint64(1); l <= maxLen; l++ {
		var weight int64
		for key, cp := range prefixes {
			if cp >= l {
				weight += stakes[key]
			}
		}
		if weight*2 > totalStake {
			best = l
		} else {
			break
		}
	}
	return best, nil
}

// executeRange runs every transaction in blocks[from:to] sequentially
// against state, producing one BlockResult per block. Execution is
// deterministic by contract of Executor.
func executeRange(ctx context.Context, blocks cell.Vector, from, to uint64, state *State, exec Executor) ([]BlockResult, *State, error) {
	results := make([]BlockResult, 0, to-from)
	cur := state
	for i := from; i < to; i++ {
		blockVal, err := cell.Get(ctx, blocks, i)
		if err != nil {
			return nil, nil, err
		}
		signedBlock, ok := blockVal.(*cell.SignedData)
		if !ok {
			return nil, nil, errs.BadFormatf("consensus: block %d is not signed data", i)
		}
		blockCell, err := signedBlock.Value.Resolve(ctx)
		if err != nil {
			return nil, nil, err
		}
		block, ok := blockCell.(*Block)
		if !ok {
			return nil, nil, errs.BadFormatf("consensus: block %d payload is not a block", i)
		}
		txVec, err := block.Transactions(ctx)
		if err != nil {
			return nil, nil, err
		}
		var txResults []Result
		for t := uint64(0); t < txVec.Length(); t++ {
			txVal, err := cell.Get(ctx, txVec, t)
			if err != nil {
				return nil, nil, err
			}
			signedTx, ok := txVal.(*cell.SignedData)
			if !ok {
				return nil, nil, errs.BadFormatf("consensus: transaction %d is not signed data", t)
			}
			form, err := signedTx.Value.Resolve(ctx)
			if err != nil {
				return nil, nil, err
			}
			newState, res, err := exec.Execute(ctx, form, signedTx.SignerKey, cur)
			if err != nil {
				return nil, nil, err
			}
			cur = newState
			txResults = append(txResults, res)
		}
		results = append(results, BlockResult{State: cur, Results: txResults})
	}
	return results, cur, nil
}
