package server

import (
	"context"
	"time"

	"cellmesh/cell"
	"cellmesh/peer"
	"cellmesh/wire"
)

// updateLoop is the single goroutine that owns the Peer value: each tick
// it refreshes the timestamp, publishes a pending block if any, merges
// pending Beliefs, executes newly-consensual blocks, reports results,
// and broadcasts. The loop ticks continuously — sleeping a small
// interval when no new messages arrived — so the broadcast cadence also
// re-delivers beliefs a congested remote dropped.
func (s *Server) updateLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(updaterIdleSleep):
		}
		s.tick(ctx)
	}
}

func (s *Server) tick(ctx context.Context) {
	ctx = s.Context(ctx)
	s.hasNewMessages.Store(false)
	now := time.Now().UnixMilli()
	p := s.Peer()

	pendingTx := s.drainTransactions()
	order := p.Order
	var novelty []cell.Cell
	if len(pendingTx) > 0 {
		newOrder, block, err := peer.Propose(ctx, now, s.signer, pendingTx, order, s.store)
		if err != nil {
			s.log.WithError(err).Warn("propose failed")
		} else {
			order = newOrder
			if block != nil {
				novelty = append(novelty, block)
			}
		}
	}

	remoteBeliefs := s.drainBeliefs()
	oldConsensus := order.ConsensusPoint
	result, err := peer.Merge(ctx, p.Key, order, p.State, remoteBeliefs, s.signer, s.exec)
	if err != nil {
		s.log.WithError(err).Warn("merge failed")
		return
	}

	newPeer, err := p.AdvanceWithSigner(s.signer, result.Order, result.State, result.Retained, now)
	if err != nil {
		s.log.WithError(err).Warn("advance failed")
		return
	}
	// Persist the whole belief graph before publishing: every cell a
	// remote may come back asking for via MISSING_DATA has to be
	// answerable from this store.
	if _, err := s.store.DeepStore(newPeer.SignedBelief); err != nil {
		s.log.WithError(err).Warn("persist belief failed")
		return
	}
	s.peerVal.Store(newPeer)

	s.reportResults(ctx, result.Order, oldConsensus, result.Results)
	s.broadcast(ctx, newPeer, novelty)
}

func (s *Server) drainTransactions() []*cell.SignedData {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	out := s.newTransactions
	s.newTransactions = nil
	return out
}

func (s *Server) drainBeliefs() []*cell.SignedData {
	s.beliefMu.Lock()
	defer s.beliefMu.Unlock()
	out := make([]*cell.SignedData, 0, len(s.newBeliefs))
	for _, b := range s.newBeliefs {
		out = append(out, b)
	}
	s.newBeliefs = make(map[string]*cell.SignedData)
	return out
}

// reportResults delivers a Result to every client registered in
// interests for a transaction in a newly-consensual block. Blocks are
// addressed from the merged order: result indices line up with the
// combined blocks vector the merge executed, starting at the pre-merge
// consensus point.
func (s *Server) reportResults(ctx context.Context, order *peer.Order, oldConsensus uint64, results []peer.BlockResult) {
	blocks, err := order.Blocks(ctx)
	if err != nil {
		s.log.WithError(err).Warn("report results: resolve blocks")
		return
	}
	for i, br := range results {
		idx := oldConsensus + uint64(i)
		blockVal, err := cell.Get(ctx, blocks, idx)
		if err != nil {
			s.log.WithError(err).Warn("report results: get block")
			continue
		}
		signedBlock, ok := blockVal.(*cell.SignedData)
		if !ok {
			continue
		}
		blockCell, err := signedBlock.Value.Resolve(ctx)
		if err != nil {
			s.log.WithError(err).Warn("report results: resolve block")
			continue
		}
		block, ok := blockCell.(*peer.Block)
		if !ok {
			continue
		}
		txVec, err := block.Transactions(ctx)
		if err != nil {
			continue
		}
		for t := uint64(0); t < txVec.Length() && int(t) < len(br.Results); t++ {
			txVal, err := cell.Get(ctx, txVec, t)
			if err != nil {
				continue
			}
			signedTx, ok := txVal.(*cell.SignedData)
			if !ok {
				continue
			}
			h, err := cell.Hash(signedTx)
			if err != nil {
				continue
			}
			s.deliverResult(h.String(), br.Results[t])
		}
	}
}

func (s *Server) deliverResult(txHashKey string, res peer.Result) {
	s.interestMu.Lock()
	entry, ok := s.interests[txHashKey]
	if ok {
		delete(s.interests, txHashKey)
	}
	s.interestMu.Unlock()
	if !ok {
		return // closed connection or no client waiting: discard silently
	}
	_ = s.sendFrame(entry.connID, entry.msgID, wire.KindResult, mustResultCell(res))
}

// broadcast pushes the freshly signed Belief to every connection, and any
// novel cells (e.g. the proposed block) as DATA to warm remote stores —
// except the Belief itself, which always travels as BELIEF. Broadcasts
// are monotonic per peer: this server never holds an older-timestamped
// Belief once a newer one has been produced, so no explicit
// per-connection "last sent" bookkeeping is needed beyond that.
func (s *Server) broadcast(ctx context.Context, p *peer.Peer, novelty []cell.Cell) {
	s.connMu.RLock()
	conns := make([]string, 0, len(s.conns))
	for id := range s.conns {
		conns = append(conns, id)
	}
	s.connMu.RUnlock()

	for _, id := range conns {
		_ = s.sendFrame(id, 0, wire.KindBelief, p.SignedBelief)
		for _, n := range novelty {
			_ = s.sendFrame(id, 0, wire.KindData, n)
		}
	}
}
