package server

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"

	"cellmesh/cell"
	"cellmesh/challenge"
	"cellmesh/errs"
	"cellmesh/peer"
	"cellmesh/store"
	"cellmesh/wire"
)

// dispatch is the single entry point every inbound frame passes through.
// A handler that raises errs.MissingData parks the message and requests
// the hash over the wire rather than failing the connection; any other
// error is logged and the loop continues — the server never panics on an
// inbound message alone.
func (s *Server) dispatch(parent context.Context, connID string, f wire.Frame) {
	ctx := s.Context(parent)
	err := s.handle(ctx, connID, f)
	if err == nil {
		return
	}
	if h, ok := errs.AsMissingData(err); ok {
		s.park(h, connID, f)
		return
	}
	s.log.WithError(err).WithField("kind", f.Kind).WithField("conn", connID).Warn("dispatch error")
}

func (s *Server) handle(ctx context.Context, connID string, f wire.Frame) error {
	switch f.Kind {
	case wire.KindBelief:
		return s.handleBelief(ctx, f)
	case wire.KindTransact:
		return s.handleTransact(ctx, connID, f)
	case wire.KindQuery:
		return s.handleQuery(ctx, connID, f)
	case wire.KindStatus:
		return s.handleStatus(ctx, connID, f)
	case wire.KindChallenge:
		return s.handleChallenge(connID, f)
	case wire.KindResponse:
		return s.handleResponse(connID, f)
	case wire.KindData:
		return s.handleData(ctx, f)
	case wire.KindMissingData:
		return s.handleMissingData(connID, f)
	case wire.KindGoodbye:
		s.removeConn(connID)
		return nil
	case wire.KindResult:
		return nil // ignored inbound on the peer side
	case wire.KindCommand:
		s.log.WithField("conn", connID).Debug("COMMAND received, acknowledged as no-op")
		return nil
	default:
		return errs.BadFormatf("dispatch: unknown message kind %d", f.Kind)
	}
}

// partialHorizon bounds how long a parked message waits for its missing
// cell before being discarded without notification.
const partialHorizon = 30 * time.Second

// park records a message blocked on a missing cell and requests it over
// the originating connection, the partial-message protocol. Each park
// also sweeps out entries past the bounded wait, so the map cannot grow
// without fresh traffic feeding it.
func (s *Server) park(h cid.Cid, connID string, f wire.Frame) {
	now := time.Now()
	cutoff := now.Add(-partialHorizon)
	s.partialMu.Lock()
	for hash, waiting := range s.partial {
		kept := waiting[:0]
		for _, pm := range waiting {
			if pm.at.After(cutoff) {
				kept = append(kept, pm)
			}
		}
		if len(kept) == 0 {
			delete(s.partial, hash)
		} else {
			s.partial[hash] = kept
		}
	}
	s.partial[h] = append(s.partial[h], parkedMsg{connID: connID, frame: f, at: now})
	s.partialMu.Unlock()
	if c, ok := s.conn(connID); ok {
		_ = c.Send(wire.Frame{Kind: wire.KindMissingData, ID: f.ID, Payload: wire.EncodeHash(h)})
	}
}

// --- BELIEF ---

func (s *Server) handleBelief(ctx context.Context, f wire.Frame) error {
	signed, ok := f.Payload.(*cell.SignedData)
	if !ok {
		return errs.BadFormatf("BELIEF: payload is not signed data")
	}
	// The merge needs the whole belief graph; an incomplete one raises
	// MissingData here, where dispatch can still park this frame and
	// request the hash, instead of failing mid-update.
	if err := cell.ResolveDeep(ctx, signed); err != nil {
		return err
	}
	enc, err := signed.Value.Encoding(ctx)
	if err != nil {
		return err
	}
	if !s.signer.Verify(enc, signed.Signature, signed.SignerKey) {
		return errs.BadSignaturef("BELIEF: dropped")
	}
	peerKey := string(signed.SignerKey)
	s.beliefMu.Lock()
	cur, exists := s.newBeliefs[peerKey]
	if !exists || signed.Timestamp > cur.Timestamp {
		s.newBeliefs[peerKey] = signed
		s.beliefMu.Unlock()
		s.signalWake()
		return nil
	}
	s.beliefMu.Unlock()
	return nil
}

// --- TRANSACT ---

func (s *Server) handleTransact(ctx context.Context, connID string, f wire.Frame) error {
	vec, ok := f.Payload.(cell.Vector)
	if !ok || vec.Length() != 2 {
		return errs.BadFormatf("TRANSACT: payload is not a 2-element vector")
	}
	idVal, err := cell.Get(ctx, vec, 0)
	if err != nil {
		return err
	}
	msgID, _ := idVal.(cell.Long)
	txVal, err := cell.Get(ctx, vec, 1)
	if err != nil {
		return err
	}
	signedTx, ok := txVal.(*cell.SignedData)
	if !ok {
		return errs.BadFormatf("TRANSACT: transaction is not signed data")
	}

	if _, err := s.store.DeepStore(signedTx); err != nil {
		return err
	}

	enc, err := signedTx.Value.Encoding(ctx)
	if err != nil {
		return err
	}
	if !s.signer.Verify(enc, signedTx.Signature, signedTx.SignerKey) {
		return s.reply(connID, f.ID, peer.Result{Code: peer.CodeSignature, Message: "signature verification failed"})
	}

	txHash, err := cell.Hash(signedTx)
	if err != nil {
		return err
	}
	s.txMu.Lock()
	s.newTransactions = append(s.newTransactions, signedTx)
	s.txMu.Unlock()

	s.interestMu.Lock()
	s.interests[txHash.String()] = interestEntry{connID: connID, msgID: int64(msgID), at: time.Now()}
	s.interestMu.Unlock()

	s.signalWake()
	return nil
}

// --- QUERY ---

func (s *Server) handleQuery(ctx context.Context, connID string, f wire.Frame) error {
	vec, ok := f.Payload.(cell.Vector)
	if !ok || vec.Length() != 3 {
		return errs.BadFormatf("QUERY: payload is not a 3-element vector")
	}
	idVal, err := cell.Get(ctx, vec, 0)
	if err != nil {
		return err
	}
	msgID, _ := idVal.(cell.Long)
	form, err := cell.Get(ctx, vec, 1)
	if err != nil {
		return err
	}
	addrVal, err := cell.Get(ctx, vec, 2)
	if err != nil {
		return err
	}
	addr, ok := addrVal.(cell.Blob)
	if !ok {
		return errs.BadFormatf("QUERY: address is not a blob")
	}
	p := s.Peer()
	_, result, err := s.exec.Execute(ctx, form, []byte(addr), p.State)
	if err != nil {
		return err
	}
	return s.sendFrame(connID, int64(msgID), wire.KindResult, mustResultCell(result))
}

// --- STATUS ---

func (s *Server) handleStatus(ctx context.Context, connID string, f wire.Frame) error {
	p := s.Peer()
	beliefHash, err := cell.Hash(p.Belief)
	if err != nil {
		return err
	}
	stateHash, err := cell.Hash(p.State)
	if err != nil {
		return err
	}
	peersMap, err := p.State.Peers(ctx)
	if err != nil {
		return err
	}
	payload := cell.Empty()
	payload, err = cell.Append(ctx, payload, cell.Blob(beliefHash.Bytes()))
	if err != nil {
		return err
	}
	payload, err = cell.Append(ctx, payload, cell.Blob(stateHash.Bytes()))
	if err != nil {
		return err
	}
	payload, err = cell.Append(ctx, payload, cell.Blob(s.genesisHash.Bytes()))
	if err != nil {
		return err
	}
	payload, err = cell.Append(ctx, payload, peersMap)
	if err != nil {
		return err
	}
	return s.sendFrame(connID, f.ID, wire.KindStatus, payload)
}

// --- CHALLENGE / RESPONSE ---

func (s *Server) handleChallenge(connID string, f wire.Frame) error {
	signed, ok := f.Payload.(*cell.SignedData)
	if !ok {
		return errs.BadFormatf("CHALLENGE: payload is not signed data")
	}
	resp, err := challenge.Respond(s.signer, signed)
	if err != nil {
		return err
	}
	return s.sendFrame(connID, f.ID, wire.KindResponse, resp)
}

func (s *Server) handleResponse(connID string, f wire.Frame) error {
	signed, ok := f.Payload.(*cell.SignedData)
	if !ok {
		return errs.BadFormatf("RESPONSE: payload is not signed data")
	}
	s.challengeMu.Lock()
	m, ok := s.challenges[connID]
	s.challengeMu.Unlock()
	if !ok {
		return nil
	}
	m.HandleResponse(signed, s.signer)
	return nil
}

// IsTrusted reports whether connID's handshake has completed.
func (s *Server) IsTrusted(connID string) bool {
	s.challengeMu.Lock()
	m, ok := s.challenges[connID]
	s.challengeMu.Unlock()
	return ok && m.IsTrusted()
}

// SendChallenge issues a CHALLENGE on connID expecting it to be answered
// by expectedPeerKey. Called by the connector right after a new outbound
// connection is established.
func (s *Server) SendChallenge(connID string, expectedPeerKey []byte) error {
	s.challengeMu.Lock()
	m, ok := s.challenges[connID]
	if !ok {
		m = challenge.NewMachine()
		s.challenges[connID] = m
	}
	s.challengeMu.Unlock()
	payload, err := m.Send(s.signer, expectedPeerKey)
	if err != nil {
		return err
	}
	return s.sendFrame(connID, 0, wire.KindChallenge, payload)
}

// --- DATA / MISSING_DATA ---

func (s *Server) handleData(ctx context.Context, f wire.Frame) error {
	ref, err := s.store.Store(f.Payload, store.Shallow)
	if err != nil {
		return err
	}
	h, err := ref.Hash()
	if err != nil {
		return err
	}
	s.partialMu.Lock()
	waiting := s.partial[h]
	delete(s.partial, h)
	s.partialMu.Unlock()
	for _, pm := range waiting {
		select {
		case s.recvQueue <- inboundMsg{connID: pm.connID, frame: pm.frame}:
		default:
			s.log.WithField("hash", h.String()).Warn("dropped parked message: queue full")
		}
	}
	return nil
}

func (s *Server) handleMissingData(connID string, f wire.Frame) error {
	h, err := wire.DecodeHash(f.Payload)
	if err != nil {
		return err
	}
	c, ok := s.store.Lookup(h)
	if !ok {
		return nil // not held locally; ignore
	}
	return s.sendFrame(connID, f.ID, wire.KindData, c)
}

// --- helpers ---

func (s *Server) reply(connID string, id int64, res peer.Result) error {
	return s.sendFrame(connID, id, wire.KindResult, mustResultCell(res))
}

func (s *Server) sendFrame(connID string, id int64, kind wire.Kind, payload cell.Cell) error {
	c, ok := s.conn(connID)
	if !ok {
		return nil
	}
	return c.Send(wire.Frame{Kind: kind, ID: id, Payload: payload})
}

// resultCell encodes a peer.Result as the wire cell a RESULT frame
// carries: `[code, value-or-nil, message]`.
func resultCell(res peer.Result) (cell.Cell, error) {
	v := cell.Empty()
	var err error
	v, err = cell.Append(context.Background(), v, cell.Symbol(res.Code))
	if err != nil {
		return nil, err
	}
	val := res.Value
	if val == nil {
		val = cell.Nil{}
	}
	v, err = cell.Append(context.Background(), v, val)
	if err != nil {
		return nil, err
	}
	v, err = cell.Append(context.Background(), v, cell.Str(res.Message))
	if err != nil {
		return nil, err
	}
	return v, nil
}

func mustResultCell(res peer.Result) cell.Cell {
	c, err := resultCell(res)
	if err != nil {
		return cell.Nil{}
	}
	return c
}
