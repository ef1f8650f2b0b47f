// Package peer implements the replicated consensus records — State,
// Block, Order, Belief, PeerStatus, AccountStatus — and the deterministic
// Belief-merge / consensus-advance algorithm that ties them together.
package peer

import (
	"context"

	"cellmesh/cell"
	"cellmesh/errs"
)

func init() {
	cell.RegisterDecoder(cell.TagBlock, readBlock)
	cell.RegisterDecoder(cell.TagOrder, readOrder)
	cell.RegisterDecoder(cell.TagBelief, readBelief)
	cell.RegisterDecoder(cell.TagState, readState)
	cell.RegisterDecoder(cell.TagPeerStatus, readPeerStatus)
	cell.RegisterDecoder(cell.TagAccountStatus, readAccountStatus)
}

// AccountStatus is State's per-account record. Balance backs the native
// VM's transfer and balance forms. Sequence, PublicKey and Controller are
// encoded and hashed with the record, but neither the merge algorithm nor
// the VM reads them: Belief-entry signatures are checked against the key
// carried in SignedData, and no sequence check is made.
type AccountStatus struct {
	Balance    int64
	Sequence   uint64
	PublicKey  []byte
	Controller []byte
}

func (a *AccountStatus) Tag() cell.Tag         { return cell.TagAccountStatus }
func (a *AccountStatus) Children() []*cell.Ref { return nil }

func (a *AccountStatus) Encode() ([]byte, error) {
	w := cell.NewWriter()
	w.WriteTag(cell.TagAccountStatus)
	w.WriteUvarint(zigzagEncode(a.Balance))
	w.WriteUvarint(a.Sequence)
	w.WriteRaw(a.PublicKey)
	w.WriteRaw(a.Controller)
	return w.Bytes(), nil
}

func readAccountStatus(r *cell.Reader) (cell.Cell, error) {
	balance, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	seq, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	pub, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}
	ctrl, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		Balance:    zigzagDecode(balance),
		Sequence:   seq,
		PublicKey:  append([]byte(nil), pub...),
		Controller: append([]byte(nil), ctrl...),
	}, nil
}

// PeerStatus is State's per-peer network metadata: stake backs the
// consensus-majority weighting in Merge; advertisedURL is what the
// connector dials and what STATUS replies report.
type PeerStatus struct {
	Stake         int64
	AdvertisedURL string
}

func (p *PeerStatus) Tag() cell.Tag         { return cell.TagPeerStatus }
func (p *PeerStatus) Children() []*cell.Ref { return nil }

func (p *PeerStatus) Encode() ([]byte, error) {
	w := cell.NewWriter()
	w.WriteTag(cell.TagPeerStatus)
	w.WriteUvarint(zigzagEncode(p.Stake))
	w.WriteRaw([]byte(p.AdvertisedURL))
	return w.Bytes(), nil
}

func readPeerStatus(r *cell.Reader) (cell.Cell, error) {
	stake, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	url, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}
	return &PeerStatus{Stake: zigzagDecode(stake), AdvertisedURL: string(url)}, nil
}

// State is the immutable replicated snapshot: every account, every known
// peer's status, and the timestamp of the block that produced it.
// Accounts/Peers are held as lazy refs, not decoded maps: a State
// deserialized off the wire may have either child by-hash rather than
// embedded, and resolving it can raise errs.MissingData.
type State struct {
	accounts  *cell.Ref
	peers     *cell.Ref
	Timestamp int64
}

// NewState builds a State from in-memory maps.
func NewState(accounts, peers *cell.Map, timestamp int64) (*State, error) {
	accRef, err := cell.NewRef(accounts)
	if err != nil {
		return nil, err
	}
	peerRef, err := cell.NewRef(peers)
	if err != nil {
		return nil, err
	}
	return &State{accounts: accRef, peers: peerRef, Timestamp: timestamp}, nil
}

// Accounts resolves the account table, pulling it through ctx's store if
// it was not already held in memory.
func (s *State) Accounts(ctx context.Context) (*cell.Map, error) {
	v, err := s.accounts.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*cell.Map)
	if !ok {
		return nil, errs.BadFormatf("state: accounts is not a map")
	}
	return m, nil
}

// Peers resolves the peer-status table, pulling it through ctx's store if
// it was not already held in memory.
func (s *State) Peers(ctx context.Context) (*cell.Map, error) {
	v, err := s.peers.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*cell.Map)
	if !ok {
		return nil, errs.BadFormatf("state: peers is not a map")
	}
	return m, nil
}

func (s *State) Tag() cell.Tag         { return cell.TagState }
func (s *State) Children() []*cell.Ref { return []*cell.Ref{s.accounts, s.peers} }

func (s *State) Encode() ([]byte, error) {
	w := cell.NewWriter()
	w.WriteTag(cell.TagState)
	if err := w.WriteRef(s.accounts); err != nil {
		return nil, err
	}
	if err := w.WriteRef(s.peers); err != nil {
		return nil, err
	}
	w.WriteUvarint(zigzagEncode(s.Timestamp))
	return w.Bytes(), nil
}

func readState(r *cell.Reader) (cell.Cell, error) {
	accRef, err := r.ReadRef()
	if err != nil {
		return nil, err
	}
	peerRef, err := r.ReadRef()
	if err != nil {
		return nil, err
	}
	ts, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	return &State{accounts: accRef, peers: peerRef, Timestamp: zigzagDecode(ts)}, nil
}

// Block is a timestamped, ordered batch of signed transactions proposed
// by one peer. Transactions is a lazy ref to a Vector of *cell.SignedData,
// each wrapping one transaction form.
type Block struct {
	Timestamp    int64
	PeerKey      []byte
	transactions *cell.Ref
}

// NewBlock builds a Block from an in-memory transactions vector.
func NewBlock(timestamp int64, peerKey []byte, transactions cell.Vector) (*Block, error) {
	txRef, err := cell.NewRef(transactions)
	if err != nil {
		return nil, err
	}
	return &Block{Timestamp: timestamp, PeerKey: peerKey, transactions: txRef}, nil
}

// Transactions resolves the transaction vector.
func (b *Block) Transactions(ctx context.Context) (cell.Vector, error) {
	v, err := b.transactions.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	vec, ok := v.(cell.Vector)
	if !ok {
		return nil, errs.BadFormatf("block: transactions is not a vector")
	}
	return vec, nil
}

func (b *Block) Tag() cell.Tag         { return cell.TagBlock }
func (b *Block) Children() []*cell.Ref { return []*cell.Ref{b.transactions} }

func (b *Block) Encode() ([]byte, error) {
	w := cell.NewWriter()
	w.WriteTag(cell.TagBlock)
	w.WriteUvarint(zigzagEncode(b.Timestamp))
	w.WriteRaw(b.PeerKey)
	if err := w.WriteRef(b.transactions); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func readBlock(r *cell.Reader) (cell.Cell, error) {
	ts, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	peerKey, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}
	txRef, err := r.ReadRef()
	if err != nil {
		return nil, err
	}
	return &Block{Timestamp: zigzagDecode(ts), PeerKey: append([]byte(nil), peerKey...), transactions: txRef}, nil
}

// Order is one peer's proposed total order of blocks plus the two
// monotonic indices: 0 <= consensusPoint <= proposalPoint <=
// blocks.Length(). Blocks is a lazy ref to a Vector of *cell.SignedData,
// each wrapping one Block.
type Order struct {
	blocks         *cell.Ref
	blocksLen      uint64
	ProposalPoint  uint64
	ConsensusPoint uint64
}

// NewOrder builds an Order from an in-memory blocks vector.
func NewOrder(blocks cell.Vector, proposalPoint, consensusPoint uint64) (*Order, error) {
	if consensusPoint > proposalPoint {
		return nil, errs.InvalidDataf("order: consensusPoint %d > proposalPoint %d", consensusPoint, proposalPoint)
	}
	if proposalPoint > blocks.Length() {
		return nil, errs.InvalidDataf("order: proposalPoint %d > blocks length %d", proposalPoint, blocks.Length())
	}
	ref, err := cell.NewRef(blocks)
	if err != nil {
		return nil, err
	}
	return &Order{blocks: ref, blocksLen: blocks.Length(), ProposalPoint: proposalPoint, ConsensusPoint: consensusPoint}, nil
}

// Blocks resolves the block vector.
func (o *Order) Blocks(ctx context.Context) (cell.Vector, error) {
	v, err := o.blocks.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	vec, ok := v.(cell.Vector)
	if !ok {
		return nil, errs.BadFormatf("order: blocks is not a vector")
	}
	return vec, nil
}

// BlocksLength returns the block count without resolving the vector.
func (o *Order) BlocksLength() uint64 { return o.blocksLen }

func (o *Order) Tag() cell.Tag         { return cell.TagOrder }
func (o *Order) Children() []*cell.Ref { return []*cell.Ref{o.blocks} }

func (o *Order) Encode() ([]byte, error) {
	w := cell.NewWriter()
	w.WriteTag(cell.TagOrder)
	if err := w.WriteRef(o.blocks); err != nil {
		return nil, err
	}
	w.WriteUvarint(o.blocksLen)
	w.WriteUvarint(o.ProposalPoint)
	w.WriteUvarint(o.ConsensusPoint)
	return w.Bytes(), nil
}

func readOrder(r *cell.Reader) (cell.Cell, error) {
	blocksRef, err := r.ReadRef()
	if err != nil {
		return nil, err
	}
	length, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	proposal, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	consensus, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if consensus > proposal {
		return nil, errs.InvalidDataf("order: consensusPoint %d > proposalPoint %d", consensus, proposal)
	}
	if proposal > length {
		return nil, errs.InvalidDataf("order: proposalPoint %d > blocks length %d", proposal, length)
	}
	return &Order{blocks: blocksRef, blocksLen: length, ProposalPoint: proposal, ConsensusPoint: consensus}, nil
}

// Belief is a peer's local view of every known peer's Order: a mapping
// peerKey -> signed Order. Orders is a lazy ref to a *cell.Map whose
// values are *cell.SignedData wrapping an *Order.
type Belief struct {
	orders *cell.Ref
}

// NewBelief builds a Belief from an in-memory orders map.
func NewBelief(orders *cell.Map) (*Belief, error) {
	ref, err := cell.NewRef(orders)
	if err != nil {
		return nil, err
	}
	return &Belief{orders: ref}, nil
}

// Orders resolves the peerKey -> signed-Order map.
func (b *Belief) Orders(ctx context.Context) (*cell.Map, error) {
	v, err := b.orders.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*cell.Map)
	if !ok {
		return nil, errs.BadFormatf("belief: orders is not a map")
	}
	return m, nil
}

func (b *Belief) Tag() cell.Tag         { return cell.TagBelief }
func (b *Belief) Children() []*cell.Ref { return []*cell.Ref{b.orders} }

func (b *Belief) Encode() ([]byte, error) {
	w := cell.NewWriter()
	w.WriteTag(cell.TagBelief)
	if err := w.WriteRef(b.orders); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func readBelief(r *cell.Reader) (cell.Cell, error) {
	ref, err := r.ReadRef()
	if err != nil {
		return nil, err
	}
	return &Belief{orders: ref}, nil
}

func zigzagEncode(v int64) uint64 { return uint64((v << 1) ^ (v >> 63)) }
func zigzagDecode(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }
