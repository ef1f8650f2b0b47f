// Package server implements the peer's message dispatch loop,
// transaction admission, block proposal trigger, Belief merge/consensus
// advance driving, broadcast, and client interest tracking. It is the
// component that ties cell, store, peer, wire and challenge together
// into a running process.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"cellmesh/cell"
	"cellmesh/challenge"
	"cellmesh/errs"
	"cellmesh/peer"
	"cellmesh/store"
	"cellmesh/wire"
)

// recvQueueSize is the bounded receive queue's default capacity.
const recvQueueSize = 10_000

// updaterIdleSleep is how long the updater sleeps when hasNewMessages is
// false.
const updaterIdleSleep = time.Millisecond

// Signer is the minimal signature surface the server needs: both the
// peer-merge Signer and the challenge-handshake Signer shapes, satisfied
// structurally by signer.KeyPair without an import.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, sig, publicKey []byte) bool
	AccountKey() []byte
}

// Options is the embedder configuration record: `{keyPair, store,
// bindPort, advertisedUrl, restoreFromRoot, persistOnClose}`. Package
// config builds one of these from YAML/.env; tests construct it
// directly.
type Options struct {
	BindPort        int
	AdvertisedURL   string
	RestoreFromRoot bool
	PersistOnClose  bool
	RestoreDir      string
	Logger          *logrus.Logger
}

type inboundMsg struct {
	connID string
	frame  wire.Frame
}

type parkedMsg struct {
	connID string
	frame  wire.Frame
	at     time.Time
}

type interestEntry struct {
	connID string
	msgID  int64
	at     time.Time
}

// Server is one running peer. All exported methods are safe to call
// concurrently; the update loop owns the current *peer.Peer value
// exclusively and publishes a fresh one atomically after every
// successful local change.
type Server struct {
	log    *logrus.Logger
	signer Signer
	store  *store.Store
	exec   peer.Executor
	opts   Options

	peerVal     atomic.Pointer[peer.Peer]
	genesisHash cid.Cid

	txMu sync.Mutex
	newTransactions []*cell.SignedData

	beliefMu   sync.Mutex
	newBeliefs map[string]*cell.SignedData // peerKey -> signed belief

	partialMu sync.Mutex
	partial   map[cid.Cid][]parkedMsg

	challengeMu sync.Mutex
	challenges  map[string]*challenge.Machine // connID -> handshake state

	interestMu sync.Mutex
	interests  map[string]interestEntry // tx hash string -> client waiting

	connMu sync.RWMutex
	conns  map[string]*wire.Conn

	recvQueue chan inboundMsg
	wake      chan struct{}

	hasNewMessages atomic.Bool
	running        atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server around an already-built genesis Peer. signer,
// st and exec are the three external collaborators: signature primitive,
// content-addressed store, and VM.
func New(opts Options, signer Signer, st *store.Store, exec peer.Executor, genesis *peer.Peer) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Server{
		log:        opts.Logger,
		signer:     signer,
		store:      st,
		exec:       exec,
		opts:       opts,
		newBeliefs: make(map[string]*cell.SignedData),
		partial:    make(map[cid.Cid][]parkedMsg),
		challenges: make(map[string]*challenge.Machine),
		interests:  make(map[string]interestEntry),
		conns:      make(map[string]*wire.Conn),
		recvQueue:  make(chan inboundMsg, recvQueueSize),
		wake:       make(chan struct{}, 1),
	}
	s.peerVal.Store(genesis)
	if genesis != nil {
		if h, err := cell.Hash(genesis.State); err == nil {
			s.genesisHash = h
		}
	}
	return s
}

// Peer returns a read-only snapshot of the current Peer value.
func (s *Server) Peer() *peer.Peer { return s.peerVal.Load() }

// Restore builds a Server around the Peer a previous process anchored
// via PersistOnClose: the store's root must point at a root anchor (see
// peer.NewRootAnchor). The restored Peer keeps its belief, order and
// consensus point exactly as they were at shutdown.
func Restore(opts Options, signer Signer, st *store.Store, exec peer.Executor) (*Server, error) {
	rootHash := st.GetRoot()
	if !rootHash.Defined() {
		return nil, errs.InvalidDataf("restore: store has no root anchor")
	}
	rootCell, ok := st.Lookup(rootHash)
	if !ok {
		return nil, errs.NewMissingData(rootHash)
	}
	ctx := store.WithStore(context.Background(), st)
	p, genesisHash, err := peer.RestorePeer(ctx, signer, rootCell)
	if err != nil {
		return nil, err
	}
	s := New(opts, signer, st, exec, p)
	if h, err := cid.Cast(genesisHash); err == nil {
		s.genesisHash = h
	}
	return s, nil
}

// Start spawns the receiver and updater workers and begins accepting
// inbound frames. The connector is started separately via RunConnector,
// which needs a Dialer the embedder supplies.
func (s *Server) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	s.wg.Add(2)
	go s.receiveLoop(ctx)
	go s.updateLoop(ctx)
}

// Close stops all workers, closes every connection, and — if
// PersistOnClose was configured — deep-stores the final Peer and anchors
// the store root so a later process can Restore.
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	// Connections must close before waiting on s.wg: each readConn
	// goroutine blocks in c.Recv() until its connection errors, and
	// nothing but closing it here ever unblocks that read.
	s.connMu.Lock()
	for id, c := range s.conns {
		_ = c.Close()
		delete(s.conns, id)
	}
	s.connMu.Unlock()

	s.wg.Wait()

	if s.opts.PersistOnClose {
		p := s.Peer()
		anchor, err := peer.NewRootAnchor(p.SignedBelief, p.State, s.genesisHash.Bytes())
		if err != nil {
			return err
		}
		ref, err := s.store.DeepStore(anchor)
		if err != nil {
			return err
		}
		h, err := ref.Hash()
		if err != nil {
			return err
		}
		s.store.SetRoot(h)
		if s.opts.RestoreDir != "" {
			if err := s.store.Persist(s.opts.RestoreDir); err != nil {
				return err
			}
		}
	}
	return s.store.Close()
}

// Context returns a context with this server's store attached as the
// ambient store, the explicit carrier every operation that may resolve
// or persist a Ref should use.
func (s *Server) Context(parent context.Context) context.Context {
	return store.WithStore(parent, s.store)
}

// perConnFrameRate and perConnFrameBurst bound how fast one connection may
// push frames into the shared receive queue, an additional, per-connection
// layer of backpressure beyond the single shared bounded queue — one
// noisy or misbehaving peer can fill its own rate budget without
// starving every other connection's share of the queue.
const (
	perConnFrameRate  = 500 // frames/sec
	perConnFrameBurst = 1000
)

// AddConn registers a connection and starts reading frames from it into
// the receive queue until it errors or closes.
func (s *Server) AddConn(c *wire.Conn) {
	s.connMu.Lock()
	s.conns[c.ID()] = c
	s.connMu.Unlock()
	s.challengeMu.Lock()
	s.challenges[c.ID()] = challenge.NewMachine()
	s.challengeMu.Unlock()

	s.wg.Add(1)
	go s.readConn(c)
}

func (s *Server) readConn(c *wire.Conn) {
	defer s.wg.Done()
	limiter := rate.NewLimiter(rate.Limit(perConnFrameRate), perConnFrameBurst)
	for {
		f, err := c.Recv()
		if err != nil {
			s.removeConn(c.ID())
			return
		}
		if !limiter.Allow() {
			s.log.WithField("conn", c.ID()).Warn("per-connection frame rate exceeded, dropping frame")
			continue
		}
		msg := inboundMsg{connID: c.ID(), frame: *f}
		select {
		case s.recvQueue <- msg:
		default:
			// Bounded, offer-based queue: drop on overflow. The remote
			// will retry via broadcast cadence.
			s.log.WithField("kind", f.Kind).Warn("recv queue full, dropping message")
		}
	}
}

func (s *Server) removeConn(id string) {
	s.connMu.Lock()
	c, ok := s.conns[id]
	delete(s.conns, id)
	s.connMu.Unlock()
	if ok {
		_ = c.Close()
	}
	s.challengeMu.Lock()
	delete(s.challenges, id)
	s.challengeMu.Unlock()

	// Messages parked on data this connection was asked to supply will
	// never be unblocked by it now; drop them without notification.
	s.partialMu.Lock()
	for h, waiting := range s.partial {
		kept := waiting[:0]
		for _, pm := range waiting {
			if pm.connID != id {
				kept = append(kept, pm)
			}
		}
		if len(kept) == 0 {
			delete(s.partial, h)
		} else {
			s.partial[h] = kept
		}
	}
	s.partialMu.Unlock()
}

func (s *Server) conn(id string) (*wire.Conn, bool) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) signalWake() {
	s.hasNewMessages.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.recvQueue:
			s.dispatch(ctx, msg.connID, msg.frame)
		}
	}
}
