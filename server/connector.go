package server

import (
	"context"
	"io"
	"time"

	"cellmesh/cell"
	"cellmesh/peer"
	"cellmesh/wire"
)

// connectorInterval is how often the connector reconciles live
// connections against the peer list.
const connectorInterval = 2 * time.Second

// Dialer opens a transport-level byte stream to url, left to the
// embedder since the concrete transport (libp2p stream, in this core's
// chosen wiring) lives outside this package's test-friendly surface.
type Dialer func(ctx context.Context, url string) (io.ReadWriteCloser, error)

// RunConnector periodically reconciles the live connection set with the
// peer list found in the current State, dialing any peer that is
// advertised but not yet connected and issuing its challenge. It blocks
// until ctx is done; callers run it in its own goroutine alongside
// Start.
func (s *Server) RunConnector(ctx context.Context, dial Dialer) {
	ticker := time.NewTicker(connectorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx, dial)
		}
	}
}

func (s *Server) reconcile(ctx context.Context, dial Dialer) {
	p := s.Peer()
	peers, err := p.State.Peers(s.Context(ctx))
	if err != nil {
		s.log.WithError(err).Warn("connector: resolve peers")
		return
	}
	for _, e := range peers.Entries() {
		keyVal, err := e.Key.Resolve(s.Context(ctx))
		if err != nil {
			continue
		}
		peerKey, ok := keyVal.(cell.Blob)
		if !ok || string(peerKey) == string(p.Key) {
			continue
		}
		connID := string(peerKey)
		if _, connected := s.conn(connID); connected {
			continue
		}
		statusVal, err := e.Value.Resolve(s.Context(ctx))
		if err != nil {
			continue
		}
		status, ok := statusVal.(*peer.PeerStatus)
		if !ok || status.AdvertisedURL == "" {
			continue
		}
		url := status.AdvertisedURL
		rwc, err := dial(ctx, url)
		if err != nil {
			s.log.WithError(err).WithField("url", url).Warn("connector: dial failed")
			continue
		}
		c := wire.NewConn(connID, rwc)
		s.AddConn(c)
		if err := s.SendChallenge(connID, []byte(peerKey)); err != nil {
			s.log.WithError(err).Warn("connector: challenge failed")
		}
	}
}
