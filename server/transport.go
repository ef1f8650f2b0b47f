package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	lp2phost "github.com/libp2p/go-libp2p/core/host"
	lp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"cellmesh/errs"
	"cellmesh/wire"
)

// ProtocolID is the libp2p stream protocol every cellmesh peer speaks:
// one long-lived framed stream per remote peer rather than one stream
// per message.
const ProtocolID = protocol.ID("/cellmesh/1.0.0")

// NewHost builds the libp2p host a peer listens and dials on — the wire
// protocol runs over a concrete libp2p stream rather than the test-only
// in-memory pipe.
func NewHost(listenAddr string) (lp2phost.Host, error) {
	return libp2p.New(libp2p.ListenAddrStrings(listenAddr))
}

// ListenAndServe registers a stream handler on h that wraps every
// inbound ProtocolID stream as a wire.Conn and hands it to AddConn. Each
// inbound stream gets a fresh random connection id (google/uuid) since
// its owning peer key is not known until the challenge handshake
// completes; AddConn's challenge.Machine keyed by that id tracks the
// handshake regardless of identity.
func (s *Server) ListenAndServe(h lp2phost.Host) {
	h.SetStreamHandler(ProtocolID, func(stream lp2pnet.Stream) {
		c := wire.NewConn(uuid.NewString(), stream)
		s.AddConn(c)
	})
}

// Libp2pDialer returns a Dialer (see connector.go) that opens a new
// ProtocolID stream to url, a libp2p multiaddr-style peer address
// (`/ip4/.../tcp/.../p2p/<peerID>`), returning the open stream itself
// rather than writing one message and closing it, since cellmesh's Conn
// is long-lived.
func Libp2pDialer(h lp2phost.Host) Dialer {
	return func(ctx context.Context, url string) (io.ReadWriteCloser, error) {
		info, err := peer.AddrInfoFromString(url)
		if err != nil {
			return nil, fmt.Errorf("cellmesh: parse peer address %q: %w", url, err)
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := h.Connect(dialCtx, *info); err != nil {
			if dialCtx.Err() != nil {
				return nil, errs.Timeoutf("cellmesh: connect to %s", info.ID)
			}
			return nil, fmt.Errorf("cellmesh: connect to %s: %w", info.ID, err)
		}
		return h.NewStream(ctx, info.ID, ProtocolID)
	}
}
