package server

import (
	"bufio"
	"bytes"
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	lp2phost "github.com/libp2p/go-libp2p/core/host"

	"cellmesh/peer"
	"cellmesh/wire"
)

// BeliefTopic is the gossipsub topic every peer publishes its signed
// Belief to, an alternative to the per-connection broadcast in
// updater.go for peers reachable only indirectly through the mesh. One
// well-known topic name is used rather than one topic per ad hoc
// protocol string.
const BeliefTopic = "cellmesh/belief/v1"

// JoinGossip starts a gossipsub instance on h and joins BeliefTopic,
// returning the topic (for PublishBelief). The subscriber loop runs until
// ctx is done.
func (s *Server) JoinGossip(ctx context.Context, h lp2phost.Host) (*pubsub.Topic, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}
	topic, err := ps.Join(BeliefTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	go s.subscribeBeliefs(ctx, h, sub)
	return topic, nil
}

// PublishBelief encodes p's SignedBelief as a BELIEF frame body and
// publishes it to topic, fanning it out to every subscriber in the mesh
// regardless of whether this peer holds a direct connection to them.
func (s *Server) PublishBelief(ctx context.Context, topic *pubsub.Topic, p *peer.Peer) error {
	var buf bytes.Buffer
	if err := wire.WriteFrame(&buf, wire.Frame{Kind: wire.KindBelief, Payload: p.SignedBelief}); err != nil {
		return err
	}
	return topic.Publish(ctx, buf.Bytes())
}

func (s *Server) subscribeBeliefs(ctx context.Context, h lp2phost.Host, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // ctx cancelled or subscription closed
		}
		if msg.ReceivedFrom == h.ID() {
			continue // gossipsub echoes our own publishes back to us
		}
		f, err := wire.ReadFrame(bufio.NewReader(bytes.NewReader(msg.Data)))
		if err != nil {
			s.log.WithError(err).Warn("gossip: malformed belief frame")
			continue
		}
		if f.Kind != wire.KindBelief {
			continue
		}
		s.dispatch(ctx, "", *f)
	}
}
