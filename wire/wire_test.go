package wire_test

import (
	"net"
	"testing"

	"cellmesh/cell"
	"cellmesh/wire"
)

func TestFrameRoundTripsOverConn(t *testing.T) {
	clientRWC, serverRWC := net.Pipe()
	client := wire.NewConn("client", clientRWC)
	server := wire.NewConn("server", serverRWC)
	defer client.Close()
	defer server.Close()

	sent := wire.Frame{Kind: wire.KindTransact, ID: 42, Payload: cell.Str("payload")}
	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(sent) }()

	got, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Kind != sent.Kind || got.ID != sent.ID {
		t.Fatalf("frame mismatch: got %+v, want %+v", got, sent)
	}
	if got.Payload.(cell.Str) != sent.Payload.(cell.Str) {
		t.Fatalf("payload mismatch: got %v, want %v", got.Payload, sent.Payload)
	}
}

func TestFrameWithNilPayloadRoundTrips(t *testing.T) {
	clientRWC, serverRWC := net.Pipe()
	client := wire.NewConn("client", clientRWC)
	server := wire.NewConn("server", serverRWC)
	defer client.Close()
	defer server.Close()

	sent := wire.Frame{Kind: wire.KindGoodbye, ID: 1}
	go client.Send(sent)

	got, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Kind != wire.KindGoodbye {
		t.Fatalf("kind = %v, want GOODBYE", got.Kind)
	}
	if _, ok := got.Payload.(cell.Nil); !ok {
		t.Fatalf("expected Nil payload, got %T", got.Payload)
	}
}

func TestKindStringCovers(t *testing.T) {
	for k := wire.KindBelief; k <= wire.KindStatus; k++ {
		if k.String() == "UNKNOWN" {
			t.Fatalf("kind %d has no String() mapping", k)
		}
	}
}
