// Package wire implements cellmesh's framed transport: typed messages,
// the length-prefixed frame codec, and the Conn abstraction every
// connection (libp2p stream in production, in-memory pipe in tests) is
// driven through.
package wire

import (
	"bufio"
	"io"
	"sync"

	"github.com/multiformats/go-varint"

	"cellmesh/cell"
	"cellmesh/errs"
)

// Kind is the one-byte message type discriminator.
type Kind byte

const (
	KindBelief Kind = iota
	KindChallenge
	KindCommand
	KindData
	KindMissingData
	KindQuery
	KindResponse
	KindResult
	KindTransact
	KindGoodbye
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindBelief:
		return "BELIEF"
	case KindChallenge:
		return "CHALLENGE"
	case KindCommand:
		return "COMMAND"
	case KindData:
		return "DATA"
	case KindMissingData:
		return "MISSING_DATA"
	case KindQuery:
		return "QUERY"
	case KindResponse:
		return "RESPONSE"
	case KindResult:
		return "RESULT"
	case KindTransact:
		return "TRANSACT"
	case KindGoodbye:
		return "GOODBYE"
	case KindStatus:
		return "STATUS"
	default:
		return "UNKNOWN"
	}
}

// MaxFrameSize bounds a single frame's body: an implementation-defined
// upper bound past which oversize frames close the connection.
const MaxFrameSize = 16 << 20 // 16 MiB

// Frame is one dispatch unit: `type-byte . message-id (cell) . payload
// (cell)`. ID is the sender-chosen small integer message id; Payload may
// be nil for kinds with an empty payload (STATUS request, GOODBYE).
type Frame struct {
	Kind    Kind
	ID      int64
	Payload cell.Cell
}

// WriteFrame encodes and writes f to w as one length-prefixed frame.
func WriteFrame(w io.Writer, f Frame) error {
	idBytes, err := cell.Long(f.ID).Encode()
	if err != nil {
		return err
	}
	var payloadBytes []byte
	if f.Payload != nil {
		payloadBytes, err = f.Payload.Encode()
		if err != nil {
			return err
		}
	} else {
		payloadBytes, err = cell.Nil{}.Encode()
		if err != nil {
			return err
		}
	}
	body := make([]byte, 0, 1+len(idBytes)+len(payloadBytes))
	body = append(body, byte(f.Kind))
	body = append(body, idBytes...)
	body = append(body, payloadBytes...)
	if len(body) > MaxFrameSize {
		return errs.BadFormatf("wire: frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(body)))); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads and decodes the next frame from r.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, errs.BadFormatf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	rd := cell.NewReader(body)
	kindByte, err := rd.ReadFixed(1)
	if err != nil {
		return nil, err
	}
	idCell, err := cell.Read(rd)
	if err != nil {
		return nil, err
	}
	idLong, ok := idCell.(cell.Long)
	if !ok {
		return nil, errs.BadFormatf("wire: message id is not a long")
	}
	payload, err := cell.Read(rd)
	if err != nil {
		return nil, err
	}
	if rd.Remaining() != 0 {
		return nil, errs.BadFormatf("wire: %d trailing bytes in frame", rd.Remaining())
	}
	return &Frame{Kind: Kind(kindByte[0]), ID: int64(idLong), Payload: payload}, nil
}

// Conn wraps a single bidirectional byte stream (a libp2p network.Stream
// in production, any io.ReadWriteCloser — including an in-memory pipe —
// in tests) with the frame codec and a stable identity used as the key
// into the server's connection/interest maps.
type Conn struct {
	id  string
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	wmu sync.Mutex
}

// NewConn wraps rwc as a framed connection identified by id.
func NewConn(id string, rwc io.ReadWriteCloser) *Conn {
	return &Conn{id: id, rwc: rwc, r: bufio.NewReader(rwc)}
}

// ID returns the connection's stable identity.
func (c *Conn) ID() string { return c.id }

// Send writes f as one frame. Concurrent Sends are serialized so frames
// from different goroutines (dispatch reply vs. broadcast) never
// interleave on the wire.
func (c *Conn) Send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.rwc, f)
}

// Recv blocks until the next frame arrives or the connection errors.
func (c *Conn) Recv() (*Frame, error) {
	return ReadFrame(c.r)
}

// Close closes the underlying stream.
func (c *Conn) Close() error { return c.rwc.Close() }
