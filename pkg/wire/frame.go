package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single frame's payload, the wire-level counterpart of
// a peer's configured max_bytes_per_msg (spec §4.F); callers needing a
// tighter per-peer cap enforce it themselves before calling ReadFrame.
const MaxFrameSize = 16 << 20

// Conn frames Envelopes over an underlying stream as length-prefixed msgpack,
// mirroring the length-prefix framing internal/em/stream.go builds over a
// libp2p stream, generalized here to any io.ReadWriter (a *net.TCPConn or a
// *tls.Conn for the user session).
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewConn wraps rw with frame read/write buffering.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		r: bufio.NewReader(rw),
		w: bufio.NewWriter(rw),
	}
}

// WriteEnvelope encodes e as msgpack and writes it as one length-prefixed frame.
func (c *Conn) WriteEnvelope(e *Envelope) error {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshaling envelope")
	}

	return c.WriteFrame(b)
}

// WriteFrame writes b as one length-prefixed frame: a 4-byte big-endian
// length followed by b.
func (c *Conn) WriteFrame(b []byte) error {
	if len(b) > MaxFrameSize {
		return errors.Errorf("frame of %d bytes exceeds max %d", len(b), MaxFrameSize)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))

	if _, err := c.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing frame length")
	}

	if _, err := c.w.Write(b); err != nil {
		return errors.Wrap(err, "writing frame body")
	}

	return c.w.Flush()
}

// ReadEnvelope reads one frame and unmarshals it as an Envelope.
func (c *Conn) ReadEnvelope() (*Envelope, error) {
	b, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}

	e := &Envelope{}
	if err := msgpack.Unmarshal(b, e); err != nil {
		return nil, errors.Wrap(err, "parsing envelope")
	}

	return e, nil
}

// ReadFrame reads one length-prefixed frame and returns its body.
func (c *Conn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "reading frame length")
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, errors.Wrap(err, "reading frame body")
	}

	return buf, nil
}

// NewEnvelope stamps a fresh envelope with the current protocol version and
// timestamp, ready to have exactly one payload field set.
func NewEnvelope(tag Tag, nowMs int64) *Envelope {
	return &Envelope{
		Version:   ProtocolVersion,
		Tag:       tag,
		CreatedOn: nowMs,
	}
}
