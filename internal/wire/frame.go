// Package wire implements the two framings octovalve speaks on the wire:
// length-delimited JSON frames (proxy/console to broker) and
// newline-delimited JSON lines (clients to the tunnel daemon).
//
// A frame is a 4-byte big-endian length header followed by that many bytes
// of UTF-8 JSON. Both peers must agree on MaxFrameLen: control snapshots
// carry bounded history with captured output and can grow far past typical
// codec defaults.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// MaxFrameLen is the maximum frame body size accepted or produced. The
// value is shared with every peer; see the control-plane snapshot sizing
// note in the package comment.
const MaxFrameLen = 256 * 1024 * 1024

// Conn wraps a stream with frame encode/decode state. Not safe for
// concurrent use of the same direction; one reader plus one writer is fine.
type Conn struct {
	raw io.ReadWriteCloser
	r   *bufio.Reader
	w   *bufio.Writer
}

// NewConn wraps rw in a framed connection.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{
		raw: rw,
		r:   bufio.NewReader(rw),
		w:   bufio.NewWriter(rw),
	}
}

// ReadFrame reads one length-delimited frame body.
func (c *Conn) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", n, MaxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one length-delimited frame and flushes it.
func (c *Conn) WriteFrame(body []byte) error {
	if len(body) > MaxFrameLen {
		return fmt.Errorf("frame length %d exceeds limit %d", len(body), MaxFrameLen)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(body); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadJSON reads one frame and decodes it into v.
func (c *Conn) ReadJSON(v any) error {
	body, err := c.ReadFrame()
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// WriteJSON encodes v and writes it as one frame.
func (c *Conn) WriteJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteFrame(body)
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// LocalAddr reports the underlying connection's local address when the
// stream is a net.Conn, or nil.
func (c *Conn) LocalAddr() net.Addr {
	if nc, ok := c.raw.(net.Conn); ok {
		return nc.LocalAddr()
	}
	return nil
}

// RemoteAddr reports the underlying connection's remote address when the
// stream is a net.Conn, or nil.
func (c *Conn) RemoteAddr() net.Addr {
	if nc, ok := c.raw.(net.Conn); ok {
		return nc.RemoteAddr()
	}
	return nil
}
