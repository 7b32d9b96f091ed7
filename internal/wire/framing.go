// Package wire implements the single length-prefixed framing codec shared
// by the three wire dialects this daemon speaks: the tracker control
// channel, the peer outer-message stream, and the local control socket.
// Each frame is a 4-byte big-endian length followed by exactly that many
// payload bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxFrameLength bounds a single frame so a corrupt or hostile peer can't
// make us allocate an unbounded buffer from a forged length prefix.
const MaxFrameLength = 16 << 20 // 16MiB

// Codec reads and writes length-prefixed frames over a single
// io.ReadWriter. Reads and writes may run concurrently; concurrent readers
// are serialized by one mutex and concurrent writers by another, so every
// frame is read and written whole.
type Codec struct {
	rw io.ReadWriter

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewCodec wraps rw with the length-prefix framing.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// ReadFrame blocks until a full frame arrives, returning its payload.
func (c *Codec) ReadFrame() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLength {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameLength)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as a single length-prefixed frame.
func (c *Codec) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("wire: frame length %d exceeds max %d", len(payload), MaxFrameLength)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := c.rw.Write(payload)
	return err
}
