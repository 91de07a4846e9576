// Package protocol implements the length-prefixed message framing used by channels.
//
// Every message is a 4-byte big-endian signed length followed by exactly that
// many payload bytes. The receiver reads the prefix first and then reads the
// payload in full, which restores message boundaries on top of a byte stream.
//
// Frame format:
//
//	0         4
//	┌─────────┬──────────────────┐
//	│ length  │   payload ...    │
//	│  int32  │   length bytes   │
//	└─────────┴──────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"chanrpc/transport"
)

const (
	HeaderSize = 4
	// SplitThreshold is the payload size from which prefix and payload are
	// written separately instead of being copied into one buffer.
	SplitThreshold = 16384
	MaxPayload     = math.MaxInt32
	// NoLimit disables the maxLength check in ReadFrame.
	NoLimit = -1
)

var (
	ErrInvalidArgument = errors.New("protocol: invalid argument")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrNegativeLength  = errors.New("protocol: negative length prefix")
	ErrPrematureEOF    = errors.New("protocol: premature end of stream")
	// ErrBroken is returned by every operation after a read or write left
	// the stream positioned inside a frame.
	ErrBroken = errors.New("protocol: framing broken")
)

// Reader is the read half a Framer decodes from.
type Reader interface {
	ReadExactly(n int) ([]byte, error)
}

// Writer is the write half a Framer encodes to.
type Writer interface {
	Write(p []byte) error
}

var (
	_ Reader = (*transport.Stream)(nil)
	_ Writer = (*transport.Stream)(nil)
)

// Framer reads and writes whole frames over a pair of stream halves.
// It is not reentrant: one goroutine may read while another writes, but two
// concurrent readers or two concurrent writers corrupt the stream.
type Framer struct {
	r      Reader
	w      Writer
	broken error
}

func NewFramer(r Reader, w Writer) *Framer {
	return &Framer{r: r, w: w}
}

// Err returns the cause that broke the framer, or nil while it is usable.
func (f *Framer) Err() error {
	return f.broken
}

// Break marks the framer unusable. Callers use it when the stream is still
// aligned but a frame they are waiting for may arrive later, such as a
// response to a request whose wait timed out. The first cause is kept.
func (f *Framer) Break(cause error) {
	if f.broken == nil && cause != nil {
		f.broken = cause
	}
}

// WriteFrame sends buf[offset:offset+size] as one frame.
// Arguments are validated before anything is written. A failed write may
// have put part of the frame on the wire, so it breaks the framer.
func (f *Framer) WriteFrame(buf []byte, offset, size int) error {
	if f.broken != nil {
		return f.brokenErr()
	}
	switch {
	case offset < 0:
		return fmt.Errorf("%w: offset is negative", ErrInvalidArgument)
	case offset > len(buf):
		return fmt.Errorf("%w: buffer length %d < offset %d", ErrInvalidArgument, len(buf), offset)
	case size < 0:
		return fmt.Errorf("%w: size is negative", ErrInvalidArgument)
	case size > len(buf)-offset:
		return fmt.Errorf("%w: buffer length %d < offset + size %d", ErrInvalidArgument, len(buf), offset+size)
	case size > MaxPayload:
		return fmt.Errorf("%w: size %d exceeds %d", ErrInvalidArgument, size, MaxPayload)
	}
	if err := Encode(f.w, buf[offset:offset+size]); err != nil {
		f.broken = err
		return err
	}
	return nil
}

// ReadFrame receives one frame. When maxLength is not NoLimit and the
// advertised length exceeds it, ErrMessageTooLarge is returned and the
// payload is left unread; the framer is broken from then on.
func (f *Framer) ReadFrame(maxLength int) ([]byte, error) {
	if f.broken != nil {
		return nil, f.brokenErr()
	}
	payload, consumed, err := decode(f.r, maxLength)
	if err != nil && consumed {
		f.broken = err
	}
	return payload, err
}

func (f *Framer) brokenErr() error {
	return fmt.Errorf("%w: %w", ErrBroken, f.broken)
}

// Encode writes a complete frame (prefix + payload) to w.
// Small payloads are sent in a single write; large ones in two.
func Encode(w Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: size %d exceeds %d", ErrInvalidArgument, len(payload), MaxPayload)
	}
	if len(payload) >= SplitThreshold {
		var header [HeaderSize]byte
		binary.BigEndian.PutUint32(header[:], uint32(int32(len(payload))))
		if err := w.Write(header[:]); err != nil {
			return err
		}
		return w.Write(payload)
	}
	msg := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(msg[:HeaderSize], uint32(int32(len(payload))))
	copy(msg[HeaderSize:], payload)
	return w.Write(msg)
}

// Decode reads a complete frame from r without any framer state.
func Decode(r Reader, maxLength int) ([]byte, error) {
	payload, _, err := decode(r, maxLength)
	return payload, err
}

// decode reports through consumed whether the failure happened after part of
// a frame was taken off the stream, i.e. whether the stream lost alignment.
func decode(r Reader, maxLength int) (payload []byte, consumed bool, err error) {
	header, err := r.ReadExactly(HeaderSize)
	if err != nil {
		if len(header) == 0 {
			// Clean boundary: EOF, timeouts and closes leave the stream aligned.
			return nil, false, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, true, fmt.Errorf("%w: got %d of %d header bytes", ErrPrematureEOF, len(header), HeaderSize)
		}
		return nil, true, err
	}

	size := int32(binary.BigEndian.Uint32(header))
	if size < 0 {
		return nil, true, fmt.Errorf("%w: %d", ErrNegativeLength, size)
	}
	if maxLength != NoLimit && int(size) > maxLength {
		return nil, true, fmt.Errorf("%w: %d bytes > %d maxlength", ErrMessageTooLarge, size, maxLength)
	}
	if size == 0 {
		return []byte{}, false, nil
	}

	payload, err = r.ReadExactly(int(size))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, true, fmt.Errorf("%w: got %d of %d payload bytes", ErrPrematureEOF, len(payload), size)
		}
		return nil, true, err
	}
	return payload, false, nil
}
