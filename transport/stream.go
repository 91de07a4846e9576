// Package transport provides the byte-stream halves a channel is built on.
//
// A Stream is one direction of a connection: a reader or a writer with its own
// close function and an optional per-operation timeout. The timeout is armed on
// the underlying descriptor before every read or write, so a stalled peer
// surfaces as os.ErrDeadlineExceeded instead of blocking forever.
//
//	net.Conn ──ConnStreams──→ reader Stream (owns the fd, Close closes the conn)
//	                       └→ writer Stream (Close half-closes with CloseWrite)
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"
)

var ErrStreamClosed = errors.New("transport: stream closed")

// deadliner is satisfied by net.Conn and pollable *os.File values.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Stream is a single read-capable or write-capable handle.
// It is not safe for concurrent use, except that Close may be called while
// another goroutine is blocked in a read or write.
type Stream struct {
	r       io.Reader
	w       io.Writer
	dl      deadliner
	closeFn func() error
	timeout time.Duration
	closed  atomic.Bool
}

// NewReader wraps a read handle. closeFn may be nil.
func NewReader(r io.Reader, closeFn func() error) *Stream {
	s := &Stream{r: r, closeFn: closeFn}
	s.dl, _ = r.(deadliner)
	return s
}

// NewWriter wraps a write handle. closeFn may be nil.
func NewWriter(w io.Writer, closeFn func() error) *Stream {
	s := &Stream{w: w, closeFn: closeFn}
	s.dl, _ = w.(deadliner)
	return s
}

// ConnStreams derives two independent handles from one connection.
// The reader owns the descriptor. The writer only shuts down the sending side
// (when the connection supports it) so both halves can be closed in order.
func ConnStreams(conn net.Conn) (reader, writer *Stream) {
	reader = NewReader(conn, conn.Close)
	writer = NewWriter(conn, func() error {
		if hc, ok := conn.(interface{ CloseWrite() error }); ok {
			return hc.CloseWrite()
		}
		return nil
	})
	return reader, writer
}

// PipeStreams returns two cross-connected stream pairs backed by two OS pipes.
// Bytes written to w1 are read from r2 and bytes written to w2 are read from r1.
func PipeStreams() (r1, w1, r2, w2 *Stream, err error) {
	ar, aw, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	br, bw, err := os.Pipe()
	if err != nil {
		ar.Close()
		aw.Close()
		return nil, nil, nil, nil, err
	}
	r1 = NewReader(br, br.Close)
	w1 = NewWriter(aw, aw.Close)
	r2 = NewReader(ar, ar.Close)
	w2 = NewWriter(bw, bw.Close)
	return r1, w1, r2, w2, nil
}

// Timeout returns the per-operation timeout. Zero means no deadline.
func (s *Stream) Timeout() time.Duration {
	return s.timeout
}

// SetTimeout replaces the per-operation timeout and returns the previous one.
func (s *Stream) SetTimeout(d time.Duration) time.Duration {
	prev := s.timeout
	if d < 0 {
		d = 0
	}
	s.timeout = d
	return prev
}

// ReadExactly reads exactly n bytes. On failure it returns the bytes read so
// far with io.EOF (nothing read) or io.ErrUnexpectedEOF (partial read), or
// with the underlying error, e.g. a deadline.
func (s *Stream) ReadExactly(n int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	if s.r == nil {
		return nil, errors.New("transport: stream is not readable")
	}
	if s.dl != nil {
		if err := s.dl.SetReadDeadline(s.deadline()); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(s.r, buf)
	if err != nil {
		return buf[:got], err
	}
	return buf, nil
}

// Write writes all of p.
func (s *Stream) Write(p []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if s.w == nil {
		return errors.New("transport: stream is not writable")
	}
	if s.dl != nil {
		if err := s.dl.SetWriteDeadline(s.deadline()); err != nil {
			return err
		}
	}
	_, err := s.w.Write(p)
	return err
}

// Close closes this half. Closing twice returns ErrStreamClosed.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStreamClosed
	}
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	return s.closed.Load()
}

func (s *Stream) deadline() time.Time {
	if s.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.timeout)
}

// IsTimeout reports whether err is a deadline expiry from any layer: a
// stream deadline or an expired context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
