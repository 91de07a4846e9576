// Package channel turns a pair of byte streams into a message channel.
//
// A Channel layers three things over its reader and writer streams:
//
//	RPC        Call / ServeOne         request ↔ tagged response
//	Codec      Send / Recv             value   ↔ payload
//	Framer     SendBytes / RecvBytes   payload ↔ int32 length + bytes
//
// plus the shared-secret handshake (AuthenticateServer / AuthenticateClient).
//
// A Channel has no internal locking. One goroutine may send while another
// receives, but calls in the same direction must be serialized by the caller:
// there are no request identifiers, so overlapping Calls mix up responses.
// Close is the exception: it may be called from any goroutine and unblocks
// a pending receive.
package channel

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"chanrpc/auth"
	"chanrpc/codec"
	"chanrpc/protocol"
	"chanrpc/transport"
)

var (
	ErrClosed       = errors.New("channel: closed")
	ErrRPCTransport = errors.New("channel: rpc transport failure")
)

// Channel is a framed, optionally authenticated message channel.
type Channel struct {
	reader *transport.Stream
	writer *transport.Stream
	framer *protocol.Framer
	codec  codec.Codec
	digest auth.Digest
	logger hclog.Logger
	closed atomic.Bool

	authErr error    // set by a failed handshake
	remote  net.Addr // nil for pipes
}

var _ auth.Conn = (*Channel)(nil)

// New builds a channel over an established reader and writer. The two may
// be halves of one connection or entirely separate descriptors.
func New(reader, writer *transport.Stream, opts ...Option) *Channel {
	return newChannel(reader, writer, newOptions(opts))
}

func newChannel(reader, writer *transport.Stream, o options) *Channel {
	if o.timeout > 0 {
		reader.SetTimeout(o.timeout)
		writer.SetTimeout(o.timeout)
	}
	return &Channel{
		reader: reader,
		writer: writer,
		framer: protocol.NewFramer(reader, writer),
		codec:  o.codec,
		digest: o.digest,
		logger: o.logger,
	}
}

// Pipe returns two channels connected back to back over OS pipes.
func Pipe(opts ...Option) (*Channel, *Channel, error) {
	r1, w1, r2, w2, err := transport.PipeStreams()
	if err != nil {
		return nil, nil, err
	}
	o := newOptions(opts)
	return newChannel(r1, w1, o), newChannel(r2, w2, o), nil
}

func (c *Channel) usable() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.authErr
}

// Err returns the cause that broke this channel, or nil: a failed handshake
// or broken framing. A broken channel rejects every further operation and
// should be closed.
func (c *Channel) Err() error {
	if c.authErr != nil {
		return c.authErr
	}
	return c.framer.Err()
}

// SendBytes sends buf as one message.
func (c *Channel) SendBytes(buf []byte) error {
	return c.SendBytesRange(buf, 0, len(buf))
}

// SendBytesRange sends buf[offset:offset+size] as one message. Invalid
// ranges fail with protocol.ErrInvalidArgument before anything is written.
func (c *Channel) SendBytesRange(buf []byte, offset, size int) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.framer.WriteFrame(buf, offset, size)
}

// RecvBytes receives one message.
func (c *Channel) RecvBytes() ([]byte, error) {
	return c.RecvBytesLimit(protocol.NoLimit)
}

// RecvBytesLimit receives one message of at most maxLength bytes. A longer
// message fails with protocol.ErrMessageTooLarge and breaks the channel.
func (c *Channel) RecvBytesLimit(maxLength int) ([]byte, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return c.framer.ReadFrame(maxLength)
}

// Send encodes v with the channel codec and sends it as one message.
func (c *Channel) Send(v any) error {
	if err := c.usable(); err != nil {
		return err
	}
	data, err := c.codec.Encode(v)
	if err != nil {
		return err
	}
	return c.SendBytes(data)
}

// Recv receives one message and decodes it into v.
// Only call Recv on an authenticated or otherwise trusted channel.
func (c *Channel) Recv(v any) error {
	data, err := c.RecvBytes()
	if err != nil {
		return err
	}
	return c.codec.Decode(data, v)
}

// AuthenticateServer runs the handshake in the accepting role.
// If it fails, every later operation on c fails with an error wrapping
// auth.ErrAuthentication.
func (c *Channel) AuthenticateServer(key []byte) error {
	return c.authenticate(key, (*auth.Authenticator).Server)
}

// AuthenticateClient runs the handshake in the connecting role.
// If it fails, every later operation on c fails with an error wrapping
// auth.ErrAuthentication.
func (c *Channel) AuthenticateClient(key []byte) error {
	return c.authenticate(key, (*auth.Authenticator).Client)
}

func (c *Channel) authenticate(key []byte, role func(*auth.Authenticator, auth.Conn) error) error {
	if err := c.usable(); err != nil {
		return err
	}
	a, err := auth.New(key, c.digest, auth.WithLogger(c.logger))
	if err == nil {
		err = role(a, c)
	}
	if err != nil {
		if errors.Is(err, auth.ErrAuthentication) {
			c.authErr = fmt.Errorf("channel: unauthenticated: %w", err)
		} else {
			c.authErr = fmt.Errorf("channel: unauthenticated: %w: %w", auth.ErrAuthentication, err)
		}
		return err
	}
	return nil
}

// Timeout returns the current read timeout.
func (c *Channel) Timeout() time.Duration {
	return c.reader.Timeout()
}

// SetTimeout sets the per-operation timeout on both streams and returns the
// previous read timeout.
func (c *Channel) SetTimeout(d time.Duration) time.Duration {
	c.writer.SetTimeout(d)
	return c.reader.SetTimeout(d)
}

// WithTimeout runs fn with both stream timeouts set to d and restores the
// previous timeouts on every exit path, panics included.
func (c *Channel) WithTimeout(d time.Duration, fn func() error) error {
	readTimeout := c.reader.SetTimeout(d)
	writeTimeout := c.writer.SetTimeout(d)
	defer func() {
		c.reader.SetTimeout(readTimeout)
		c.writer.SetTimeout(writeTimeout)
	}()
	return fn()
}

// Close closes the writer and then the reader. Closing an already closed
// channel returns ErrClosed.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var result *multierror.Error
	if err := c.writer.Close(); err != nil && !errors.Is(err, transport.ErrStreamClosed) {
		result = multierror.Append(result, err)
	}
	if err := c.reader.Close(); err != nil && !errors.Is(err, transport.ErrStreamClosed) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// RemoteAddr returns the peer address of a dialed or accepted channel, or
// nil for channels built over other streams.
func (c *Channel) RemoteAddr() net.Addr {
	return c.remote
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// Use runs fn with ch and closes ch afterwards, whether fn fails or not.
func Use(ch *Channel, fn func(*Channel) error) (err error) {
	defer func() {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, ErrClosed) {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(ch)
}
