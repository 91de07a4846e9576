package channel

import (
	"context"
	"fmt"
	"net"
	"time"

	"chanrpc/transport"
)

// HandshakeError reports a connection that was accepted or dialed but failed
// authentication. The connection has already been closed.
type HandshakeError struct {
	Remote net.Addr
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("channel: handshake with %s: %v", e.Remote, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Listener accepts connections and turns each into a Channel.
type Listener struct {
	ln   net.Listener
	opts options
}

// Listen binds and listens on address. network is any stream network
// accepted by net.Listen ("tcp", "tcp4", "tcp6", "unix").
func Listen(network, address string, opts ...Option) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, opts: newOptions(opts)}, nil
}

// Addr returns the bound address, useful after listening on port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for one connection and wraps it in a Channel. With an auth
// key configured, the server-role handshake completes before Accept returns;
// a failed handshake is returned as *HandshakeError.
//
// A peer that connects and stays silent holds Accept for up to the
// handshake timeout. Servers that accept many peers use AcceptConn and run
// Handshake on a goroutine per connection instead.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	ch, err := l.AcceptConn(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.Handshake(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// AcceptConn waits for one connection and wraps it in a Channel without
// authenticating it. Pass the channel to Handshake before exchanging
// anything else.
func (l *Listener) AcceptConn(ctx context.Context) (*Channel, error) {
	conn, err := l.acceptNet(ctx)
	if err != nil {
		return nil, err
	}
	l.opts.logger.Debug("accepted connection", "remote", conn.RemoteAddr())

	r, w := transport.ConnStreams(conn)
	ch := newChannel(r, w, l.opts)
	ch.remote = conn.RemoteAddr()
	return ch, nil
}

// Handshake runs the server-role handshake on a channel returned by
// AcceptConn. Without an auth key it does nothing. On failure ch is closed
// and the error is a *HandshakeError.
func (l *Listener) Handshake(ctx context.Context, ch *Channel) error {
	if len(l.opts.authKey) == 0 {
		return nil
	}
	if err := ch.handshake(ctx, l.opts, ch.AuthenticateServer); err != nil {
		ch.Close()
		l.opts.logger.Warn("handshake failed", "remote", ch.remote, "error", err)
		return &HandshakeError{Remote: ch.remote, Err: err}
	}
	return nil
}

func (l *Listener) acceptNet(ctx context.Context) (net.Conn, error) {
	dl, ok := l.ln.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return l.ln.Accept()
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		dl.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		dl.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		dl.SetDeadline(time.Time{})
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// The listener deadline can fire just before the context timer does.
		if hasDeadline && transport.IsTimeout(err) && !time.Now().Before(deadline) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return conn, nil
}

// Close stops listening. Channels already accepted stay open.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to address and wraps the connection in a Channel. With an
// auth key, the client-role handshake completes before Dial returns.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Channel, error) {
	o := newOptions(opts)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("connected", "remote", conn.RemoteAddr())

	r, w := transport.ConnStreams(conn)
	ch := newChannel(r, w, o)
	ch.remote = conn.RemoteAddr()
	if len(o.authKey) == 0 {
		return ch, nil
	}
	if err := ch.handshake(ctx, o, ch.AuthenticateClient); err != nil {
		ch.Close()
		return nil, &HandshakeError{Remote: conn.RemoteAddr(), Err: err}
	}
	return ch, nil
}

func (c *Channel) handshake(ctx context.Context, o options, authenticate func(key []byte) error) error {
	run := func() error {
		return authenticate(o.authKey)
	}
	if o.handshakeTimeout <= 0 {
		return c.withContext(ctx, run)
	}
	return c.withContext(ctx, func() error {
		if cur := c.Timeout(); cur > 0 && cur < o.handshakeTimeout {
			return run()
		}
		return c.WithTimeout(o.handshakeTimeout, run)
	})
}
