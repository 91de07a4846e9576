package channel

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrpc/auth"
)

type acceptResult struct {
	ch  *Channel
	err error
}

func listen(t *testing.T, opts ...Option) *Listener {
	t.Helper()
	l, err := Listen("tcp", "127.0.0.1:0", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func acceptAsync(l *Listener) <-chan acceptResult {
	out := make(chan acceptResult, 1)
	go func() {
		ch, err := l.Accept(context.Background())
		out <- acceptResult{ch, err}
	}()
	return out
}

func TestListenerAuthenticatedRoundTrip(t *testing.T) {
	key := []byte("K")
	l := listen(t, WithAuthKey(key), WithTimeout(5*time.Second))
	accepted := acceptAsync(l)

	client, err := Dial(context.Background(), "tcp", l.Addr().String(), WithAuthKey(key), WithTimeout(5*time.Second))
	require.NoError(t, err)
	defer client.Close()

	res := <-accepted
	require.NoError(t, res.err)
	server := res.ch
	defer server.Close()

	require.NoError(t, server.Send("server hello world"))
	var got string
	require.NoError(t, client.Recv(&got))
	assert.Equal(t, "server hello world", got)

	require.NoError(t, client.Send("client hello world"))
	require.NoError(t, server.Recv(&got))
	assert.Equal(t, "client hello world", got)
}

func TestListenerRejectsWrongKey(t *testing.T) {
	l := listen(t, WithAuthKey([]byte("right")))
	accepted := acceptAsync(l)

	_, dialErr := Dial(context.Background(), "tcp", l.Addr().String(), WithAuthKey([]byte("wrong")))
	res := <-accepted

	var hsErr *HandshakeError
	require.True(t, errors.As(res.err, &hsErr), "got %v", res.err)
	assert.ErrorIs(t, res.err, auth.ErrAuthentication)
	assert.Nil(t, res.ch)

	require.Error(t, dialErr)
	assert.ErrorIs(t, dialErr, auth.ErrAuthentication)
}

func TestListenerHandshakeTimeout(t *testing.T) {
	l := listen(t, WithAuthKey([]byte("K")), WithHandshakeTimeout(100*time.Millisecond))
	accepted := acceptAsync(l)

	// A raw peer that never answers the challenge.
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case res := <-accepted:
		var hsErr *HandshakeError
		assert.True(t, errors.As(res.err, &hsErr), "got %v", res.err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not give up on a silent peer")
	}
}

func TestAcceptConnThenHandshake(t *testing.T) {
	key := []byte("K")
	l := listen(t, WithAuthKey(key), WithTimeout(5*time.Second))

	type dialResult struct {
		ch  *Channel
		err error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		ch, err := Dial(context.Background(), "tcp", l.Addr().String(), WithAuthKey(key), WithTimeout(5*time.Second))
		dialed <- dialResult{ch, err}
	}()

	server, err := l.AcceptConn(context.Background())
	require.NoError(t, err)
	defer server.Close()
	assert.NotNil(t, server.RemoteAddr())

	require.NoError(t, l.Handshake(context.Background(), server))
	res := <-dialed
	require.NoError(t, res.err)
	defer res.ch.Close()

	require.NoError(t, res.ch.Send("hello"))
	var s string
	require.NoError(t, server.Recv(&s))
	assert.Equal(t, "hello", s)
}

func TestHandshakeFailureClosesChannel(t *testing.T) {
	l := listen(t, WithAuthKey([]byte("K")), WithTimeout(5*time.Second))
	go func() {
		ch, err := Dial(context.Background(), "tcp", l.Addr().String(), WithAuthKey([]byte("wrong")))
		if err == nil {
			ch.Close()
		}
	}()

	server, err := l.AcceptConn(context.Background())
	require.NoError(t, err)
	err = l.Handshake(context.Background(), server)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr), "got %v", err)
	assert.ErrorIs(t, err, auth.ErrAuthentication)
	assert.Equal(t, server.RemoteAddr(), hsErr.Remote)
	assert.True(t, server.Closed())
}

func TestListenerWithoutKey(t *testing.T) {
	l := listen(t)
	accepted := acceptAsync(l)

	client, err := Dial(context.Background(), "tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	res := <-accepted
	require.NoError(t, res.err)
	defer res.ch.Close()

	require.NoError(t, client.SendBytes([]byte("raw")))
	got, err := res.ch.RecvBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), got)
}

func TestListenerCloseKeepsChannels(t *testing.T) {
	l, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := acceptAsync(l)

	client, err := Dial(context.Background(), "tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	res := <-accepted
	require.NoError(t, res.err)
	defer res.ch.Close()

	require.NoError(t, l.Close())

	require.NoError(t, client.Send(42))
	var n int
	require.NoError(t, res.ch.Recv(&n))
	assert.Equal(t, 42, n)
}

func TestAcceptContextCanceled(t *testing.T) {
	l := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialRefused(t *testing.T) {
	l, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = Dial(context.Background(), "tcp", addr)
	assert.Error(t, err)
}
