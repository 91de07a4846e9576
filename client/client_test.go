package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"chanrpc/channel"
	"chanrpc/message"
	"chanrpc/registry"
	"chanrpc/server"
)

type Args struct {
	A int `codec:"a" json:"a"`
	B int `codec:"b" json:"b"`
}

type Reply struct {
	Result int `codec:"result" json:"result"`
}

type zeroDivision struct{}

func (zeroDivision) Error() string { return "division by zero" }
func (zeroDivision) Kind() string  { return "ZeroDivision" }

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *int) error {
	if args.B == 0 {
		return zeroDivision{}
	}
	*reply = args.A / args.B
	return nil
}

// startServer serves Arith on an ephemeral port and advertises it in reg.
func startServer(t testing.TB, reg registry.Registry, opts ...channel.Option) string {
	t.Helper()
	srv := server.NewServer(server.WithRegistry(reg, "", 10))
	require.NoError(t, srv.Register(&Arith{}))

	l, err := channel.Listen("tcp", "127.0.0.1:0", opts...)
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	addr := l.Addr().String()
	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), "Arith")
		for _, inst := range instances {
			if inst.Addr == addr {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	return addr
}

func newClient(t *testing.T, reg registry.Registry, opts ...Option) *Client {
	t.Helper()
	c := NewClient(reg, append([]Option{WithChannelOptions(channel.WithTimeout(5 * time.Second))}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg)
	c := newClient(t, reg)

	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)

	var quotient int
	require.NoError(t, c.Call(context.Background(), "Arith.Divide", Args{A: 7, B: 2}, &quotient))
	assert.Equal(t, 3, quotient)

	// nil reply drops the result
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, nil))
}

func TestClientRemoteError(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg)
	c := newClient(t, reg, WithPoolSize(1))

	var quotient int
	err := c.Call(context.Background(), "Arith.Divide", &Args{A: 1}, &quotient)
	require.Error(t, err)
	assert.Equal(t, "ZeroDivision", message.KindOf(err))

	err = c.Call(context.Background(), "Arith.Pow", &Args{}, nil)
	assert.Equal(t, message.KindUnknownCommand, message.KindOf(err))

	// remote failures keep the pooled channel usable
	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 2, B: 2}, &reply))
	assert.Equal(t, 4, reply.Result)
}

func TestClientInvoke(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg)
	c := newClient(t, reg)

	result, err := c.Invoke(context.Background(), "Arith", "Arith.Add", nil, map[string]any{"a": 4, "b": 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": int64(9)}, result)
}

func TestClientErrors(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := newClient(t, reg)

	assert.Error(t, c.Call(context.Background(), "NoDot", nil, nil))
	assert.ErrorIs(t, c.Call(context.Background(), "Arith.Add", nil, nil), registry.ErrNotFound)

	require.NoError(t, c.Close())
	require.NoError(t, reg.Register(context.Background(), "Arith", registry.ServiceInstance{Addr: "127.0.0.1:1"}, 0))
	assert.ErrorIs(t, c.Call(context.Background(), "Arith.Add", nil, nil), ErrClientClosed)
}

func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestClientRetries(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	// registered first, so round robin picks it first
	require.NoError(t, reg.Register(context.Background(), "Arith", registry.ServiceInstance{Addr: deadAddr(t)}, 0))
	startServer(t, reg)

	without := newClient(t, reg)
	assert.Error(t, without.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, nil))

	with := newClient(t, reg, WithRetries(1))
	var reply Reply
	require.NoError(t, with.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, &reply))
	assert.Equal(t, 2, reply.Result)
}

func TestClientAuth(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	key := []byte("s3cret")
	startServer(t, reg, channel.WithAuthKey(key))

	c := newClient(t, reg, WithChannelOptions(channel.WithAuthKey(key)))
	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 20, B: 22}, &reply))
	assert.Equal(t, 42, reply.Result)

	wrong := newClient(t, reg, WithChannelOptions(channel.WithAuthKey([]byte("nope"))))
	assert.Error(t, wrong.Call(context.Background(), "Arith.Add", &Args{}, nil))
}

func TestClientConcurrentCalls(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg)
	startServer(t, reg)
	c := newClient(t, reg, WithPoolSize(2))

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			var reply Reply
			if err := c.Call(context.Background(), "Arith.Add", &Args{A: i, B: i}, &reply); err != nil {
				return err
			}
			if reply.Result != 2*i {
				return assert.AnError
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
