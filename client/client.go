// Package client calls commands on servers found through a registry.
//
//	Call("Arith.Add") → registry.Discover("Arith") → Balancer.Pick
//	  → Pool.Get (per address, exclusive borrow) → Channel.Call → Pool.Put
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"

	"chanrpc/channel"
	"chanrpc/loadbalance"
	"chanrpc/message"
	"chanrpc/registry"
)

const DefaultPoolSize = 4

var ErrClientClosed = errors.New("client: closed")

type Option func(*Client)

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) {
		c.balancer = b
	}
}

// WithPoolSize bounds the channels kept per server address.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		c.poolSize = n
	}
}

// WithChannelOptions sets the options every channel is dialed with,
// e.g. channel.WithAuthKey.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(c *Client) {
		c.channelOpts = append(c.channelOpts, opts...)
	}
}

// WithRetries retries a call on another pick when no channel could be
// established to the picked instance. Calls that reached a server are never
// retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		c.retries = n
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

type Client struct {
	registry    registry.Registry // find service instances
	balancer    loadbalance.Balancer
	channelOpts []channel.Option
	poolSize    int
	retries     int
	logger      hclog.Logger

	mu     sync.Mutex
	pools  map[string]*Pool // one pool per instance address
	closed bool
}

func NewClient(reg registry.Registry, opts ...Option) *Client {
	c := &Client{
		registry: reg,
		balancer: &loadbalance.RoundRobinBalancer{},
		poolSize: DefaultPoolSize,
		logger:   hclog.NewNullLogger(),
		pools:    make(map[string]*Pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes "Service.Method" with args as its single argument and decodes
// the result into reply, which must be a pointer (or nil to drop the
// result). A nil args sends no argument.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	service, _, ok := strings.Cut(serviceMethod, ".")
	if !ok || service == "" {
		return fmt.Errorf("client: invalid service method %q", serviceMethod)
	}

	var positional []any
	if args != nil {
		positional = []any{args}
	}
	result, err := c.Invoke(ctx, service, serviceMethod, positional, nil)
	if err != nil {
		return err
	}
	if reply == nil || result == nil {
		return nil
	}
	if err := decode(result, reply); err != nil {
		return fmt.Errorf("client: decode reply of %s: %w", serviceMethod, err)
	}
	return nil
}

// Invoke sends command to an instance of service. Failure responses come
// back as *message.RemoteError.
func (c *Client) Invoke(ctx context.Context, service, command string, args []any, kwargs map[string]any) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		pool, err := c.pick(ctx, service)
		if err != nil {
			return nil, err
		}
		pc, err := pool.Get(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrPoolClosed) {
				return nil, err
			}
			c.logger.Debug("no channel to instance", "service", service, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		result, err := pc.Call(ctx, command, args, kwargs)
		var remote *message.RemoteError
		if err != nil && !errors.As(err, &remote) {
			// a transport failure or timeout leaves a response in flight
			pc.MarkUnusable()
		}
		pool.Put(pc)
		return result, err
	}
	return nil, lastErr
}

func (c *Client) pick(ctx context.Context, service string) (*Pool, error) {
	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", service, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("client: %w for %s", registry.ErrNotFound, service)
	}
	instance, err := c.balancer.Pick(ctx, instances)
	if err != nil {
		return nil, err
	}
	return c.pool(*instance)
}

func (c *Client) pool(instance registry.ServiceInstance) (*Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	key := instance.NetworkOrDefault() + "://" + instance.Addr
	p, ok := c.pools[key]
	if !ok {
		network, addr, opts := instance.NetworkOrDefault(), instance.Addr, c.channelOpts
		p = NewPool(c.poolSize, func(ctx context.Context) (*channel.Channel, error) {
			return channel.Dial(ctx, network, addr, opts...)
		})
		c.pools[key] = p
	}
	return p, nil
}

// Close closes every pooled channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.closed = true

	var result *multierror.Error
	for _, p := range c.pools {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// decode converts a dynamically typed result into the caller's reply value.
// Struct fields match by their codec tag, falling back to the field name.
func decode(input, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "codec",
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
