// Package server serves commands over channels accepted from a listener.
//
// Request processing pipeline:
//
//	Listener.Accept (handshake) → serveConn (one goroutine per channel)
//	  → ServeOne loop: Recv request → middleware chain → command handler → Send response
//
// A channel carries one call at a time, so calls on one channel are handled
// in order; concurrency comes from serving many channels.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"chanrpc/channel"
	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/registry"
	"chanrpc/transport"
)

var ErrServerClosed = errors.New("server: closed")

// DefaultName is the service name plain commands (those without a "Service."
// prefix) are advertised under.
const DefaultName = "chanrpc"

// HandlerFunc executes one command with the decoded call arguments.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

type Option func(*Server)

func WithLogger(logger hclog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithName sets the service name plain commands are advertised under.
func WithName(name string) Option {
	return func(s *Server) {
		s.name = name
	}
}

// WithRegistry advertises every served service in reg at advertiseAddr for
// as long as the server runs. An empty advertiseAddr uses the listener
// address. ttl is the lease in seconds.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// Server dispatches commands arriving on channels to registered handlers.
type Server struct {
	name   string
	logger hclog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	middlewares []middleware.Middleware
	chainOnce   sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	registry      registry.Registry
	advertiseAddr string
	ttl           int64

	mu         sync.Mutex
	listeners  map[*channel.Listener]struct{}
	conns      map[*conn]struct{}
	advertised []advertisement
	wg         sync.WaitGroup // one per serving channel
	shutdown   atomic.Bool

	baseCtx context.Context // passed to handlers, canceled when Shutdown gives up
	cancel  context.CancelFunc
}

type advertisement struct {
	service string
	addr    string
}

// conn is one served channel. active is true while a command runs.
type conn struct {
	ch     *channel.Channel
	active bool
}

func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		name:      DefaultName,
		logger:    hclog.NewNullLogger(),
		handlers:  make(map[string]HandlerFunc),
		listeners: make(map[*channel.Listener]struct{}),
		conns:     make(map[*conn]struct{}),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h under the command name. Registering a name twice
// replaces the earlier handler.
func (s *Server) Handle(name string, h HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[name] = h
}

// Register registers every method of rcvr with the signature
// func(args *A, reply *R) error as command "Type.Method".
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	for name, m := range svc.method {
		s.Handle(svc.name+"."+name, svc.handler(m))
	}
	return nil
}

// Commands returns the registered command names, sorted.
func (s *Server) Commands() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasCommand reports whether a handler is registered under name.
func (s *Server) HasCommand(name string) bool {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	_, ok := s.handlers[name]
	return ok
}

// Use registers a middleware. Middlewares apply in the order they are
// added and must be registered before the first call is dispatched.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Dispatch runs req through the middleware chain and its handler.
// It implements channel.Dispatcher.
func (s *Server) Dispatch(ctx context.Context, req *message.Request) (any, error) {
	s.chainOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	})
	return s.handler(ctx, req)
}

func (s *Server) businessHandler(ctx context.Context, req *message.Request) (any, error) {
	s.handlersMu.RLock()
	h, ok := s.handlers[req.Command]
	s.handlersMu.RUnlock()
	if !ok {
		return nil, message.NewError(message.KindUnknownCommand, "unknown command %q", req.Command)
	}
	return h(ctx, req.Args, req.Kwargs)
}

// services returns the service names derived from the command names.
func (s *Server) services() []string {
	seen := make(map[string]struct{})
	for _, cmd := range s.Commands() {
		name := s.name
		if i := strings.IndexByte(cmd, '.'); i > 0 {
			name = cmd[:i]
		}
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListenAndServe listens on address and serves it until Shutdown.
func (s *Server) ListenAndServe(network, address string, opts ...channel.Option) error {
	l, err := channel.Listen(network, address, opts...)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts channels from l and serves each in its own goroutine. The
// handshake also runs on that goroutine, so a slow or silent peer never
// holds up the accept loop. Failed handshakes are logged and dropped. After
// Shutdown, Serve returns ErrServerClosed.
func (s *Server) Serve(l *channel.Listener) error {
	if !s.trackListener(l) {
		l.Close()
		return ErrServerClosed
	}
	defer s.forgetListener(l)

	if err := s.advertise(l); err != nil {
		l.Close()
		return err
	}
	s.logger.Info("serving", "address", l.Addr(), "commands", len(s.Commands()))

	for {
		ch, err := l.AcceptConn(s.baseCtx)
		if err != nil {
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		c, ok := s.trackConn(ch)
		if !ok {
			ch.Close()
			return ErrServerClosed
		}
		go s.serveConn(l, c)
	}
}

// serveConn authenticates one channel and handles calls on it until the
// peer goes away, the channel breaks, or the server shuts down.
func (s *Server) serveConn(l *channel.Listener, c *conn) {
	defer s.wg.Done()
	defer s.forgetConn(c)

	if err := l.Handshake(s.baseCtx, c.ch); err != nil {
		s.logger.Debug("rejected connection", "remote", c.ch.RemoteAddr(), "error", err)
		return
	}

	d := channel.DispatcherFunc(func(ctx context.Context, req *message.Request) (any, error) {
		s.setActive(c, true)
		return s.Dispatch(ctx, req)
	})

	for {
		err := c.ch.ServeOne(s.baseCtx, d)
		s.setActive(c, false)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Debug("peer closed channel")
			case c.ch.Closed() || s.shutdown.Load():
				s.logger.Debug("channel closed", "error", err)
			case transport.IsTimeout(err):
				s.logger.Debug("channel timed out", "error", err)
			default:
				s.logger.Warn("channel failed", "error", err)
			}
			return
		}
		if s.shutdown.Load() {
			return
		}
	}
}

func (s *Server) trackListener(l *channel.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) forgetListener(l *channel.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

// trackConn registers a channel unless the server is shutting down. The
// WaitGroup is only incremented under s.mu before shutdown starts, so it
// never races with Shutdown's Wait.
func (s *Server) trackConn(ch *channel.Channel) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return nil, false
	}
	c := &conn{ch: ch}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return c, true
}

func (s *Server) forgetConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if err := c.ch.Close(); err != nil && !errors.Is(err, channel.ErrClosed) {
		s.logger.Debug("closing channel", "error", err)
	}
}

func (s *Server) setActive(c *conn, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.active = active
}

func (s *Server) advertise(l *channel.Listener) error {
	if s.registry == nil {
		return nil
	}
	addr := s.advertiseAddr
	if addr == "" {
		addr = l.Addr().String()
	}
	instance := registry.ServiceInstance{Network: l.Addr().Network(), Addr: addr}
	for _, name := range s.services() {
		if err := s.registry.Register(s.baseCtx, name, instance, s.ttl); err != nil {
			return fmt.Errorf("server: advertise %s: %w", name, err)
		}
		s.mu.Lock()
		s.advertised = append(s.advertised, advertisement{service: name, addr: addr})
		s.mu.Unlock()
		s.logger.Debug("advertised service", "service", name, "address", addr)
	}
	return nil
}

// Shutdown stops the server gracefully:
//  1. Deregister every advertised service (clients stop routing here)
//  2. Stop accepting and close idle channels
//  3. Wait for in-flight calls, or give up when ctx ends
//
// Channels still running a command are closed once it completes.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	s.mu.Lock()
	s.shutdown.Store(true)
	advertised := s.advertised
	s.advertised = nil
	s.mu.Unlock()

	for _, a := range advertised {
		if err := s.registry.Deregister(ctx, a.service, a.addr); err != nil {
			result = multierror.Append(result, fmt.Errorf("deregister %s: %w", a.service, err))
		}
	}

	s.mu.Lock()
	for l := range s.listeners {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for c := range s.conns {
		if !c.active {
			c.ch.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for c := range s.conns {
			c.ch.Close()
		}
		s.mu.Unlock()
		result = multierror.Append(result, fmt.Errorf("server: waiting for in-flight calls: %w", ctx.Err()))
	}
	s.cancel()
	return result.ErrorOrNil()
}
