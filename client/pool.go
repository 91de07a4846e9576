package client

import (
	"context"
	"errors"
	"sync"

	"chanrpc/channel"
)

var ErrPoolClosed = errors.New("client: pool closed")

// Pool manages reusable channels to a single address. A channel is borrowed
// exclusively: a Channel carries one call at a time.
//
// Pool design: idle channels wait in a buffered channel (FIFO, goroutine-safe)
// and a second buffered channel of the same size acts as the semaphore for
// channels in existence. Channels are dialed lazily, so the pool starts
// empty and grows on demand.
type Pool struct {
	idle  chan *PoolChannel
	slots chan struct{}
	dial  func(ctx context.Context) (*channel.Channel, error)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// PoolChannel is a borrowed channel with pool metadata.
type PoolChannel struct {
	*channel.Channel
	unusable bool // set when a call left the channel in an unknown state
}

// MarkUnusable makes Put discard the channel instead of reusing it.
func (pc *PoolChannel) MarkUnusable() {
	pc.unusable = true
}

// NewPool creates a pool holding at most size channels.
func NewPool(size int, dial func(ctx context.Context) (*channel.Channel, error)) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		idle:  make(chan *PoolChannel, size),
		slots: make(chan struct{}, size),
		dial:  dial,
		done:  make(chan struct{}),
	}
}

// Get borrows a channel.
// Strategy:
//  1. Take an idle channel if there is one (non-blocking select)
//  2. Otherwise dial a new channel if under the limit
//  3. Otherwise block until a channel is returned or a slot frees up
func (p *Pool) Get(ctx context.Context) (*PoolChannel, error) {
	for {
		if p.isClosed() {
			return nil, ErrPoolClosed
		}
		select {
		case pc := <-p.idle:
			if p.usable(pc) {
				return pc, nil
			}
			p.discard(pc)
			continue
		default:
		}

		select {
		case pc := <-p.idle:
			if p.usable(pc) {
				return pc, nil
			}
			p.discard(pc)
		case p.slots <- struct{}{}:
			ch, err := p.dial(ctx)
			if err != nil {
				<-p.slots
				return nil, err
			}
			return &PoolChannel{Channel: ch}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrPoolClosed
		}
	}
}

// Put returns a channel to the pool. Unusable, broken and closed channels
// are closed and discarded, as is everything returned after Close.
func (p *Pool) Put(pc *PoolChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.usable(pc) {
		p.discard(pc)
		return
	}
	p.idle <- pc
}

// Close closes every idle channel. Borrowed channels are closed when they
// are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case pc := <-p.idle:
			p.discard(pc)
		default:
			return nil
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) usable(pc *PoolChannel) bool {
	return !pc.unusable && !pc.Closed() && pc.Err() == nil
}

// discard closes pc and frees its slot.
func (p *Pool) discard(pc *PoolChannel) {
	pc.Close()
	<-p.slots
}
