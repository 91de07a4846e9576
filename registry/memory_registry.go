package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and static
// deployments. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.RWMutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
	closed   bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string][]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// Register adds or replaces the instance with the same address.
func (r *MemoryRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances := r.services[serviceName]
	i := slices.IndexFunc(instances, func(s ServiceInstance) bool { return s.Addr == instance.Addr })
	if i >= 0 {
		instances[i] = instance
	} else {
		instances = append(instances, instance)
	}
	r.services[serviceName] = instances
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances := r.services[serviceName]
	i := slices.IndexFunc(instances, func(s ServiceInstance) bool { return s.Addr == addr })
	if i < 0 {
		return ErrNotFound
	}
	r.services[serviceName] = slices.Delete(slices.Clone(instances), i, i+1)
	r.notify(serviceName)
	return nil
}

// Discover returns a copy of the instance list; it is empty, not an error,
// for unknown services.
func (r *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.services[serviceName]), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan []ServiceInstance, 1)
	if r.closed {
		close(ch)
		return ch
	}
	ch <- slices.Clone(r.services[serviceName])
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)

	context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[serviceName]
		if i := slices.Index(watchers, ch); i >= 0 {
			r.watchers[serviceName] = slices.Delete(watchers, i, i+1)
			close(ch)
		}
	})
	return ch
}

// notify replaces any snapshot a watcher has not consumed yet with the
// latest one. Callers hold r.mu.
func (r *MemoryRegistry) notify(serviceName string) {
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(r.services[serviceName])
	}
}

func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for name, watchers := range r.watchers {
		for _, ch := range watchers {
			close(ch)
		}
		delete(r.watchers, name)
	}
	return nil
}
