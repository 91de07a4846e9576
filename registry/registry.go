// Package registry advertises and discovers the addresses channels are
// served on.
package registry

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("registry: no instances")

// ServiceInstance is one serving endpoint of a service.
type ServiceInstance struct {
	Network string `json:"network,omitempty"` // "tcp" when empty
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// NetworkOrDefault returns the instance network, "tcp" when unset.
func (s ServiceInstance) NetworkOrDefault() string {
	if s.Network == "" {
		return "tcp"
	}
	return s.Network
}

type Registry interface {
	// Register advertises instance under serviceName. A positive ttl (seconds)
	// makes the entry expire unless the registry keeps it alive.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the current instance list, then the full list again after
	// every change, until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
