package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultPrefix      = "/chanrpc/"
	DefaultDialTimeout = 5 * time.Second
)

type etcdOptions struct {
	prefix      string
	dialTimeout time.Duration
	logger      hclog.Logger
	zapLogger   *zap.Logger
}

type EtcdOption func(*etcdOptions)

// WithPrefix sets the key prefix. A trailing slash is added when missing.
func WithPrefix(prefix string) EtcdOption {
	return func(o *etcdOptions) {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		o.prefix = prefix
	}
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) {
		o.dialTimeout = d
	}
}

func WithLogger(logger hclog.Logger) EtcdOption {
	return func(o *etcdOptions) {
		o.logger = logger
	}
}

// WithZapLogger routes the etcd client's own logging. It is silenced by
// default.
func WithZapLogger(logger *zap.Logger) EtcdOption {
	return func(o *etcdOptions) {
		o.zapLogger = logger
	}
}

// EtcdRegistry implements Registry on etcd v3 with one key per instance:
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed, so no ghost instances are left behind.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger hclog.Logger

	ctx    context.Context // bounds keep-alives, canceled by Close
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]lease // key → lease kept alive for it
}

type lease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{
		prefix:      DefaultPrefix,
		dialTimeout: DefaultDialTimeout,
		logger:      hclog.NewNullLogger(),
		zapLogger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.zapLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		prefix: o.prefix,
		logger: o.logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]lease),
	}, nil
}

func (r *EtcdRegistry) serviceKey(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// Register puts the instance under a lease of ttl seconds and keeps the
// lease alive until Deregister or Close. With ttl <= 0 the key has no lease.
//
// Leases are tracked per key, so one EtcdRegistry can be shared by several
// servers.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	key := r.serviceKey(serviceName, instance.Addr)

	if ttl <= 0 {
		if _, err := r.client.Put(ctx, key, string(val)); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		return nil
	}

	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// The keep-alive outlives ctx: it must run as long as the registration.
	kaCtx, stop := context.WithCancel(r.ctx)
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		stop()
		return fmt.Errorf("keep alive lease: %w", err)
	}

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev.stop()
	}
	r.leases[key] = lease{id: grant.ID, stop: stop}
	r.mu.Unlock()

	// Drain keep-alive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		if kaCtx.Err() == nil {
			r.logger.Warn("lease keep-alive stopped", "key", key)
		}
	}()
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.serviceKey(serviceName, addr)

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if ok {
		l.stop()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			return fmt.Errorf("revoke lease for %s: %w", key, err)
		}
	}
	return nil
}

// Discover returns all currently registered instances of a service.
// Malformed entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", r.servicePrefix(serviceName), err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Debug("skipping malformed instance", "key", string(kv.Key), "error", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-fetches the full instance list on every change under the service
// prefix. This is simpler than applying individual watch events.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())

		send := func() bool {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("watch refresh failed", "service", serviceName, "error", err)
				return ctx.Err() == nil
			}
			select {
			case ch <- instances:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send() {
			return
		}
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch failed", "service", serviceName, "error", err)
				return
			}
			if !send() {
				return
			}
		}
	}()

	return ch
}

// Close revokes every lease taken by Register and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]lease)
	r.mu.Unlock()

	var result *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()
	for key, l := range leases {
		l.stop()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			result = multierror.Append(result, fmt.Errorf("revoke lease for %s: %w", key, err))
		}
	}
	r.cancel()
	if err := r.client.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
