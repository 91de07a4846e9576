package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEtcd connects to the etcd cluster named by CHANRPC_ETCD_ENDPOINTS
// (comma separated) and skips the test when it is unset.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("CHANRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("CHANRPC_ETCD_ENDPOINTS not set")
	}
	prefix := "/chanrpc-test/" + strings.ReplaceAll(t.Name(), "/", "_") + "/"
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), WithPrefix(prefix))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, "Arith", inst1, 10))
	require.NoError(t, reg.Register(ctx, "Arith", inst2, 10))

	instances, err := reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Arith", inst1.Addr))

	instances, err = reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Arith", inst2.Addr))
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updates := reg.Watch(ctx, "Echo")
	select {
	case initial := <-updates:
		assert.Empty(t, initial)
	case <-ctx.Done():
		t.Fatal("no initial snapshot")
	}

	inst := ServiceInstance{Addr: "127.0.0.1:9001"}
	require.NoError(t, reg.Register(ctx, "Echo", inst, 10))

	for {
		select {
		case instances := <-updates:
			if len(instances) == 1 {
				assert.Equal(t, inst, instances[0])
				return
			}
		case <-ctx.Done():
			t.Fatal("registration not observed")
		}
	}
}
