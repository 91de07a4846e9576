package loadbalance

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}
	ctx := context.Background()

	var results []string
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(ctx, testInstances)
		require.NoError(t, err)
		results = append(results, inst.Addr)
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003"}, results)

	// wraps around to the first
	inst, err := b.Pick(ctx, testInstances)
	require.NoError(t, err)
	assert.Equal(t, ":8001", inst.Addr)
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Pick(WithKey(context.Background(), "k"), nil)
		assert.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(context.Background(), testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	instances := []registry.ServiceInstance{{Addr: "a"}, {Addr: "b"}}

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		inst, err := b.Pick(context.Background(), instances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.Len(t, seen, 2)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	pick := func(key string) string {
		inst, err := b.Pick(WithKey(context.Background(), key), testInstances)
		require.NoError(t, err)
		return inst.Addr
	}

	// Same key should always map to the same instance
	assert.Equal(t, pick("user-123"), pick("user-123"))

	// With 100 different keys and 3 nodes, we should hit at least 2
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		seen[pick(fmt.Sprintf("key-%d", i))] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashStableUnderRemoval(t *testing.T) {
	b := NewConsistentHashBalancer()
	ctx := WithKey(context.Background(), "user-7")

	before, err := b.Pick(ctx, testInstances)
	require.NoError(t, err)

	var remaining []registry.ServiceInstance
	for _, inst := range testInstances {
		if inst.Addr != before.Addr {
			remaining = append(remaining, inst)
		}
	}
	after, err := b.Pick(ctx, remaining)
	require.NoError(t, err)
	assert.NotEqual(t, before.Addr, after.Addr)

	// keys owned by surviving instances keep their owner
	moved := 0
	for i := 0; i < 100; i++ {
		kctx := WithKey(context.Background(), fmt.Sprintf("key-%d", i))
		full, err := b.Pick(kctx, testInstances)
		require.NoError(t, err)
		if full.Addr == before.Addr {
			continue
		}
		part, err := b.Pick(kctx, remaining)
		require.NoError(t, err)
		if part.Addr != full.Addr {
			moved++
		}
	}
	assert.Zero(t, moved)
}

func TestConsistentHashWithoutKey(t *testing.T) {
	b := NewConsistentHashBalancer()
	first, err := b.Pick(context.Background(), testInstances)
	require.NoError(t, err)
	second, err := b.Pick(context.Background(), testInstances)
	require.NoError(t, err)
	assert.NotEqual(t, first.Addr, second.Addr)
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":           "RoundRobin",
		"roundrobin": "RoundRobin",
		"random":     "WeightedRandom",
		"hash":       "ConsistentHash",
	} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}
	_, err := New("fastest")
	assert.Error(t, err)
}
