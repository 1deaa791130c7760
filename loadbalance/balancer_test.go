package loadbalance

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knrpc/internal/errs"
	"knrpc/meta"
)

var testInstances = []meta.InstanceMeta{
	meta.NewInstance(":8001", meta.KeyWeight, "10", meta.KeyRegion, "bj"),
	meta.NewInstance(":8002", meta.KeyWeight, "5", meta.KeyRegion, "sh"),
	meta.NewInstance(":8003", meta.KeyWeight, "10", meta.KeyRegion, "bj"),
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Choose(testInstances)
		require.NoError(t, err)
		results[i] = inst.Addr
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003"}, results)

	// wraps around to the first
	inst, err := b.Choose(testInstances)
	require.NoError(t, err)
	assert.Equal(t, results[0], inst.Addr)
}

func TestRoundRobinConcurrent(t *testing.T) {
	b := &RoundRobinBalancer{}
	const n = 300
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := b.Choose(testInstances)
			assert.NoError(t, err)
			mu.Lock()
			counts[inst.Addr]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	// every call observed a distinct position, so the split is exact
	for _, ins := range testInstances {
		assert.Equal(t, n/len(testInstances), counts[ins.Addr])
	}
}

func TestEmptyCandidates(t *testing.T) {
	balancers := []LoadBalancer{
		&RoundRobinBalancer{},
		RandomBalancer{},
		WeightedRandomBalancer{},
		NewConsistentHashBalancer("user-123"),
	}
	for _, b := range balancers {
		t.Run(b.Name(), func(t *testing.T) {
			_, err := b.Choose(nil)
			assert.ErrorIs(t, err, errs.ErrEmptyCandidates)
			_, err = b.Choose([]meta.InstanceMeta{})
			assert.ErrorIs(t, err, errs.ErrEmptyCandidates)
		})
	}
}

func TestRandom(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		inst, err := RandomBalancer{}.Choose(testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.Len(t, seen, 3)
}

func TestWeightedRandom(t *testing.T) {
	b := WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Choose(testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// weights are 10:5:10, so :8001 should be picked ~2x as often as :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer("user-123")

	inst1, err := b.Choose(testInstances)
	require.NoError(t, err)
	inst2, err := b.Choose(testInstances)
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst2.Addr)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(fmt.Sprintf("key-%d", i), testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)

	// the ring follows the snapshot
	only, err := b.Choose(testInstances[1:2])
	require.NoError(t, err)
	assert.Equal(t, ":8002", only.Addr)
}

func TestByName(t *testing.T) {
	for _, name := range []string{NameRoundRobin, NameRandom, NameWeightedRandom, ""} {
		b, err := ByName(name)
		require.NoError(t, err)
		assert.NotNil(t, b)
	}
	_, err := ByName("p2c")
	assert.Error(t, err)
}
