package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"knrpc/meta"
)

// ConsistentHashBalancer maps a fixed affinity key (a user id, a tenant, a
// consumer host) onto an instance through a hash ring, so that the same key
// keeps hitting the same instance until the instance set changes.
//
// Each real instance is placed on the ring as Replicas virtual nodes to keep
// the distribution even with few instances.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	ring  []uint32
	nodes map[uint32]meta.InstanceMeta
	// addresses the current ring was built from
	built string
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
	}
}

func (b *ConsistentHashBalancer) Choose(instances []meta.InstanceMeta) (meta.InstanceMeta, error) {
	if len(instances) == 0 {
		return meta.InstanceMeta{}, emptyCandidates()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)
	return b.pick(b.key), nil
}

// Pick maps an explicit key, for callers that route per request.
func (b *ConsistentHashBalancer) Pick(key string, instances []meta.InstanceMeta) (meta.InstanceMeta, error) {
	if len(instances) == 0 {
		return meta.InstanceMeta{}, emptyCandidates()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)
	return b.pick(key), nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}

// rebuild refreshes the ring when the snapshot differs from the last one.
func (b *ConsistentHashBalancer) rebuild(instances []meta.InstanceMeta) {
	addrs := make([]string, len(instances))
	for i, ins := range instances {
		addrs[i] = ins.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.built && b.ring != nil {
		return
	}
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]meta.InstanceMeta, len(instances)*b.replicas)
	for _, ins := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ins.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ins
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
	b.built = sig
}

// pick finds the first virtual node clockwise from the key's hash, wrapping
// around past the largest.
func (b *ConsistentHashBalancer) pick(key string) meta.InstanceMeta {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}
