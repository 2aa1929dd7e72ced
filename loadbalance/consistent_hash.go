package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"tilelobby/registry"
)

// ConsistentHashBalancer maps an affinity key (the player name) to a server
// via a hash ring: the same player keeps landing on the same server for as
// long as the fleet is stable, which matters for reconnects — the server may
// still hold the player's lobby or game session.
//
// Virtual nodes: each real server is mapped to N points on the ring.
// Without them a small fleet clusters on the ring and load skews; 100
// virtual nodes per server gives statistical uniformity.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	built string // fingerprint of the fleet the ring was built from
	ring  []uint32
	nodes map[uint32]registry.ServerInstance
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per server.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick hashes the key and binary-searches for the first ring node at or
// after it, wrapping around at the top. The ring is rebuilt lazily whenever
// the discovered fleet changes.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServerInstance, key string) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoServers
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.ServerInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	fingerprint := strings.Join(addrs, ",")
	if fingerprint == b.built {
		return
	}

	b.built = fingerprint
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServerInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}
