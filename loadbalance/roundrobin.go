package loadbalance

import (
	"sync/atomic"

	"tilelobby/registry"
)

// RoundRobinBalancer cycles through the fleet in order. Lock-free via an
// atomic counter.
type RoundRobinBalancer struct {
	counter int64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServerInstance, _ string) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoServers
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
