// Package loadbalance picks which game server a session connects to when
// discovery returns more than one.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity fleets
//   - WeightedRandom:  heterogeneous fleets (different CPU/memory)
//   - ConsistentHash:  keyed by player name, so a reconnecting player lands
//     on the server that may still hold their session
package loadbalance

import (
	"errors"

	"tilelobby/registry"
)

// ErrNoServers reports an empty discovery result.
var ErrNoServers = errors.New("no game servers available")

// Balancer selects one server from the discovered fleet. key is the
// caller's affinity key (the player name); strategies without affinity
// ignore it. Pick is called once per connection attempt and must be
// goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServerInstance, key string) (*registry.ServerInstance, error)
	Name() string
}

// ForName returns the balancer for a configured strategy name, defaulting
// to round-robin.
func ForName(name string) Balancer {
	switch name {
	case "weighted":
		return &WeightedRandomBalancer{}
	case "affinity":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
