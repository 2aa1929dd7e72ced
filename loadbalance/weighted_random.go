package loadbalance

import (
	"fmt"
	"math/rand"

	"tilelobby/registry"
)

// WeightedRandomBalancer picks servers proportionally to their registered
// Weight, for fleets with mixed capacity. Servers with weight 0 are never
// picked unless the whole fleet is unweighted, in which case it degrades to
// uniform random.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServerInstance, _ string) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoServers
	}

	totalWeight := 0
	for _, inst := range instances {
		totalWeight += inst.Weight
	}
	if totalWeight <= 0 {
		return &instances[rand.Intn(len(instances))], nil
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected fallthrough in weighted selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
