package loadbalance

import (
	"math/rand/v2"

	"knrpc/meta"
)

type RandomBalancer struct{}

func (RandomBalancer) Choose(instances []meta.InstanceMeta) (meta.InstanceMeta, error) {
	if len(instances) == 0 {
		return meta.InstanceMeta{}, emptyCandidates()
	}
	return instances[rand.IntN(len(instances))], nil
}

func (RandomBalancer) Name() string {
	return NameRandom
}

// WeightedRandomBalancer picks proportionally to the "weight" metadata of
// each instance. Instances without a weight count as 1.
type WeightedRandomBalancer struct{}

func (WeightedRandomBalancer) Choose(instances []meta.InstanceMeta) (meta.InstanceMeta, error) {
	if len(instances) == 0 {
		return meta.InstanceMeta{}, emptyCandidates()
	}
	totalWeight := 0
	for _, ins := range instances {
		totalWeight += ins.Weight()
	}
	r := rand.IntN(totalWeight)
	for _, ins := range instances {
		r -= ins.Weight()
		if r < 0 {
			return ins, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (WeightedRandomBalancer) Name() string {
	return NameWeightedRandom
}
