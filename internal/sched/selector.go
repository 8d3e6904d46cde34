package sched

import (
	"sort"

	"inferd/pkg/types"
)

// Selector maps (tier, service policy, optional preference) to a concrete
// model. It is the admission-control safety net: Select is total and always
// returns a model from the catalog.
type Selector struct {
	catalog  map[string]types.Model
	tiers    map[types.Tier][]string
	services map[string]types.ServicePolicy
	smallest types.Model
}

// NewSelector builds a selector over a non-empty catalog. Tier candidate
// lists reference catalog models by name; names not in the catalog are
// ignored. The smallest model (lowest category rank, then lowest memory)
// is the terminal fallback.
func NewSelector(catalog []types.Model, tiers map[types.Tier][]string, services map[string]types.ServicePolicy) *Selector {
	byName := make(map[string]types.Model, len(catalog))
	for _, m := range catalog {
		byName[m.Name] = m
	}
	sorted := append([]types.Model(nil), catalog...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Category.Rank() != sorted[j].Category.Rank() {
			return sorted[i].Category.Rank() < sorted[j].Category.Rank()
		}
		return sorted[i].MemoryMB < sorted[j].MemoryMB
	})
	s := &Selector{catalog: byName, tiers: tiers, services: services}
	if len(sorted) > 0 {
		s.smallest = sorted[0]
	}
	return s
}

// Smallest returns the cheapest known model, the target of fallback retries.
func (s *Selector) Smallest() types.Model { return s.smallest }

// Lookup resolves a model by name.
func (s *Selector) Lookup(name string) (types.Model, bool) {
	m, ok := s.catalog[name]
	return m, ok
}

// Select picks a model for the tier under the service's category ceiling.
// Order: the caller's preference if it fits the ceiling, then the tier's
// candidate list, then the moderate tier's list, then the smallest model.
// It never fails.
func (s *Selector) Select(tier types.Tier, service string, preferred string) (types.Model, string) {
	ceiling := types.CategoryXLarge
	if pol, ok := s.services[service]; ok && pol.MaxModelCategory.Valid() {
		ceiling = pol.MaxModelCategory
	}

	if preferred != "" {
		if m, ok := s.catalog[preferred]; ok && m.Category.Rank() <= ceiling.Rank() {
			return m, "preferred model within service ceiling"
		}
	}
	if m, ok := s.firstFit(s.tiers[tier], ceiling); ok {
		return m, "tier candidate within service ceiling"
	}
	if m, ok := s.firstFit(s.tiers[types.TierModerate], ceiling); ok {
		return m, "moderate-tier fallback within service ceiling"
	}
	return s.smallest, "degraded to smallest known model"
}

func (s *Selector) firstFit(names []string, ceiling types.Category) (types.Model, bool) {
	for _, n := range names {
		m, ok := s.catalog[n]
		if !ok {
			continue
		}
		if m.Category.Rank() <= ceiling.Rank() {
			return m, true
		}
	}
	return types.Model{}, false
}
