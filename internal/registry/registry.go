// Package registry provides the built-in model catalog, tier candidate lists
// and service policies used when the config file leaves them unset.
package registry

import "inferd/pkg/types"

// DefaultCatalog is the built-in model set, smallest to largest.
func DefaultCatalog() []types.Model {
	return []types.Model{
		{Name: "qwen2.5:0.5b", Category: types.CategorySmall, MaxConcurrent: 8, MemoryMB: 1024},
		{Name: "qwen2.5:3b", Category: types.CategoryMedium, MaxConcurrent: 4, MemoryMB: 4096},
		{Name: "qwen2.5:7b", Category: types.CategoryMedium, MaxConcurrent: 3, MemoryMB: 8192},
		{Name: "qwen2.5:14b", Category: types.CategoryLarge, MaxConcurrent: 2, MemoryMB: 16384},
		{Name: "qwen2.5:32b", Category: types.CategoryXLarge, MaxConcurrent: 1, MemoryMB: 32768},
	}
}

// DefaultTiers maps each tier to its ordered candidate models, best first.
func DefaultTiers() map[types.Tier][]string {
	return map[types.Tier][]string{
		types.TierSimple:   {"qwen2.5:0.5b", "qwen2.5:3b"},
		types.TierModerate: {"qwen2.5:3b", "qwen2.5:7b"},
		types.TierComplex:  {"qwen2.5:14b", "qwen2.5:7b"},
		types.TierExpert:   {"qwen2.5:32b", "qwen2.5:14b"},
	}
}

// DefaultServices declares the built-in calling-service policies.
func DefaultServices() map[string]types.ServicePolicy {
	return map[string]types.ServicePolicy{
		"chat": {
			DefaultTier:      types.TierModerate,
			AllowEscalation:  true,
			MaxModelCategory: types.CategoryXLarge,
			TimeoutSeconds:   60,
		},
		"recommendations": {
			DefaultTier:      types.TierSimple,
			AllowEscalation:  false,
			MaxModelCategory: types.CategoryMedium,
			TimeoutSeconds:   15,
		},
		"tasks": {
			DefaultTier:      types.TierModerate,
			AllowEscalation:  true,
			MaxModelCategory: types.CategoryLarge,
			TimeoutSeconds:   30,
		},
	}
}

// DefaultGPUs is a single-device inventory for local development.
func DefaultGPUs() []types.GPU {
	return []types.GPU{{ID: "gpu-0", TotalMemoryMB: 49152}}
}
