package types

import "strings"

// Tier classifies the expected difficulty of a request and drives model choice.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
	TierExpert   Tier = "expert"
)

// Rank orders tiers from cheapest to most capable. Unknown tiers rank 0.
func (t Tier) Rank() int {
	switch t {
	case TierSimple:
		return 1
	case TierModerate:
		return 2
	case TierComplex:
		return 3
	case TierExpert:
		return 4
	}
	return 0
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool { return t.Rank() > 0 }

// ParseTier parses a tier string case-insensitively.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Category sizes a model. Same scale as tiers, but it describes the model
// itself rather than the request.
type Category string

const (
	CategorySmall  Category = "small"
	CategoryMedium Category = "medium"
	CategoryLarge  Category = "large"
	CategoryXLarge Category = "xlarge"
)

// Rank orders categories from smallest to largest. Unknown categories rank 0.
func (c Category) Rank() int {
	switch c {
	case CategorySmall:
		return 1
	case CategoryMedium:
		return 2
	case CategoryLarge:
		return 3
	case CategoryXLarge:
		return 4
	}
	return 0
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return c.Rank() > 0 }

// Priority orders queued requests. Higher values are served first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ParsePriority parses a priority name; empty maps to normal.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	}
	return PriorityNormal, false
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "normal"
}

// Model describes a loadable model. Static after startup; read-only at request time.
type Model struct {
	// Stable identifier, e.g. "qwen2.5:7b".
	Name string `json:"name" yaml:"name" toml:"name"`
	// Size class driving selection ceilings and tier candidate lists.
	Category Category `json:"category" yaml:"category" toml:"category"`
	// Maximum concurrent execution slots for this model.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	// Approximate resident weight size in MB, used for GPU fitting and eviction.
	MemoryMB int `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`
}

// ServicePolicy is the per-calling-service configuration, validated at startup.
type ServicePolicy struct {
	DefaultTier      Tier     `json:"default_tier" yaml:"default_tier" toml:"default_tier"`
	AllowEscalation  bool     `json:"allow_escalation" yaml:"allow_escalation" toml:"allow_escalation"`
	MaxModelCategory Category `json:"max_model_category" yaml:"max_model_category" toml:"max_model_category"`
	TimeoutSeconds   int      `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// GPU describes a physical accelerator known at startup.
type GPU struct {
	ID            string `json:"id" yaml:"id" toml:"id"`
	TotalMemoryMB int    `json:"total_memory_mb" yaml:"total_memory_mb" toml:"total_memory_mb"`
}
