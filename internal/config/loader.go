package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferd/pkg/types"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// Upstream OpenAI-compatible inference server.
	ExecutorURL    string `json:"executor_url" yaml:"executor_url" toml:"executor_url"`
	ExecutorAPIKey string `json:"executor_api_key" yaml:"executor_api_key" toml:"executor_api_key"`

	// memory_based or least_loaded.
	Strategy string `json:"strategy" yaml:"strategy" toml:"strategy"`

	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MemoryMarginMB int `json:"memory_margin_mb" yaml:"memory_margin_mb" toml:"memory_margin_mb"`
	MaxQueueDepth  int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`

	Models   []types.Model                   `json:"models" yaml:"models" toml:"models"`
	GPUs     []types.GPU                     `json:"gpus" yaml:"gpus" toml:"gpus"`
	Services map[string]types.ServicePolicy  `json:"services" yaml:"services" toml:"services"`
	Tiers    map[types.Tier][]string         `json:"tiers" yaml:"tiers" toml:"tiers"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot start from: services
// referencing unknown tiers or categories, models without a category, GPU
// entries without memory.
func (c Config) Validate() error {
	for _, m := range c.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("model with empty name")
		}
		if !m.Category.Valid() {
			return fmt.Errorf("model %s: invalid category %q", m.Name, m.Category)
		}
	}
	for _, g := range c.GPUs {
		if strings.TrimSpace(g.ID) == "" {
			return fmt.Errorf("gpu with empty id")
		}
		if g.TotalMemoryMB <= 0 {
			return fmt.Errorf("gpu %s: total_memory_mb must be positive", g.ID)
		}
	}
	for name, pol := range c.Services {
		if !pol.DefaultTier.Valid() {
			return fmt.Errorf("service %s: invalid default_tier %q", name, pol.DefaultTier)
		}
		if !pol.MaxModelCategory.Valid() {
			return fmt.Errorf("service %s: invalid max_model_category %q", name, pol.MaxModelCategory)
		}
		if pol.TimeoutSeconds < 0 {
			return fmt.Errorf("service %s: negative timeout_seconds", name)
		}
	}
	if c.Strategy != "" && c.Strategy != "memory_based" && c.Strategy != "least_loaded" {
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	return nil
}
