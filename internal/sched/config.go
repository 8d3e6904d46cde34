package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 64
	defaultTimeout       = 30 * time.Second
)

// Config encapsulates all tunables for Scheduler construction.
type Config struct {
	Catalog         []types.Model
	TierPreferences map[types.Tier][]string
	Services        map[string]types.ServicePolicy
	GPUs            []types.GPU

	Strategy       Strategy
	MaxQueueDepth  int
	DefaultTimeout time.Duration
	MemoryBudgetMB int
	MemoryMarginMB int

	Executor  ModelExecutor
	LoadFn    LoadFunc
	Publisher EventPublisher
	Logger    zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.Strategy == "" {
		c.Strategy = StrategyLeastLoaded
	}
	return c
}

func (c Config) validate() error {
	if len(c.Catalog) == 0 {
		return errors.New("config: empty model catalog")
	}
	if c.Executor == nil {
		return errors.New("config: executor is required")
	}
	if len(c.GPUs) == 0 {
		return errors.New("config: at least one GPU is required")
	}
	for _, m := range c.Catalog {
		if m.Name == "" {
			return errors.New("config: model with empty name")
		}
		if !m.Category.Valid() {
			return fmt.Errorf("config: model %s has invalid category %q", m.Name, m.Category)
		}
	}
	names := make(map[string]bool, len(c.Catalog))
	for _, m := range c.Catalog {
		names[m.Name] = true
	}
	for tier, list := range c.TierPreferences {
		if !tier.Valid() {
			return fmt.Errorf("config: unknown tier %q in preferences", tier)
		}
		for _, n := range list {
			if !names[n] {
				return fmt.Errorf("config: tier %s references unknown model %q", tier, n)
			}
		}
	}
	for svc, pol := range c.Services {
		if !pol.DefaultTier.Valid() {
			return fmt.Errorf("config: service %s has invalid default tier %q", svc, pol.DefaultTier)
		}
		if !pol.MaxModelCategory.Valid() {
			return fmt.Errorf("config: service %s has invalid max category %q", svc, pol.MaxModelCategory)
		}
	}
	return nil
}
