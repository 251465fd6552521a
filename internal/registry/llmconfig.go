// Package registry provides the cached, DB-backed registries for per-model
// credentials and versioned prompts.
//
// Both registries share one design: a synchronized in-memory map, a refresh
// timestamp, and a mutex guarding reload. Reads serve the cache until the
// TTL expires; writes commit to the database and then force a refresh, so a
// subsequent read is guaranteed to reflect the write.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/store"
)

// cacheTTL bounds how stale a registry read can be relative to a write made
// by another process.
const cacheTTL = 300 * time.Second

// LLMConfigRegistry caches model configurations keyed by model name.
type LLMConfigRegistry struct {
	store *store.ConfigStore
	log   zerolog.Logger

	mu          sync.Mutex
	cache       map[string]*domain.LLMConfig
	refreshedAt time.Time
}

// NewLLMConfigRegistry creates the registry. Call Refresh (or any read) to
// warm the cache.
func NewLLMConfigRegistry(configStore *store.ConfigStore, log zerolog.Logger) *LLMConfigRegistry {
	return &LLMConfigRegistry{
		store: configStore,
		log:   log.With().Str("component", "llm_config_registry").Logger(),
		cache: make(map[string]*domain.LLMConfig),
	}
}

// Refresh reloads the cache from the database.
func (r *LLMConfigRegistry) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked()
}

func (r *LLMConfigRegistry) refreshLocked() error {
	configs, err := r.store.ListLLMConfigs()
	if err != nil {
		// Keep serving the existing cache on refresh failure.
		r.log.Error().Err(err).Msg("Failed to refresh LLM config cache")
		return err
	}
	cache := make(map[string]*domain.LLMConfig, len(configs))
	for _, cfg := range configs {
		cache[cfg.ModelName] = cfg
	}
	r.cache = cache
	r.refreshedAt = time.Now()
	r.log.Debug().Int("configs", len(cache)).Msg("LLM config cache refreshed")
	return nil
}

func (r *LLMConfigRegistry) ensureFreshLocked() {
	if time.Since(r.refreshedAt) >= cacheTTL {
		_ = r.refreshLocked()
	}
}

// Get returns the configuration for a model if it is enabled and has an API
// key; nil otherwise.
func (r *LLMConfigRegistry) Get(modelName string) *domain.LLMConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureFreshLocked()

	cfg, ok := r.cache[modelName]
	if !ok || !cfg.Enabled || cfg.APIKey == "" {
		return nil
	}
	clone := *cfg
	return &clone
}

// EnabledModels lists model names that are enabled with credentials present.
func (r *LLMConfigRegistry) EnabledModels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureFreshLocked()

	var names []string
	for name, cfg := range r.cache {
		if cfg.Enabled && cfg.APIKey != "" {
			names = append(names, name)
		}
	}
	return names
}

// ListAll returns every configuration, enabled or not.
func (r *LLMConfigRegistry) ListAll() []*domain.LLMConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureFreshLocked()

	configs := make([]*domain.LLMConfig, 0, len(r.cache))
	for _, cfg := range r.cache {
		clone := *cfg
		configs = append(configs, &clone)
	}
	return configs
}

// Upsert writes a configuration and refreshes the cache.
func (r *LLMConfigRegistry) Upsert(cfg *domain.LLMConfig) error {
	if err := r.store.UpsertLLMConfig(cfg); err != nil {
		return err
	}
	r.log.Info().Str("model", cfg.ModelName).Msg("LLM config upserted")
	return r.Refresh()
}

// SetEnabled flips a model's enabled flag and refreshes the cache.
func (r *LLMConfigRegistry) SetEnabled(modelName string, enabled bool) error {
	if err := r.store.SetLLMConfigEnabled(modelName, enabled); err != nil {
		return err
	}
	r.log.Info().Str("model", modelName).Bool("enabled", enabled).Msg("LLM config toggled")
	return r.Refresh()
}

// RecordValidation stores the outcome of a credentials test and refreshes.
func (r *LLMConfigRegistry) RecordValidation(modelName, status string) error {
	if err := r.store.UpdateLLMValidation(modelName, status); err != nil {
		return err
	}
	return r.Refresh()
}

// Delete removes a configuration and refreshes the cache.
func (r *LLMConfigRegistry) Delete(modelName string) error {
	if err := r.store.DeleteLLMConfig(modelName); err != nil {
		return err
	}
	r.log.Info().Str("model", modelName).Msg("LLM config deleted")
	return r.Refresh()
}
