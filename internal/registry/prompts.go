package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/store"
)

// PromptRegistry caches active prompts keyed by "name:version" and renders
// the wrapper-around-core composition used for model evaluation.
//
// On first initialization against an empty table it seeds from a directory
// of markdown prompts, using the filename conventions
// core_decision_<version>.md and <model>_wrapper_<version>.md.
type PromptRegistry struct {
	store      *store.ConfigStore
	promptsDir string
	log        zerolog.Logger

	mu          sync.Mutex
	cache       map[string]*domain.Prompt
	refreshedAt time.Time
}

// NewPromptRegistry creates the registry.
func NewPromptRegistry(configStore *store.ConfigStore, promptsDir string, log zerolog.Logger) *PromptRegistry {
	return &PromptRegistry{
		store:      configStore,
		promptsDir: promptsDir,
		log:        log.With().Str("component", "prompt_registry").Logger(),
		cache:      make(map[string]*domain.Prompt),
	}
}

// Initialize warms the cache, seeding the table from the prompts directory
// when it is empty.
func (r *PromptRegistry) Initialize() error {
	if err := r.Refresh(); err != nil {
		return err
	}

	r.mu.Lock()
	empty := len(r.cache) == 0
	r.mu.Unlock()

	if empty {
		if err := r.seedFromFiles(); err != nil {
			return err
		}
		if err := r.Refresh(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	count := len(r.cache)
	r.mu.Unlock()
	r.log.Info().Int("prompts", count).Msg("Prompt registry initialized")
	return nil
}

// Refresh reloads active prompts from the database.
func (r *PromptRegistry) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked()
}

func (r *PromptRegistry) refreshLocked() error {
	prompts, err := r.store.ListPrompts("", false)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to refresh prompt cache")
		return err
	}
	cache := make(map[string]*domain.Prompt, len(prompts))
	for _, p := range prompts {
		cache[p.Name+":"+p.Version] = p
	}
	r.cache = cache
	r.refreshedAt = time.Now()
	return nil
}

func (r *PromptRegistry) ensureFreshLocked() {
	if time.Since(r.refreshedAt) >= cacheTTL {
		_ = r.refreshLocked()
	}
}

// Get returns an active prompt by name and version, nil when absent.
func (r *PromptRegistry) Get(name, version string) *domain.Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureFreshLocked()
	return r.cache[name+":"+version]
}

// ContentHash is the SHA-256 hex digest used for prompt change detection and
// reproducibility records.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Render composes the model's wrapper with the core decision prompt:
// {enriched_event} and {constraints} are substituted into the core, then the
// rendered core replaces {core_prompt} in the wrapper. Returns the rendered
// prompt, its version identifier and its hash. Rendering is deterministic
// for fixed inputs.
func (r *PromptRegistry) Render(modelName string, enrichedEvent, constraints any, coreVersion, wrapperVersion string) (string, string, string, error) {
	if coreVersion == "" {
		coreVersion = "v1"
	}
	if wrapperVersion == "" {
		wrapperVersion = "v1"
	}

	core := r.Get("core_decision", coreVersion)
	if core == nil {
		return "", "", "", domain.NewError(domain.KindNotFound,
			fmt.Sprintf("core prompt version %s not found", coreVersion))
	}
	wrapper := r.Get(modelName+"_wrapper", wrapperVersion)
	if wrapper == nil {
		return "", "", "", domain.NewError(domain.KindNotFound,
			fmt.Sprintf("wrapper prompt for %s version %s not found", modelName, wrapperVersion))
	}

	eventJSON, err := json.MarshalIndent(enrichedEvent, "", "  ")
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal enriched event: %w", err)
	}
	constraintsJSON, err := json.MarshalIndent(constraints, "", "  ")
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal constraints: %w", err)
	}

	renderedCore := strings.ReplaceAll(core.Content, "{enriched_event}", string(eventJSON))
	renderedCore = strings.ReplaceAll(renderedCore, "{constraints}", string(constraintsJSON))
	rendered := strings.ReplaceAll(wrapper.Content, "{core_prompt}", renderedCore)

	version := fmt.Sprintf("%s_%s_core_%s", modelName, wrapperVersion, coreVersion)
	hash := ContentHash(wrapper.Content + core.Content)
	return rendered, version, hash, nil
}

// List returns prompts, optionally filtered by type and including inactive
// versions. Reads through to the database so operators see everything.
func (r *PromptRegistry) List(promptType string, includeInactive bool) ([]*domain.Prompt, error) {
	return r.store.ListPrompts(promptType, includeInactive)
}

// GetAny returns a prompt regardless of its active flag.
func (r *PromptRegistry) GetAny(name, version string) (*domain.Prompt, error) {
	return r.store.GetPrompt(name, version)
}

// Create inserts a new prompt version and refreshes the cache.
func (r *PromptRegistry) Create(p *domain.Prompt) error {
	if p.PromptType != domain.PromptTypeCore && p.PromptType != domain.PromptTypeWrapper {
		return domain.NewError(domain.KindValidation,
			fmt.Sprintf("invalid prompt_type: %s", p.PromptType))
	}
	if p.PromptType == domain.PromptTypeWrapper && p.ModelName == "" {
		return domain.NewError(domain.KindValidation, "model_name is required for wrapper prompts")
	}
	p.ContentHash = ContentHash(p.Content)
	if err := r.store.InsertPrompt(p); err != nil {
		return err
	}
	r.log.Info().Str("name", p.Name).Str("version", p.Version).Msg("Prompt created")
	return r.Refresh()
}

// Update replaces content of an existing prompt version and refreshes.
func (r *PromptRegistry) Update(name, version, content, description string) error {
	if err := r.store.UpdatePrompt(name, version, content, ContentHash(content), description); err != nil {
		return err
	}
	r.log.Info().Str("name", name).Str("version", version).Msg("Prompt updated")
	return r.Refresh()
}

// SetActive toggles a prompt version and refreshes.
func (r *PromptRegistry) SetActive(name, version string, active bool) error {
	if err := r.store.SetPromptActive(name, version, active); err != nil {
		return err
	}
	return r.Refresh()
}

// Delete removes a prompt version and refreshes.
func (r *PromptRegistry) Delete(name, version string) error {
	if err := r.store.DeletePrompt(name, version); err != nil {
		return err
	}
	r.log.Info().Str("name", name).Str("version", version).Msg("Prompt deleted")
	return r.Refresh()
}

// seedFromFiles loads markdown prompts from the configured directory.
func (r *PromptRegistry) seedFromFiles() error {
	entries, err := os.ReadDir(r.promptsDir)
	if err != nil {
		r.log.Warn().Str("dir", r.promptsDir).Err(err).Msg("Prompts directory not found, skipping seed")
		return nil
	}

	seeded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")

		var prompt domain.Prompt
		switch {
		case strings.HasPrefix(name, "core_decision_"):
			prompt = domain.Prompt{
				Name:       "core_decision",
				Version:    strings.TrimPrefix(name, "core_decision_"),
				PromptType: domain.PromptTypeCore,
			}
		case strings.Contains(name, "_wrapper_"):
			parts := strings.SplitN(name, "_wrapper_", 2)
			prompt = domain.Prompt{
				Name:       parts[0] + "_wrapper",
				Version:    parts[1],
				PromptType: domain.PromptTypeWrapper,
				ModelName:  parts[0],
			}
		default:
			continue
		}

		content, err := os.ReadFile(filepath.Join(r.promptsDir, entry.Name()))
		if err != nil {
			r.log.Error().Err(err).Str("file", entry.Name()).Msg("Failed to read prompt file")
			continue
		}
		prompt.Content = string(content)
		prompt.ContentHash = ContentHash(prompt.Content)
		prompt.IsActive = true
		prompt.Description = fmt.Sprintf("Seeded from %s", entry.Name())

		if err := r.store.InsertPrompt(&prompt); err != nil {
			r.log.Error().Err(err).Str("file", entry.Name()).Msg("Failed to seed prompt")
			continue
		}
		seeded++
	}

	r.log.Info().Int("seeded", seeded).Msg("Prompts seeded from files")
	return nil
}
