package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/database"
	"github.com/sigmapilot/lens/internal/domain"
)

// ConfigStore persists operator-owned configuration: per-model credentials
// and versioned prompts. The registry package layers its TTL caches on top.
type ConfigStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewConfigStore creates a config repository.
func NewConfigStore(db *database.DB, log zerolog.Logger) *ConfigStore {
	return &ConfigStore{
		db:  db.Conn(),
		log: log.With().Str("component", "config_store").Logger(),
	}
}

// ---- LLM configs ----

const llmConfigColumns = `model_name, enabled, provider, api_key, model_id,
	timeout_ms, max_tokens, validation_status, last_validated_at, created_at, updated_at`

// ListLLMConfigs returns all model configurations.
func (s *ConfigStore) ListLLMConfigs() ([]*domain.LLMConfig, error) {
	rows, err := s.db.Query(`SELECT ` + llmConfigColumns + ` FROM llm_configs ORDER BY model_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list llm configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.LLMConfig
	for rows.Next() {
		cfg, err := scanLLMConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// GetLLMConfig loads one model configuration.
func (s *ConfigStore) GetLLMConfig(modelName string) (*domain.LLMConfig, error) {
	row := s.db.QueryRow(`SELECT `+llmConfigColumns+` FROM llm_configs WHERE model_name = ?`, modelName)
	cfg, err := scanLLMConfig(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("llm config not found: %s", modelName))
	}
	return cfg, err
}

// UpsertLLMConfig creates or replaces a model configuration.
func (s *ConfigStore) UpsertLLMConfig(cfg *domain.LLMConfig) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO llm_configs (model_name, enabled, provider, api_key, model_id,
			timeout_ms, max_tokens, validation_status, last_validated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_name) DO UPDATE SET
			enabled = excluded.enabled,
			provider = excluded.provider,
			api_key = excluded.api_key,
			model_id = excluded.model_id,
			timeout_ms = excluded.timeout_ms,
			max_tokens = excluded.max_tokens,
			updated_at = excluded.updated_at`,
		cfg.ModelName,
		boolToInt(cfg.Enabled),
		cfg.Provider,
		cfg.APIKey,
		cfg.ModelID,
		cfg.Timeout.Milliseconds(),
		cfg.MaxTokens,
		nullStr(cfg.ValidationStatus),
		nullTimeStr(cfg.LastValidatedAt),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert llm config %s: %w", cfg.ModelName, err)
	}
	return nil
}

// SetLLMConfigEnabled flips the enabled flag. Returns not_found when the
// model has no configuration row.
func (s *ConfigStore) SetLLMConfigEnabled(modelName string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE llm_configs SET enabled = ?, updated_at = ? WHERE model_name = ?`,
		boolToInt(enabled), formatTime(time.Now()), modelName)
	if err != nil {
		return fmt.Errorf("failed to set enabled for %s: %w", modelName, err)
	}
	return requireRowAffected(res, "llm config", modelName)
}

// UpdateLLMValidation records the outcome of a credentials test.
func (s *ConfigStore) UpdateLLMValidation(modelName, status string) error {
	res, err := s.db.Exec(`UPDATE llm_configs SET validation_status = ?, last_validated_at = ?, updated_at = ?
		WHERE model_name = ?`,
		status, formatTime(time.Now()), formatTime(time.Now()), modelName)
	if err != nil {
		return fmt.Errorf("failed to update validation for %s: %w", modelName, err)
	}
	return requireRowAffected(res, "llm config", modelName)
}

// DeleteLLMConfig removes a model configuration.
func (s *ConfigStore) DeleteLLMConfig(modelName string) error {
	res, err := s.db.Exec(`DELETE FROM llm_configs WHERE model_name = ?`, modelName)
	if err != nil {
		return fmt.Errorf("failed to delete llm config %s: %w", modelName, err)
	}
	return requireRowAffected(res, "llm config", modelName)
}

func scanLLMConfig(row rowScanner) (*domain.LLMConfig, error) {
	var cfg domain.LLMConfig
	var enabled int
	var timeoutMs int64
	var validationStatus, lastValidatedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&cfg.ModelName, &enabled, &cfg.Provider, &cfg.APIKey, &cfg.ModelID,
		&timeoutMs, &cfg.MaxTokens, &validationStatus, &lastValidatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
	cfg.ValidationStatus = strOrEmpty(validationStatus)
	cfg.LastValidatedAt = timePtr(lastValidatedAt)
	cfg.CreatedAt = parseTime(createdAt)
	cfg.UpdatedAt = parseTime(updatedAt)
	return &cfg, nil
}

// ---- Prompts ----

const promptColumns = `id, name, version, prompt_type, model_name, content,
	content_hash, is_active, description, created_at, updated_at`

// ListPrompts returns prompts, optionally filtered by type and active flag.
func (s *ConfigStore) ListPrompts(promptType string, includeInactive bool) ([]*domain.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE 1=1`
	var args []any
	if promptType != "" {
		query += ` AND prompt_type = ?`
		args = append(args, promptType)
	}
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name, version`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*domain.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// GetPrompt loads one prompt by (name, version).
func (s *ConfigStore) GetPrompt(name, version string) (*domain.Prompt, error) {
	row := s.db.QueryRow(`SELECT `+promptColumns+` FROM prompts WHERE name = ? AND version = ?`,
		name, version)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindNotFound,
			fmt.Sprintf("prompt not found: %s %s", name, version))
	}
	return p, err
}

// InsertPrompt creates a new prompt version. Duplicates on (name, version)
// are rejected by the unique constraint.
func (s *ConfigStore) InsertPrompt(p *domain.Prompt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO prompts (id, name, version, prompt_type, model_name, content,
			content_hash, is_active, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Version, p.PromptType, nullStr(p.ModelName), p.Content,
		p.ContentHash, boolToInt(p.IsActive), nullStr(p.Description), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert prompt %s %s: %w", p.Name, p.Version, err)
	}
	return nil
}

// UpdatePrompt replaces content (and hash) of an existing prompt version.
func (s *ConfigStore) UpdatePrompt(name, version, content, contentHash, description string) error {
	res, err := s.db.Exec(`UPDATE prompts SET content = ?, content_hash = ?, description = ?, updated_at = ?
		WHERE name = ? AND version = ?`,
		content, contentHash, nullStr(description), formatTime(time.Now()), name, version)
	if err != nil {
		return fmt.Errorf("failed to update prompt %s %s: %w", name, version, err)
	}
	return requireRowAffected(res, "prompt", name+" "+version)
}

// SetPromptActive flips the active flag on a prompt version.
func (s *ConfigStore) SetPromptActive(name, version string, active bool) error {
	res, err := s.db.Exec(`UPDATE prompts SET is_active = ?, updated_at = ? WHERE name = ? AND version = ?`,
		boolToInt(active), formatTime(time.Now()), name, version)
	if err != nil {
		return fmt.Errorf("failed to set active for prompt %s %s: %w", name, version, err)
	}
	return requireRowAffected(res, "prompt", name+" "+version)
}

// DeletePrompt removes a prompt version.
func (s *ConfigStore) DeletePrompt(name, version string) error {
	res, err := s.db.Exec(`DELETE FROM prompts WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return fmt.Errorf("failed to delete prompt %s %s: %w", name, version, err)
	}
	return requireRowAffected(res, "prompt", name+" "+version)
}

func scanPrompt(row rowScanner) (*domain.Prompt, error) {
	var p domain.Prompt
	var modelName, description sql.NullString
	var isActive int
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.PromptType, &modelName, &p.Content,
		&p.ContentHash, &isActive, &description, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.ModelName = strOrEmpty(modelName)
	p.IsActive = isActive != 0
	p.Description = strOrEmpty(description)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowAffected(res sql.Result, entity, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NewError(domain.KindNotFound, fmt.Sprintf("%s not found: %s", entity, id))
	}
	return nil
}
