package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/lens/internal/domain"
)

func TestLLMConfigUpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	configs := NewConfigStore(db, zerolog.Nop())

	cfg := &domain.LLMConfig{
		ModelName: "chatgpt",
		Enabled:   true,
		Provider:  "openai",
		APIKey:    "sk-test",
		ModelID:   "gpt-4o",
		Timeout:   30 * time.Second,
		MaxTokens: 1000,
	}
	require.NoError(t, configs.UpsertLLMConfig(cfg))

	loaded, err := configs.GetLLMConfig("chatgpt")
	require.NoError(t, err)
	assert.True(t, loaded.Enabled)
	assert.Equal(t, "openai", loaded.Provider)
	assert.Equal(t, 30*time.Second, loaded.Timeout)
	assert.True(t, loaded.Configured())

	// Upsert replaces in place.
	cfg.ModelID = "gpt-4o-mini"
	require.NoError(t, configs.UpsertLLMConfig(cfg))
	loaded, err = configs.GetLLMConfig("chatgpt")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", loaded.ModelID)

	all, err := configs.ListLLMConfigs()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLLMConfigEnableValidateDelete(t *testing.T) {
	db := newTestDB(t)
	configs := NewConfigStore(db, zerolog.Nop())

	require.NoError(t, configs.UpsertLLMConfig(&domain.LLMConfig{
		ModelName: "gemini", Enabled: true, Provider: "google",
		APIKey: "k", ModelID: "gemini-1.5-pro",
		Timeout: 30 * time.Second, MaxTokens: 1000,
	}))

	require.NoError(t, configs.SetLLMConfigEnabled("gemini", false))
	loaded, err := configs.GetLLMConfig("gemini")
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)

	require.NoError(t, configs.UpdateLLMValidation("gemini", "valid"))
	loaded, err = configs.GetLLMConfig("gemini")
	require.NoError(t, err)
	assert.Equal(t, "valid", loaded.ValidationStatus)
	assert.NotNil(t, loaded.LastValidatedAt)

	require.NoError(t, configs.DeleteLLMConfig("gemini"))
	_, err = configs.GetLLMConfig("gemini")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	// Mutations on missing rows surface not_found.
	assert.Equal(t, domain.KindNotFound, domain.KindOf(configs.SetLLMConfigEnabled("gemini", true)))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(configs.DeleteLLMConfig("gemini")))
}

func TestPromptCRUD(t *testing.T) {
	db := newTestDB(t)
	configs := NewConfigStore(db, zerolog.Nop())

	prompt := &domain.Prompt{
		Name:        "core_decision",
		Version:     "v1",
		PromptType:  domain.PromptTypeCore,
		Content:     "Evaluate {enriched_event} within {constraints}.",
		ContentHash: "h1",
		IsActive:    true,
	}
	require.NoError(t, configs.InsertPrompt(prompt))

	// (name, version) is unique.
	dup := *prompt
	dup.ID = ""
	require.Error(t, configs.InsertPrompt(&dup))

	loaded, err := configs.GetPrompt("core_decision", "v1")
	require.NoError(t, err)
	assert.Equal(t, domain.PromptTypeCore, loaded.PromptType)
	assert.True(t, loaded.IsActive)

	require.NoError(t, configs.UpdatePrompt("core_decision", "v1", "new content", "h2", "revised"))
	loaded, err = configs.GetPrompt("core_decision", "v1")
	require.NoError(t, err)
	assert.Equal(t, "new content", loaded.Content)
	assert.Equal(t, "h2", loaded.ContentHash)

	require.NoError(t, configs.SetPromptActive("core_decision", "v1", false))
	active, err := configs.ListPrompts("", false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := configs.ListPrompts("", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, configs.DeletePrompt("core_decision", "v1"))
	_, err = configs.GetPrompt("core_decision", "v1")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestPromptListByType(t *testing.T) {
	db := newTestDB(t)
	configs := NewConfigStore(db, zerolog.Nop())

	require.NoError(t, configs.InsertPrompt(&domain.Prompt{
		Name: "core_decision", Version: "v1", PromptType: domain.PromptTypeCore,
		Content: "core", ContentHash: "c", IsActive: true,
	}))
	require.NoError(t, configs.InsertPrompt(&domain.Prompt{
		Name: "chatgpt_wrapper", Version: "v1", PromptType: domain.PromptTypeWrapper,
		ModelName: "chatgpt", Content: "{core_prompt}", ContentHash: "w", IsActive: true,
	}))

	wrappers, err := configs.ListPrompts(domain.PromptTypeWrapper, false)
	require.NoError(t, err)
	require.Len(t, wrappers, 1)
	assert.Equal(t, "chatgpt", wrappers[0].ModelName)
}
