package domain

import (
	"encoding/json"
	"time"
)

// Decision is an AI model's recommendation for a signal.
type Decision string

const (
	DecisionFollowEnter Decision = "FOLLOW_ENTER"
	DecisionIgnore      Decision = "IGNORE"
	DecisionFollowExit  Decision = "FOLLOW_EXIT"
	DecisionHold        Decision = "HOLD"
	DecisionTightenStop Decision = "TIGHTEN_STOP"
)

// ValidDecisions is the closed set of decision values a model may emit.
var ValidDecisions = map[Decision]bool{
	DecisionFollowEnter: true,
	DecisionIgnore:      true,
	DecisionFollowExit:  true,
	DecisionHold:        true,
	DecisionTightenStop: true,
}

// DecisionStatus describes the outcome of one model evaluation attempt.
type DecisionStatus string

const (
	DecisionStatusOK            DecisionStatus = "ok"
	DecisionStatusTimeout       DecisionStatus = "timeout"
	DecisionStatusRateLimited   DecisionStatus = "rate_limited"
	DecisionStatusAPIError      DecisionStatus = "api_error"
	DecisionStatusSchemaError   DecisionStatus = "schema_error"
	DecisionStatusNetworkError  DecisionStatus = "network_error"
	DecisionStatusInvalidConfig DecisionStatus = "invalid_config"
)

// EntryPlan describes how to enter a position if the decision is followed.
type EntryPlan struct {
	Type      string   `json:"type"` // market or limit
	OffsetBps *float64 `json:"offset_bps,omitempty"`
}

// RiskPlan describes stop placement for a followed decision.
type RiskPlan struct {
	StopMethod  string   `json:"stop_method"` // fixed, atr, trailing
	ATRMultiple *float64 `json:"atr_multiple,omitempty"`
	TrailPct    *float64 `json:"trail_pct,omitempty"`
	StopPrice   *float64 `json:"stop_price,omitempty"`
}

// DecisionOutput is the schema-validated body of a model decision, the shape
// models are asked to produce and the shape broadcast to subscribers.
type DecisionOutput struct {
	Decision   Decision   `json:"decision"`
	Confidence float64    `json:"confidence"`
	EntryPlan  *EntryPlan `json:"entry_plan,omitempty"`
	RiskPlan   *RiskPlan  `json:"risk_plan,omitempty"`
	SizePct    *float64   `json:"size_pct,omitempty"`
	Reasons    []string   `json:"reasons"`
}

// ModelDecision is one evaluation attempt by one model for one event,
// including failed attempts. Invariant: status ok implies a valid decision
// and confidence in [0,1]; any other status implies IGNORE with confidence 0.
type ModelDecision struct {
	ID              string
	EventID         string
	ModelName       string
	ModelVersion    string
	PromptVersion   string
	PromptHash      string
	Decision        Decision
	Confidence      float64
	EntryPlan       *EntryPlan
	RiskPlan        *RiskPlan
	SizePct         *float64
	Reasons         []string
	DecisionPayload json.RawMessage
	Latency         time.Duration
	TokensIn        int
	TokensOut       int
	Status          DecisionStatus
	ErrorCode       string
	ErrorMessage    string
	RawResponse     string // populated only on error, for debugging
	EvaluatedAt     time.Time
}

// DLQStage identifies which pipeline stage produced a DLQ entry and is the
// unit of retry routing.
type DLQStage string

const (
	StageEnqueue  DLQStage = "enqueue"
	StageEnrich   DLQStage = "enrich"
	StageEvaluate DLQStage = "evaluate"
	StagePublish  DLQStage = "publish"
)

// LegacyStageAliases maps stage names written by earlier releases to their
// canonical values. Applied both when filtering and when routing retries.
// Retire entries once the database is known to contain only canonical values.
var LegacyStageAliases = map[string]DLQStage{
	"enrichment": StageEnrich,
	"evaluation": StageEvaluate,
}

// CanonicalStage resolves a possibly-legacy stage name. The second return
// value is false for unknown stages.
func CanonicalStage(stage string) (DLQStage, bool) {
	if canonical, ok := LegacyStageAliases[stage]; ok {
		return canonical, true
	}
	switch DLQStage(stage) {
	case StageEnqueue, StageEnrich, StageEvaluate, StagePublish:
		return DLQStage(stage), true
	}
	return "", false
}

// DLQEntry is one failed processing attempt that exhausted its retries.
// EventID is empty only for ingress failures that never got an id assigned.
type DLQEntry struct {
	ID             string
	EventID        string
	Stage          DLQStage
	ReasonCode     string
	ErrorMessage   string
	Payload        json.RawMessage
	RetryCount     int
	LastRetryAt    *time.Time
	ResolvedAt     *time.Time
	ResolutionNote string
	CreatedAt      time.Time
}

// Resolved reports whether the entry has been manually resolved. Resolved
// entries cannot be retried.
func (e *DLQEntry) Resolved() bool {
	return e.ResolvedAt != nil
}

// LLMConfig is the runtime-mutable credential and parameter record for one
// model, owned by operators through the admin API.
type LLMConfig struct {
	ModelName        string
	Enabled          bool
	Provider         string
	APIKey           string
	ModelID          string
	Timeout          time.Duration
	MaxTokens        int
	ValidationStatus string
	LastValidatedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Configured reports whether the config has enough to make real calls.
func (c *LLMConfig) Configured() bool {
	return c.APIKey != "" && c.ModelID != ""
}

// Prompt kinds: core holds the shared decision body, wrapper the per-provider
// framing that references the core.
const (
	PromptTypeCore    = "core"
	PromptTypeWrapper = "wrapper"
)

// Prompt is a versioned prompt record, unique on (name, version).
type Prompt struct {
	ID          string
	Name        string
	Version     string
	PromptType  string
	ModelName   string // wrappers only
	Content     string
	ContentHash string
	IsActive    bool
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
