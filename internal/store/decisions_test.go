package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/lens/internal/domain"
)

func okDecision(eventID, model string) *domain.ModelDecision {
	offset := -5.0
	sizePct := 15.0
	atrMult := 2.0
	return &domain.ModelDecision{
		EventID:         eventID,
		ModelName:       model,
		ModelVersion:    "gpt-4o",
		PromptVersion:   "chatgpt_v1_core_v1",
		PromptHash:      "abc123",
		Decision:        domain.DecisionFollowEnter,
		Confidence:      0.78,
		EntryPlan:       &domain.EntryPlan{Type: "limit", OffsetBps: &offset},
		RiskPlan:        &domain.RiskPlan{StopMethod: "atr", ATRMultiple: &atrMult},
		SizePct:         &sizePct,
		Reasons:         []string{"bullish_trend", "funding_favorable"},
		DecisionPayload: json.RawMessage(`{"decision":"FOLLOW_ENTER"}`),
		Latency:         1800 * time.Millisecond,
		TokensIn:        1200,
		TokensOut:       140,
		Status:          domain.DecisionStatusOK,
	}
}

func TestDecisionInsertAndLoad(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())
	decisions := NewDecisionStore(db, zerolog.Nop())

	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))
	require.NoError(t, decisions.Insert(okDecision("ev-1", "chatgpt")))

	loaded, err := decisions.ForEvent("ev-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	d := loaded[0]
	assert.Equal(t, domain.DecisionFollowEnter, d.Decision)
	assert.InDelta(t, 0.78, d.Confidence, 1e-9)
	require.NotNil(t, d.EntryPlan)
	assert.Equal(t, "limit", d.EntryPlan.Type)
	require.NotNil(t, d.EntryPlan.OffsetBps)
	assert.Equal(t, -5.0, *d.EntryPlan.OffsetBps)
	require.NotNil(t, d.SizePct)
	assert.Equal(t, 15.0, *d.SizePct)
	assert.Equal(t, []string{"bullish_trend", "funding_favorable"}, d.Reasons)
	assert.Equal(t, 1800*time.Millisecond, d.Latency)
	assert.Equal(t, domain.DecisionStatusOK, d.Status)
}

func TestDecisionFailureRow(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())
	decisions := NewDecisionStore(db, zerolog.Nop())
	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))

	sizePct := 0.0
	failure := &domain.ModelDecision{
		EventID:         "ev-1",
		ModelName:       "gemini",
		Decision:        domain.DecisionIgnore,
		Confidence:      0,
		SizePct:         &sizePct,
		Reasons:         []string{"model_error_gemini", "fallback_decision"},
		DecisionPayload: json.RawMessage(`{"decision":"IGNORE"}`),
		Status:          domain.DecisionStatusTimeout,
		ErrorCode:       "TIMEOUT",
		ErrorMessage:    "request timed out after 30000ms",
		RawResponse:     "",
	}
	require.NoError(t, decisions.Insert(failure))

	loaded, err := decisions.ForEvent("ev-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, domain.DecisionStatusTimeout, loaded[0].Status)
	assert.Equal(t, domain.DecisionIgnore, loaded[0].Decision)
	assert.Zero(t, loaded[0].Confidence)
	assert.Equal(t, "TIMEOUT", loaded[0].ErrorCode)
}

func TestDecisionListAndCount(t *testing.T) {
	db := newTestDB(t)
	events := NewEventStore(db, zerolog.Nop())
	decisions := NewDecisionStore(db, zerolog.Nop())

	require.NoError(t, events.Insert(sampleEvent("ev-1", ""), nil, nil))
	eth := sampleEvent("ev-2", "")
	eth.Symbol = "ETH"
	require.NoError(t, events.Insert(eth, nil, nil))

	require.NoError(t, decisions.Insert(okDecision("ev-1", "chatgpt")))
	require.NoError(t, decisions.Insert(okDecision("ev-2", "gemini")))

	timeoutRow := okDecision("ev-1", "gemini")
	timeoutRow.Status = domain.DecisionStatusTimeout
	timeoutRow.Decision = domain.DecisionIgnore
	timeoutRow.Confidence = 0
	require.NoError(t, decisions.Insert(timeoutRow))

	byModel, total, err := decisions.List(DecisionFilter{ModelName: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, byModel, 2)

	bySymbol, total, err := decisions.List(DecisionFilter{Symbol: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "ev-2", bySymbol[0].EventID)

	byStatus, _, err := decisions.List(DecisionFilter{Status: "timeout"})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "gemini", byStatus[0].ModelName)

	okCount, err := decisions.CountOKForEvent("ev-1")
	require.NoError(t, err)
	assert.Equal(t, 1, okCount)
}
