package evaluation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOutput() map[string]any {
	return map[string]any{
		"decision":   "FOLLOW_ENTER",
		"confidence": 0.78,
		"entry_plan": map[string]any{"type": "limit", "offset_bps": -5.0},
		"risk_plan":  map[string]any{"stop_method": "atr", "atr_multiple": 2.0},
		"size_pct":   15.0,
		"reasons":    []any{"bullish_trend", "ema_bullish_stack"},
	}
}

func TestValidateDecisionOutputValid(t *testing.T) {
	assert.Empty(t, ValidateDecisionOutput(validOutput()))
}

func TestValidateDecisionOutputErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantSub string
	}{
		{"missing decision", func(o map[string]any) { delete(o, "decision") }, "missing required field: decision"},
		{"invalid decision", func(o map[string]any) { o["decision"] = "BUY" }, "invalid decision"},
		{"missing confidence", func(o map[string]any) { delete(o, "confidence") }, "missing required field: confidence"},
		{"confidence over 1", func(o map[string]any) { o["confidence"] = 1.5 }, "between 0 and 1"},
		{"confidence not a number", func(o map[string]any) { o["confidence"] = "high" }, "must be a number"},
		{"missing reasons", func(o map[string]any) { delete(o, "reasons") }, "missing required field: reasons"},
		{"empty reasons", func(o map[string]any) { o["reasons"] = []any{} }, "at least one element"},
		{"non-string reason", func(o map[string]any) { o["reasons"] = []any{"ok", 7.0} }, "all reasons must be strings"},
		{"bad entry type", func(o map[string]any) {
			o["entry_plan"] = map[string]any{"type": "stop"}
		}, "entry_plan.type"},
		{"entry plan not object", func(o map[string]any) { o["entry_plan"] = "limit" }, "entry_plan must be an object"},
		{"bad stop method", func(o map[string]any) {
			o["risk_plan"] = map[string]any{"stop_method": "mental"}
		}, "stop_method"},
		{"atr multiple too low", func(o map[string]any) {
			o["risk_plan"] = map[string]any{"stop_method": "atr", "atr_multiple": 0.4}
		}, "atr_multiple must be between 0.5 and 10"},
		{"trail pct too high", func(o map[string]any) {
			o["risk_plan"] = map[string]any{"stop_method": "trailing", "trail_pct": 120.0}
		}, "trail_pct must be between 0 and 100"},
		{"size pct negative", func(o map[string]any) { o["size_pct"] = -1.0 }, "size_pct must be between 0 and 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := validOutput()
			tt.mutate(output)
			errs := ValidateDecisionOutput(output)
			require.NotEmpty(t, errs)
			found := false
			for _, e := range errs {
				if strings.Contains(e, tt.wantSub) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected error containing %q, got %v", tt.wantSub, errs)
		})
	}
}

func TestValidateDecisionOutputCollectsAllErrors(t *testing.T) {
	// Every violation is reported; validation never short-circuits.
	output := map[string]any{
		"decision":   "BUY",
		"confidence": 2.0,
		"reasons":    []any{},
		"size_pct":   -5.0,
	}
	errs := ValidateDecisionOutput(output)
	assert.Len(t, errs, 4)
}

func TestValidateDecisionOutputNil(t *testing.T) {
	errs := ValidateDecisionOutput(nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "JSON object")
}

func TestNormalizeDecisionOutput(t *testing.T) {
	normalized := NormalizeDecisionOutput(map[string]any{
		"decision":   "FOLLOW_ENTER",
		"confidence": 1.7,
		"size_pct":   150.0,
		"reasons":    []any{"r1"},
	})

	assert.Equal(t, "FOLLOW_ENTER", normalized["decision"])
	assert.Equal(t, 1.0, normalized["confidence"])
	assert.Equal(t, 100.0, normalized["size_pct"])
	assert.Equal(t, []any{"r1"}, normalized["reasons"])
}

func TestNormalizeDecisionOutputDefaults(t *testing.T) {
	normalized := NormalizeDecisionOutput(map[string]any{})
	assert.Equal(t, "IGNORE", normalized["decision"])
	assert.Equal(t, 0.5, normalized["confidence"])
	assert.Equal(t, []any{"unknown"}, normalized["reasons"])
	assert.Nil(t, normalized["entry_plan"])
	assert.Nil(t, normalized["risk_plan"])
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []map[string]any{
		validOutput(),
		{},
		{"decision": "HOLD", "confidence": -3.0, "size_pct": 400.0},
	}
	for _, input := range inputs {
		once := NormalizeDecisionOutput(input)
		twice := NormalizeDecisionOutput(once)
		assert.Equal(t, once, twice)
	}
}

func TestFallbackDecision(t *testing.T) {
	fallback := FallbackDecision("chatgpt")
	assert.Equal(t, "IGNORE", fallback["decision"])
	assert.Equal(t, 0.0, fallback["confidence"])
	assert.Equal(t, []any{"model_error_chatgpt", "fallback_decision"}, fallback["reasons"])

	// The fallback itself passes schema validation.
	assert.Empty(t, ValidateDecisionOutput(fallback))
}

func TestParseJSONResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain json", `{"decision": "HOLD"}`, false},
		{"fenced json", "```json\n{\"decision\": \"HOLD\"}\n```", false},
		{"fenced no lang", "```\n{\"decision\": \"HOLD\"}\n```", false},
		{"leading whitespace", "  \n {\"decision\": \"HOLD\"}", false},
		{"empty", "", true},
		{"prose", "I think you should buy.", true},
		{"truncated", `{"decision": "HOL`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parseJSONResponse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "HOLD", parsed["decision"])
		})
	}
}

func TestToDecisionOutput(t *testing.T) {
	decision, err := ToDecisionOutput(NormalizeDecisionOutput(validOutput()))
	require.NoError(t, err)
	assert.Equal(t, "FOLLOW_ENTER", string(decision.Decision))
	assert.InDelta(t, 0.78, decision.Confidence, 1e-9)
	require.NotNil(t, decision.EntryPlan)
	assert.Equal(t, "limit", decision.EntryPlan.Type)
	require.NotNil(t, decision.SizePct)
	assert.Equal(t, 15.0, *decision.SizePct)
	assert.Equal(t, []string{"bullish_trend", "ema_bullish_stack"}, decision.Reasons)
}
