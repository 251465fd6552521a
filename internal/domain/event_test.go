package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from EventStatus
		to   EventStatus
		want bool
	}{
		{"queued to enriched", StatusQueued, StatusEnriched, true},
		{"queued to enrichment_partial", StatusQueued, StatusEnrichmentPartial, true},
		{"queued to rejected", StatusQueued, StatusRejected, true},
		{"queued to failed", StatusQueued, StatusFailed, true},
		{"queued to dlq", StatusQueued, StatusDLQ, true},
		{"enriched to evaluated", StatusEnriched, StatusEvaluated, true},
		{"partial to evaluated", StatusEnrichmentPartial, StatusEvaluated, true},
		{"evaluated to published", StatusEvaluated, StatusPublished, true},
		{"evaluated to failed", StatusEvaluated, StatusFailed, true},

		// Backwards and lateral moves are illegal.
		{"enriched to queued", StatusEnriched, StatusQueued, false},
		{"evaluated to enriched", StatusEvaluated, StatusEnriched, false},
		{"enriched to partial", StatusEnriched, StatusEnrichmentPartial, false},
		{"queued to queued", StatusQueued, StatusQueued, false},

		// Terminal states absorb.
		{"rejected to evaluated", StatusRejected, StatusEvaluated, false},
		{"published to failed", StatusPublished, StatusFailed, false},
		{"failed to published", StatusFailed, StatusPublished, false},
		{"dlq to published", StatusDLQ, StatusPublished, false},

		{"unknown from", EventStatus("bogus"), StatusEnriched, false},
		{"unknown to", StatusQueued, EventStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusRejected.IsTerminal())
	assert.True(t, StatusPublished.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusDLQ.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusEnriched.IsTerminal())
	assert.False(t, StatusEnrichmentPartial.IsTerminal())
	assert.False(t, StatusEvaluated.IsTerminal())
}

func TestCanonicalStage(t *testing.T) {
	tests := []struct {
		input string
		want  DLQStage
		ok    bool
	}{
		{"enqueue", StageEnqueue, true},
		{"enrich", StageEnrich, true},
		{"evaluate", StageEvaluate, true},
		{"publish", StagePublish, true},
		// Legacy aliases map to canonical values.
		{"enrichment", StageEnrich, true},
		{"evaluation", StageEvaluate, true},
		{"bogus", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := CanonicalStage(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQualityFlagsHasProviderErrors(t *testing.T) {
	assert.False(t, QualityFlags{}.HasProviderErrors())
	assert.False(t, QualityFlags{Stale: []string{"mid_ts"}}.HasProviderErrors())
	assert.True(t, QualityFlags{ProviderErrors: []string{"ticker: boom"}}.HasProviderErrors())
}
