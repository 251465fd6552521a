// Package domain holds the value types and constants shared by every stage of
// the pipeline. Stages pass these plain values around; persistence is handled
// by the store package, joined on event_id.
package domain

import (
	"encoding/json"
	"time"
)

// EventType classifies an incoming signal.
type EventType string

const (
	EventTypeOpenSignal  EventType = "OPEN_SIGNAL"
	EventTypeCloseSignal EventType = "CLOSE_SIGNAL"
)

// EventStatus is the lifecycle state of an event. Transitions are monotonic
// along queued -> enriched/enrichment_partial -> evaluated -> published, with
// rejected, failed and dlq as absorbing terminals.
type EventStatus string

const (
	StatusQueued            EventStatus = "queued"
	StatusEnriched          EventStatus = "enriched"
	StatusEnrichmentPartial EventStatus = "enrichment_partial"
	StatusEvaluated         EventStatus = "evaluated"
	StatusPublished         EventStatus = "published"
	StatusFailed            EventStatus = "failed"
	StatusRejected          EventStatus = "rejected"
	StatusDLQ               EventStatus = "dlq"
)

// statusRank orders statuses along the happy path; the failure terminals
// (rejected, failed, dlq) rank highest. CanTransition also refuses every
// move out of a terminal status, published included.
var statusRank = map[EventStatus]int{
	StatusQueued:            0,
	StatusEnriched:          1,
	StatusEnrichmentPartial: 1,
	StatusEvaluated:         2,
	StatusPublished:         3,
	StatusRejected:          4,
	StatusFailed:            4,
	StatusDLQ:               4,
}

// CanTransition reports whether moving from one status to another respects
// the monotonic state machine.
func CanTransition(from, to EventStatus) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	return toRank > fromRank
}

// IsTerminal reports whether a status accepts no further transitions.
func (s EventStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusPublished, StatusFailed, StatusDLQ:
		return true
	}
	return false
}

// Event is the canonical ingress record. Exactly one row exists per event_id
// and per non-null idempotency key. Created at ingress, mutated only by the
// owning stage worker, never deleted.
type Event struct {
	ID               string
	EventID          string
	IdempotencyKey   string // empty when the submitter supplied none
	EventType        EventType
	Symbol           string
	SignalDirection  string
	EntryPrice       float64
	Size             float64
	LiquidationPrice float64
	SignalTimestamp  time.Time
	Source           string
	FeatureProfile   string
	Status           EventStatus
	ReceivedAt       time.Time
	EnrichedAt       *time.Time
	EvaluatedAt      *time.Time
	PublishedAt      *time.Time
	RawPayload       json.RawMessage
}

// SignalPayload is the wire shape of a submitted signal, both at the HTTP
// ingress and inside queue messages.
type SignalPayload struct {
	EventType        string  `json:"event_type"`
	Symbol           string  `json:"symbol"`
	SignalDirection  string  `json:"signal_direction"`
	EntryPrice       float64 `json:"entry_price"`
	Size             float64 `json:"size"`
	LiquidationPrice float64 `json:"liquidation_price"`
	TsUTC            string  `json:"ts_utc"`
	Source           string  `json:"source"`
}

// QualityFlags records data-quality findings from enrichment. Flags are
// advisory: a stale source forwards downstream, a total provider failure
// does not.
type QualityFlags struct {
	Stale          []string `json:"stale"`
	Missing        []string `json:"missing"`
	OutOfRange     []string `json:"out_of_range"`
	ProviderErrors []string `json:"provider_errors"`
}

// HasProviderErrors reports whether any provider fetch failed.
func (q QualityFlags) HasProviderErrors() bool {
	return len(q.ProviderErrors) > 0
}

// EnrichedEvent is the one-to-one enrichment record for an Event. Immutable
// after creation.
type EnrichedEvent struct {
	ID                 string
	EventID            string
	FeatureProfile     string
	Provider           string
	ProviderVersion    string
	MarketData         json.RawMessage
	TAData             json.RawMessage
	LevelsData         json.RawMessage
	DerivsData         json.RawMessage
	Constraints        json.RawMessage
	DataTimestamps     map[string]string
	QualityFlags       QualityFlags
	EnrichedPayload    json.RawMessage
	EnrichedAt         time.Time
	EnrichmentDuration time.Duration
}

// TimelineEntry is one append-only state transition in an event's processing
// history.
type TimelineEntry struct {
	ID        string
	EventID   string
	Status    string
	Details   map[string]any
	Timestamp time.Time
}

// Timeline status names, in happy-path order.
const (
	TimelineReceived  = "RECEIVED"
	TimelineEnqueued  = "ENQUEUED"
	TimelineEnriched  = "ENRICHED"
	TimelineEvaluated = "EVALUATED"
	TimelinePublished = "PUBLISHED"
	TimelineRejected  = "REJECTED"
)
