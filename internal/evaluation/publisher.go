package evaluation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/hub"
	"github.com/sigmapilot/lens/internal/metrics"
	"github.com/sigmapilot/lens/pkg/logger"
)

// Publisher broadcasts decisions through the subscription hub and records
// publish metrics.
type Publisher struct {
	hub     *hub.Hub
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewPublisher creates a decision publisher.
func NewPublisher(h *hub.Hub, m *metrics.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		hub:     h,
		metrics: m,
		log:     log.With().Str("component", "publisher").Logger(),
	}
}

// PublishDecision broadcasts one decision to all matching subscribers.
// receivedAt, when known, feeds the end-to-end latency histogram.
func (p *Publisher) PublishDecision(
	ctx context.Context,
	eventID, symbol, eventType, model string,
	decision *domain.DecisionOutput,
	receivedAt *time.Time,
) (int, error) {
	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return 0, err
	}

	msg := &hub.DecisionMessage{
		Type:        "decision",
		EventID:     eventID,
		Symbol:      symbol,
		EventType:   eventType,
		Model:       model,
		Decision:    decisionJSON,
		PublishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	start := time.Now()
	subscribers := p.hub.Broadcast(ctx, msg)
	fanout := time.Since(start)

	p.metrics.SignalsPublished.WithLabelValues(model).Inc()
	if receivedAt != nil {
		p.metrics.EndToEndDuration.Observe(time.Since(*receivedAt).Seconds())
	}

	logger.Stage(p.log, "PUBLISHED", eventID, "completed").
		Str("model", model).
		Str("decision", string(decision.Decision)).
		Float64("confidence", decision.Confidence).
		Int("subscriber_count", subscribers).
		Int64("fanout_ms", fanout.Milliseconds()).
		Send()

	return subscribers, nil
}
