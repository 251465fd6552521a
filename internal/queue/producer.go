package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Producer enqueues signals for processing. Messages carry the JSON payload
// plus string retry_count and event_id fields; producers never block on
// consumers, the stream is the buffer.
type Producer struct {
	client *Client
	log    zerolog.Logger
}

// NewProducer creates a stream producer.
func NewProducer(client *Client, log zerolog.Logger) *Producer {
	return &Producer{
		client: client,
		log:    log.With().Str("component", "queue_producer").Logger(),
	}
}

func (p *Producer) enqueue(ctx context.Context, stream, eventID string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for %s: %w", eventID, err)
	}
	return p.client.Append(ctx, stream, map[string]any{
		"event_id":    eventID,
		"payload":     string(data),
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		"retry_count": "0",
	})
}

// EnqueueSignal produces a raw signal to the pending stream.
func (p *Producer) EnqueueSignal(ctx context.Context, eventID string, payload any) (string, error) {
	id, err := p.enqueue(ctx, StreamPending, eventID, payload)
	if err != nil {
		return "", err
	}
	p.log.Debug().Str("event_id", eventID).Str("stream_id", id).Msg("Signal enqueued")
	return id, nil
}

// EnqueueEnriched produces an enriched payload to the evaluation stream.
func (p *Producer) EnqueueEnriched(ctx context.Context, eventID string, payload any) (string, error) {
	id, err := p.enqueue(ctx, StreamEnriched, eventID, payload)
	if err != nil {
		return "", err
	}
	p.log.Debug().Str("event_id", eventID).Str("stream_id", id).Msg("Enriched signal enqueued")
	return id, nil
}

// PendingDepth returns the number of entries in the pending stream.
func (p *Producer) PendingDepth(ctx context.Context) (int64, error) {
	return p.client.Length(ctx, StreamPending)
}

// EnrichedDepth returns the number of entries awaiting evaluation.
func (p *Producer) EnrichedDepth(ctx context.Context) (int64, error) {
	return p.client.Length(ctx, StreamEnriched)
}

// DLQDepth returns the number of entries on the dlq stream.
func (p *Producer) DLQDepth(ctx context.Context) (int64, error) {
	return p.client.Length(ctx, StreamDLQ)
}
