package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
)

// Handler processes one message. A nil return acks the message; an error
// return triggers retry and eventually dead-lettering. Handlers that decide a
// message must not be retried (for example a rejected signal) handle that
// outcome themselves and return nil.
type Handler interface {
	ProcessMessage(ctx context.Context, eventID string, payload []byte) error
	Stage() domain.DLQStage
}

// NonRetryableError marks a failure that retrying cannot fix (for example a
// message whose event row does not exist). The consumer dead-letters it
// immediately instead of burning the retry budget.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// DLQSink receives entries whose retries are exhausted. Satisfied by
// store.DLQStore.
type DLQSink interface {
	Insert(entry *domain.DLQEntry) error
}

// StatusMarker moves an event into the dlq status when its message is
// dead-lettered. Satisfied by store.EventStore.
type StatusMarker interface {
	TransitionStatus(eventID string, to domain.EventStatus, timelineStatus string, details map[string]any) error
}

// DLQCounter records dead-letter metrics. main wires it as a closure over the
// DLQ entries counter.
type DLQCounter func(stage, reasonCode string)

// RetryPolicy controls redelivery of failed messages.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Backoff returns the delay before retry n (0-based): base * 2^n with ±25%
// jitter, capped at MaxDelay before jitter.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(retryCount))
	if capped := float64(p.MaxDelay); delay > capped {
		delay = capped
	}
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	return time.Duration(delay + jitter)
}

// Consumer is the shared worker loop over one stream and consumer group.
// Each delivered message is dispatched on its own goroutine so the loop can
// keep reading; in-flight handlers get a bounded grace window on shutdown.
type Consumer struct {
	client       *Client
	stream       string
	group        string
	consumerName string
	handler      Handler
	retry        RetryPolicy
	dlq          DLQSink
	dlqEnabled   bool
	events       StatusMarker
	countDLQ     DLQCounter
	batchSize    int
	block        time.Duration
	grace        time.Duration
	log          zerolog.Logger

	wg sync.WaitGroup
}

// ConsumerConfig bundles consumer construction parameters.
type ConsumerConfig struct {
	Client       *Client
	Stream       string
	Group        string
	ConsumerName string
	Handler      Handler
	Retry        RetryPolicy
	DLQ          DLQSink
	DLQEnabled   bool
	Events       StatusMarker
	CountDLQ     DLQCounter
	BatchSize    int
	Block        time.Duration
	Log          zerolog.Logger
}

// NewConsumer creates a consumer loop.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Consumer{
		client:       cfg.Client,
		stream:       cfg.Stream,
		group:        cfg.Group,
		consumerName: cfg.ConsumerName,
		handler:      cfg.Handler,
		retry:        cfg.Retry,
		dlq:          cfg.DLQ,
		dlqEnabled:   cfg.DLQEnabled,
		events:       cfg.Events,
		countDLQ:     cfg.CountDLQ,
		batchSize:    batchSize,
		block:        block,
		grace:        10 * time.Second,
		log: cfg.Log.With().
			Str("component", "queue_consumer").
			Str("stream", cfg.Stream).
			Str("consumer", cfg.ConsumerName).
			Logger(),
	}
}

// Run executes the consumer loop until ctx is cancelled, then waits up to the
// grace window for in-flight handlers.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.client.EnsureGroup(ctx, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	c.log.Info().Str("group", c.group).Msg("Consumer started")

	for {
		select {
		case <-ctx.Done():
			return c.drain()
		default:
		}

		messages, err := c.client.ReadGroup(ctx, c.stream, c.group, c.consumerName, c.batchSize, c.block)
		if err != nil {
			if ctx.Err() != nil {
				return c.drain()
			}
			c.log.Error().Err(err).Msg("Consumer read failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return c.drain()
			}
			continue
		}

		for _, msg := range messages {
			c.wg.Add(1)
			go func(msg Message) {
				defer c.wg.Done()
				c.handleMessage(ctx, msg)
			}(msg)
		}
	}
}

// drain waits for in-flight handlers, bounded by the grace window.
func (c *Consumer) drain() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info().Msg("Consumer stopped cleanly")
	case <-time.After(c.grace):
		c.log.Warn().Msg("Consumer grace window expired with handlers in flight")
	}
	return nil
}

// handleMessage runs the handler and applies the retry / dead-letter policy.
// Retries are re-appended entries with an incremented retry_count, and the
// source message is then acked. It stays unacked only when shutdown
// interrupts the backoff or the re-append fails.
func (c *Consumer) handleMessage(ctx context.Context, msg Message) {
	eventID := msg.Fields["event_id"]
	retryCount, _ := strconv.Atoi(msg.Fields["retry_count"])
	payload := []byte(msg.Fields["payload"])

	err := c.process(ctx, eventID, payload)
	if err == nil {
		c.ack(msg.ID)
		return
	}

	c.log.Warn().Err(err).
		Str("event_id", eventID).
		Int("retry_count", retryCount).
		Msg("Message processing failed")

	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		c.deadLetter(ctx, eventID, payload, retryCount, err)
		c.ack(msg.ID)
		return
	}

	if retryCount < c.retry.MaxRetries {
		delay := c.retry.Backoff(retryCount)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Shutdown during backoff: leave the message unacked so the
			// substrate redelivers it to another consumer.
			return
		}

		fields := map[string]any{
			"event_id":    eventID,
			"payload":     string(payload),
			"enqueued_at": msg.Fields["enqueued_at"],
			"retry_count": strconv.Itoa(retryCount + 1),
		}
		if _, appendErr := c.client.Append(ctx, c.stream, fields); appendErr != nil {
			c.log.Error().Err(appendErr).Str("event_id", eventID).Msg("Failed to re-enqueue for retry")
			// Leave unacked; the pending entry will be claimed later.
			return
		}
	} else {
		c.deadLetter(ctx, eventID, payload, retryCount, err)
	}

	c.ack(msg.ID)
}

// process shields the loop from handler panics; a panic counts as a failure.
func (c *Consumer) process(ctx context.Context, eventID string, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in handler: %v", p)
		}
	}()
	return c.handler.ProcessMessage(ctx, eventID, payload)
}

func (c *Consumer) ack(id string) {
	if err := c.client.Ack(context.Background(), c.stream, c.group, id); err != nil {
		c.log.Error().Err(err).Str("stream_id", id).Msg("Failed to ack message")
	}
}

// deadLetter writes the exhausted message to the dlq_entries table and
// mirrors it on the dlq stream.
func (c *Consumer) deadLetter(ctx context.Context, eventID string, payload []byte, retryCount int, cause error) {
	if !c.dlqEnabled || c.dlq == nil {
		return
	}

	stage := c.handler.Stage()
	reasonCode := reasonCodeFor(cause)

	entry := &domain.DLQEntry{
		EventID:      eventID,
		Stage:        stage,
		ReasonCode:   reasonCode,
		ErrorMessage: cause.Error(),
		Payload:      json.RawMessage(payload),
		RetryCount:   retryCount,
	}
	if err := c.dlq.Insert(entry); err != nil {
		c.log.Error().Err(err).Str("event_id", eventID).Msg("Failed to write DLQ entry")
	}

	fields := map[string]any{
		"event_id":      eventID,
		"stage":         string(stage),
		"reason_code":   reasonCode,
		"error_message": cause.Error(),
		"payload":       string(payload),
		"retry_count":   strconv.Itoa(retryCount),
		"failed_at":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := c.client.Append(ctx, StreamDLQ, fields); err != nil {
		c.log.Error().Err(err).Str("event_id", eventID).Msg("Failed to mirror DLQ entry to stream")
	}

	if c.events != nil && eventID != "" {
		err := c.events.TransitionStatus(eventID, domain.StatusDLQ, "", map[string]any{
			"stage":       string(stage),
			"reason_code": reasonCode,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("event_id", eventID).Msg("Failed to mark event dlq")
		}
	}
	if c.countDLQ != nil {
		c.countDLQ(string(stage), reasonCode)
	}

	c.log.Error().
		Str("event_id", eventID).
		Str("dlq_stage", string(stage)).
		Str("reason_code", reasonCode).
		Msg("Message dead-lettered after exhausting retries")
}

// reasonCodeFor maps an error chain to a stable DLQ reason code.
func reasonCodeFor(err error) string {
	kind := domain.KindOf(err)
	return strings.ToLower(string(kind))
}
