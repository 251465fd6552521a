// Package hub implements the subscription hub: long-lived WebSocket
// subscribers with per-subscriber filter predicates, broadcast that never
// stalls on a slow consumer, and eviction of dead connections.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/sigmapilot/lens/internal/metrics"
)

// Close codes used on the subscription transport.
const (
	CloseDisabled          websocket.StatusCode = 1000
	CloseAuthRequired      websocket.StatusCode = 4001
	CloseInsufficientScope websocket.StatusCode = 4003
	CloseTooManyConns      websocket.StatusCode = 4029
)

const writeTimeout = 10 * time.Second

// Filters is a conjunction over up to three fields; an empty filter matches
// every decision. Matching is O(1) per field.
type Filters struct {
	Model     string `json:"model,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// Matches reports whether a decision message satisfies the filter.
func (f Filters) Matches(msg *DecisionMessage) bool {
	if f.Model != "" && f.Model != msg.Model {
		return false
	}
	if f.Symbol != "" && f.Symbol != msg.Symbol {
		return false
	}
	if f.EventType != "" && f.EventType != msg.EventType {
		return false
	}
	return true
}

// DecisionMessage is the wire shape broadcast to subscribers.
type DecisionMessage struct {
	Type        string          `json:"type"`
	EventID     string          `json:"event_id"`
	Symbol      string          `json:"symbol"`
	EventType   string          `json:"event_type"`
	Model       string          `json:"model"`
	Decision    json.RawMessage `json:"decision"`
	PublishedAt string          `json:"published_at"`
}

// subscription is one connected subscriber.
type subscription struct {
	id           string
	conn         *websocket.Conn
	filters      Filters
	unsubscribed bool
	createdAt    time.Time
}

// Hub tracks subscriptions and broadcasts decisions to those whose filters
// match. The lock is held only to snapshot or mutate the subscription map,
// never across a send.
type Hub struct {
	maxConns int
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

// New creates a hub with a process-wide connection cap.
func New(maxConns int, m *metrics.Metrics, log zerolog.Logger) *Hub {
	if maxConns <= 0 {
		maxConns = 100
	}
	return &Hub{
		maxConns: maxConns,
		metrics:  m,
		log:      log.With().Str("component", "hub").Logger(),
		subs:     make(map[string]*subscription),
	}
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// AtCapacity reports whether the connection cap is reached. Checked at
// accept time so over-cap connections are rejected with a specific reason.
func (h *Hub) AtCapacity() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs) >= h.maxConns
}

// Register adds a connection and returns its subscription id.
func (h *Hub) Register(conn *websocket.Conn) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.subs) >= h.maxConns {
		return "", fmt.Errorf("subscription cap reached (%d)", h.maxConns)
	}

	id := uuid.NewString()
	h.subs[id] = &subscription{
		id:        id,
		conn:      conn,
		createdAt: time.Now().UTC(),
	}
	h.updateGauges()
	h.log.Info().Str("subscription_id", id).Msg("Subscriber connected")
	return id, nil
}

// Unregister removes a subscription.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; ok {
		delete(h.subs, id)
		h.updateGauges()
		h.log.Info().Str("subscription_id", id).Msg("Subscriber disconnected")
	}
}

// Subscribe sets a subscription's filters, replacing any previous set.
func (h *Hub) Subscribe(id string, filters Filters) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		sub.filters = filters
		sub.unsubscribed = false
		h.updateGauges()
	}
	h.log.Info().Str("subscription_id", id).Interface("filters", filters).Msg("Subscription updated")
}

// Unsubscribe stops delivery to a subscriber until it subscribes again; the
// connection stays open.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		sub.unsubscribed = true
		h.updateGauges()
	}
}

// Broadcast sends the decision to every matching subscriber and returns how
// many received it. The subscription set is snapshotted under a short lock;
// sends happen outside it, and send failures mark the subscription for a
// post-iteration eviction pass.
func (h *Hub) Broadcast(ctx context.Context, msg *DecisionMessage) int {
	start := time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal decision message")
		return 0
	}

	h.mu.RLock()
	snapshot := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	sent := 0
	var failed []string
	for _, sub := range snapshot {
		if sub.unsubscribed || !sub.filters.Matches(msg) {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := sub.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Str("subscription_id", sub.id).Msg("Send failed, evicting subscriber")
			failed = append(failed, sub.id)
			continue
		}
		sent++
	}

	for _, id := range failed {
		h.Unregister(id)
	}

	if h.metrics != nil {
		h.metrics.WSFanoutDuration.Observe(time.Since(start).Seconds())
	}
	return sent
}

// SendJSON sends an arbitrary control message to one subscriber.
func (h *Hub) SendJSON(ctx context.Context, id string, payload any) error {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subscription not found: %s", id)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return sub.conn.Write(writeCtx, websocket.MessageText, data)
}

// Stats summarizes connections by filter type for the stats endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byFilter := map[string]int{"model": 0, "symbol": 0, "event_type": 0, "all": 0}
	for _, sub := range h.subs {
		if sub.unsubscribed {
			continue
		}
		f := sub.filters
		if f.Model == "" && f.Symbol == "" && f.EventType == "" {
			byFilter["all"]++
			continue
		}
		if f.Model != "" {
			byFilter["model"]++
		}
		if f.Symbol != "" {
			byFilter["symbol"]++
		}
		if f.EventType != "" {
			byFilter["event_type"]++
		}
	}

	return map[string]any{
		"total_connections":       len(h.subs),
		"subscriptions_by_filter": byFilter,
	}
}

// updateGauges refreshes the prometheus gauges; callers hold the lock.
func (h *Hub) updateGauges() {
	if h.metrics == nil {
		return
	}
	h.metrics.WSConnections.Set(float64(len(h.subs)))

	byFilter := map[string]int{"model": 0, "symbol": 0, "event_type": 0, "all": 0}
	for _, sub := range h.subs {
		if sub.unsubscribed {
			continue
		}
		f := sub.filters
		if f.Model == "" && f.Symbol == "" && f.EventType == "" {
			byFilter["all"]++
			continue
		}
		if f.Model != "" {
			byFilter["model"]++
		}
		if f.Symbol != "" {
			byFilter["symbol"]++
		}
		if f.EventType != "" {
			byFilter["event_type"]++
		}
	}
	for filterType, count := range byFilter {
		h.metrics.WSSubscribers.WithLabelValues(filterType).Set(float64(count))
	}
}
