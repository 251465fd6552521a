package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/database"
	"github.com/sigmapilot/lens/internal/domain"
)

// EventStore persists events, their enrichment records and their timeline.
type EventStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewEventStore creates an event repository.
func NewEventStore(db *database.DB, log zerolog.Logger) *EventStore {
	return &EventStore{
		db:  db.Conn(),
		log: log.With().Str("component", "event_store").Logger(),
	}
}

const eventColumns = `id, event_id, idempotency_key, event_type, symbol, signal_direction,
	entry_price, size, liquidation_price, ts_utc, source, status, feature_profile,
	received_at, enriched_at, evaluated_at, published_at, raw_payload`

// Insert creates the event row together with its initial timeline entries in
// one transaction. Returns a unique-constraint error if the event_id or a
// non-empty idempotency key already exists.
func (s *EventStore) Insert(event *domain.Event, timelineStatuses []string, details map[string]any) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID,
			event.EventID,
			nullStr(event.IdempotencyKey),
			string(event.EventType),
			event.Symbol,
			event.SignalDirection,
			event.EntryPrice,
			event.Size,
			event.LiquidationPrice,
			formatTime(event.SignalTimestamp),
			event.Source,
			string(event.Status),
			nullStr(event.FeatureProfile),
			formatTime(event.ReceivedAt),
			nullTimeStr(event.EnrichedAt),
			nullTimeStr(event.EvaluatedAt),
			nullTimeStr(event.PublishedAt),
			string(event.RawPayload),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", event.EventID, err)
		}
		for _, status := range timelineStatuses {
			if err := insertTimelineTx(tx, event.EventID, status, details); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByEventID loads an event by its external id.
func (s *EventStore) GetByEventID(eventID string) (*domain.Event, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

// GetByIdempotencyKey loads an event by idempotency key, returning nil when
// no event carries the key.
func (s *EventStore) GetByIdempotencyKey(key string) (*domain.Event, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE idempotency_key = ?`, key)
	event, err := scanEvent(row)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// EventFilter narrows List results.
type EventFilter struct {
	Symbol    string
	EventType string
	Source    string
	Status    string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// List returns events matching the filter, newest first, plus the total count
// before pagination.
func (s *EventStore) List(filter EventFilter) ([]*domain.Event, int, error) {
	var conds []string
	var args []any

	if filter.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		conds = append(conds, "received_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "received_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + eventColumns + " FROM events" + where + " ORDER BY received_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}
	return events, total, rows.Err()
}

// TransitionStatus moves an event to a new status, appending a timeline entry
// in the same transaction. The monotonic state machine is enforced: an
// illegal transition is rejected. The stage timestamp column matching the new
// status is stamped with now.
func (s *EventStore) TransitionStatus(eventID string, to domain.EventStatus, timelineStatus string, details map[string]any) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT status FROM events WHERE event_id = ?`, eventID).Scan(&current)
		if err == sql.ErrNoRows {
			return domain.NewError(domain.KindNotFound, fmt.Sprintf("event not found: %s", eventID))
		}
		if err != nil {
			return fmt.Errorf("failed to read event status: %w", err)
		}

		if !domain.CanTransition(domain.EventStatus(current), to) {
			return domain.NewError(domain.KindValidation,
				fmt.Sprintf("illegal status transition %s -> %s for %s", current, to, eventID))
		}

		now := formatTime(time.Now())
		stampColumn := ""
		switch to {
		case domain.StatusEnriched, domain.StatusEnrichmentPartial, domain.StatusRejected:
			stampColumn = "enriched_at"
		case domain.StatusEvaluated:
			stampColumn = "evaluated_at"
		case domain.StatusPublished:
			stampColumn = "published_at"
		}

		if stampColumn != "" {
			_, err = tx.Exec(
				fmt.Sprintf(`UPDATE events SET status = ?, %s = ? WHERE event_id = ?`, stampColumn),
				string(to), now, eventID)
		} else {
			_, err = tx.Exec(`UPDATE events SET status = ? WHERE event_id = ?`, string(to), eventID)
		}
		if err != nil {
			return fmt.Errorf("failed to update event status: %w", err)
		}

		if timelineStatus != "" {
			if err := insertTimelineTx(tx, eventID, timelineStatus, details); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForcePublish marks an event published regardless of its current status,
// with a PUBLISHED timeline entry. Used by DLQ publish retries, where the
// event may sit in a terminal failure state that a normal transition would
// refuse to leave.
func (s *EventStore) ForcePublish(eventID string, details map[string]any) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE events SET status = ?, published_at = ? WHERE event_id = ?`,
			string(domain.StatusPublished), formatTime(time.Now()), eventID)
		if err != nil {
			return fmt.Errorf("failed to force-publish event: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.NewError(domain.KindNotFound, fmt.Sprintf("event not found: %s", eventID))
		}
		return insertTimelineTx(tx, eventID, domain.TimelinePublished, details)
	})
}

// InsertEnriched persists the enrichment record. Called once per event by the
// enrichment worker; the record is immutable afterwards.
func (s *EventStore) InsertEnriched(enriched *domain.EnrichedEvent) error {
	if enriched.ID == "" {
		enriched.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO enriched_events (
			id, event_id, feature_profile, provider, provider_version,
			market_data, ta_data, levels_data, derivs_data, constraints,
			data_timestamps, quality_flags, enriched_payload, enriched_at,
			enrichment_duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		enriched.ID,
		enriched.EventID,
		enriched.FeatureProfile,
		enriched.Provider,
		nullStr(enriched.ProviderVersion),
		string(enriched.MarketData),
		string(enriched.TAData),
		rawOrNull(enriched.LevelsData),
		rawOrNull(enriched.DerivsData),
		string(enriched.Constraints),
		marshalJSON(enriched.DataTimestamps),
		marshalJSON(enriched.QualityFlags),
		string(enriched.EnrichedPayload),
		formatTime(enriched.EnrichedAt),
		enriched.EnrichmentDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert enriched event for %s: %w", enriched.EventID, err)
	}
	return nil
}

// GetEnriched loads the enrichment record for an event.
func (s *EventStore) GetEnriched(eventID string) (*domain.EnrichedEvent, error) {
	row := s.db.QueryRow(`
		SELECT id, event_id, feature_profile, provider, provider_version,
			market_data, ta_data, levels_data, derivs_data, constraints,
			data_timestamps, quality_flags, enriched_payload, enriched_at,
			enrichment_duration_ms
		FROM enriched_events WHERE event_id = ?`, eventID)

	var e domain.EnrichedEvent
	var providerVersion, levels, derivs sql.NullString
	var marketData, taData, constraints, dataTimestamps, qualityFlags, payload, enrichedAt string
	var durationMs int64

	err := row.Scan(&e.ID, &e.EventID, &e.FeatureProfile, &e.Provider, &providerVersion,
		&marketData, &taData, &levels, &derivs, &constraints,
		&dataTimestamps, &qualityFlags, &payload, &enrichedAt, &durationMs)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("enriched event not found: %s", eventID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enriched event: %w", err)
	}

	e.ProviderVersion = strOrEmpty(providerVersion)
	e.MarketData = json.RawMessage(marketData)
	e.TAData = json.RawMessage(taData)
	if levels.Valid {
		e.LevelsData = json.RawMessage(levels.String)
	}
	if derivs.Valid {
		e.DerivsData = json.RawMessage(derivs.String)
	}
	e.Constraints = json.RawMessage(constraints)
	_ = json.Unmarshal([]byte(dataTimestamps), &e.DataTimestamps)
	_ = json.Unmarshal([]byte(qualityFlags), &e.QualityFlags)
	e.EnrichedPayload = json.RawMessage(payload)
	e.EnrichedAt = parseTime(enrichedAt)
	e.EnrichmentDuration = time.Duration(durationMs) * time.Millisecond
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var e domain.Event
	var idempotencyKey, featureProfile sql.NullString
	var liquidationPrice sql.NullFloat64
	var tsUTC, receivedAt string
	var enrichedAt, evaluatedAt, publishedAt sql.NullString
	var rawPayload string
	var eventType, status string

	err := row.Scan(&e.ID, &e.EventID, &idempotencyKey, &eventType, &e.Symbol,
		&e.SignalDirection, &e.EntryPrice, &e.Size, &liquidationPrice, &tsUTC,
		&e.Source, &status, &featureProfile, &receivedAt, &enrichedAt,
		&evaluatedAt, &publishedAt, &rawPayload)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindNotFound, "event not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	e.IdempotencyKey = strOrEmpty(idempotencyKey)
	e.EventType = domain.EventType(eventType)
	e.Status = domain.EventStatus(status)
	e.FeatureProfile = strOrEmpty(featureProfile)
	if liquidationPrice.Valid {
		e.LiquidationPrice = liquidationPrice.Float64
	}
	e.SignalTimestamp = parseTime(tsUTC)
	e.ReceivedAt = parseTime(receivedAt)
	e.EnrichedAt = timePtr(enrichedAt)
	e.EvaluatedAt = timePtr(evaluatedAt)
	e.PublishedAt = timePtr(publishedAt)
	e.RawPayload = json.RawMessage(rawPayload)
	return &e, nil
}
