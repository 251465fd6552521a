package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/database"
	"github.com/sigmapilot/lens/internal/domain"
)

// TimelineStore reads the append-only processing history. Writes happen
// through the stores that own the state change, inside their transactions.
type TimelineStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTimelineStore creates a timeline repository.
func NewTimelineStore(db *database.DB, log zerolog.Logger) *TimelineStore {
	return &TimelineStore{
		db:  db.Conn(),
		log: log.With().Str("component", "timeline_store").Logger(),
	}
}

// insertTimelineTx appends a timeline entry inside an existing transaction.
func insertTimelineTx(tx *sql.Tx, eventID, status string, details map[string]any) error {
	var detailsJSON sql.NullString
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal timeline details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err := tx.Exec(`
		INSERT INTO processing_timeline (id, event_id, status, details, timestamp)
		VALUES (?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))`,
		uuid.NewString(), eventID, status, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to append timeline entry %s for %s: %w", status, eventID, err)
	}
	return nil
}

// Append writes a standalone timeline entry outside any other transaction.
func (s *TimelineStore) Append(eventID, status string, details map[string]any) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		return insertTimelineTx(tx, eventID, status, details)
	})
}

// ForEvent returns an event's timeline in temporal order.
func (s *TimelineStore) ForEvent(eventID string) ([]*domain.TimelineEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, event_id, status, details, timestamp
		FROM processing_timeline
		WHERE event_id = ?
		ORDER BY timestamp ASC, rowid ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline for %s: %w", eventID, err)
	}
	defer rows.Close()

	var entries []*domain.TimelineEntry
	for rows.Next() {
		var entry domain.TimelineEntry
		var details sql.NullString
		var timestamp string
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.Status, &details, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &entry.Details)
		}
		entry.Timestamp = parseTime(timestamp)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
