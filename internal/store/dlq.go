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

// DLQStore persists dead-lettered messages with their full original payload
// for inspection and replay.
type DLQStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDLQStore creates a DLQ repository.
func NewDLQStore(db *database.DB, log zerolog.Logger) *DLQStore {
	return &DLQStore{
		db:  db.Conn(),
		log: log.With().Str("component", "dlq_store").Logger(),
	}
}

const dlqColumns = `id, event_id, stage, reason_code, error_message, payload,
	retry_count, last_retry_at, resolved_at, resolution_note, created_at`

// Insert writes one DLQ row.
func (s *DLQStore) Insert(entry *domain.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO dlq_entries (`+dlqColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		nullStr(entry.EventID),
		string(entry.Stage),
		entry.ReasonCode,
		entry.ErrorMessage,
		string(entry.Payload),
		entry.RetryCount,
		nullTimeStr(entry.LastRetryAt),
		nullTimeStr(entry.ResolvedAt),
		nullStr(entry.ResolutionNote),
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert DLQ entry for stage %s: %w", entry.Stage, err)
	}
	return nil
}

// Get loads a DLQ entry by id.
func (s *DLQStore) Get(id string) (*domain.DLQEntry, error) {
	row := s.db.QueryRow(`SELECT `+dlqColumns+` FROM dlq_entries WHERE id = ?`, id)
	entry, err := scanDLQEntry(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("DLQ entry not found: %s", id))
	}
	return entry, err
}

// DLQFilter narrows List results. Stage accepts legacy aliases.
type DLQFilter struct {
	Stage      string
	ReasonCode string
	EventID    string
	Resolved   *bool
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// List returns DLQ entries matching the filter, newest first, plus the
// pre-pagination total. A legacy stage filter matches both the canonical and
// the legacy value, since older rows may still carry the legacy name.
func (s *DLQStore) List(filter DLQFilter) ([]*domain.DLQEntry, int, error) {
	var conds []string
	var args []any

	if filter.Stage != "" {
		canonical, ok := domain.CanonicalStage(filter.Stage)
		if !ok {
			return nil, 0, domain.NewError(domain.KindValidation,
				fmt.Sprintf("unknown stage: %s", filter.Stage))
		}
		legacyMatches := []string{string(canonical)}
		for legacy, c := range domain.LegacyStageAliases {
			if c == canonical {
				legacyMatches = append(legacyMatches, legacy)
			}
		}
		placeholders := strings.Repeat("?,", len(legacyMatches))
		conds = append(conds, "stage IN ("+placeholders[:len(placeholders)-1]+")")
		for _, m := range legacyMatches {
			args = append(args, m)
		}
	}
	if filter.ReasonCode != "" {
		conds = append(conds, "reason_code = ?")
		args = append(args, filter.ReasonCode)
	}
	if filter.EventID != "" {
		conds = append(conds, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.Resolved != nil {
		if *filter.Resolved {
			conds = append(conds, "resolved_at IS NOT NULL")
		} else {
			conds = append(conds, "resolved_at IS NULL")
		}
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM dlq_entries"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count DLQ entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + dlqColumns + " FROM dlq_entries" + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.DLQEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

// MarkRetried increments retry_count and stamps last_retry_at.
func (s *DLQStore) MarkRetried(id string) (int, error) {
	var retryCount int
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT retry_count FROM dlq_entries WHERE id = ?`, id).Scan(&retryCount)
		if err == sql.ErrNoRows {
			return domain.NewError(domain.KindNotFound, fmt.Sprintf("DLQ entry not found: %s", id))
		}
		if err != nil {
			return fmt.Errorf("failed to read DLQ retry count: %w", err)
		}
		retryCount++
		_, err = tx.Exec(`UPDATE dlq_entries SET retry_count = ?, last_retry_at = ? WHERE id = ?`,
			retryCount, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to mark DLQ entry retried: %w", err)
		}
		return nil
	})
	return retryCount, err
}

// Resolve stamps resolved_at with a non-empty note. Resolving twice is
// rejected.
func (s *DLQStore) Resolve(id, note string) (*time.Time, error) {
	if note == "" {
		return nil, domain.NewError(domain.KindValidation, "resolution_note must not be empty")
	}
	now := time.Now().UTC()
	var resolved sql.NullString
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT resolved_at FROM dlq_entries WHERE id = ?`, id).Scan(&resolved)
		if err == sql.ErrNoRows {
			return domain.NewError(domain.KindNotFound, fmt.Sprintf("DLQ entry not found: %s", id))
		}
		if err != nil {
			return fmt.Errorf("failed to read DLQ entry: %w", err)
		}
		if resolved.Valid {
			return domain.NewError(domain.KindValidation, "DLQ entry already resolved")
		}
		_, err = tx.Exec(`UPDATE dlq_entries SET resolved_at = ?, resolution_note = ? WHERE id = ?`,
			formatTime(now), note, id)
		if err != nil {
			return fmt.Errorf("failed to resolve DLQ entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &now, nil
}

func scanDLQEntry(row rowScanner) (*domain.DLQEntry, error) {
	var e domain.DLQEntry
	var eventID sql.NullString
	var stage, payload, createdAt string
	var lastRetryAt, resolvedAt, resolutionNote sql.NullString

	err := row.Scan(&e.ID, &eventID, &stage, &e.ReasonCode, &e.ErrorMessage, &payload,
		&e.RetryCount, &lastRetryAt, &resolvedAt, &resolutionNote, &createdAt)
	if err != nil {
		return nil, err
	}

	e.EventID = strOrEmpty(eventID)
	e.Stage = domain.DLQStage(stage)
	e.Payload = json.RawMessage(payload)
	e.LastRetryAt = timePtr(lastRetryAt)
	e.ResolvedAt = timePtr(resolvedAt)
	e.ResolutionNote = strOrEmpty(resolutionNote)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
