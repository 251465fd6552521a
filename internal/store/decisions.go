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

// DecisionStore persists per-model evaluation attempts, successes and
// failures alike, so the audit trail for an event is complete.
type DecisionStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDecisionStore creates a decision repository.
func NewDecisionStore(db *database.DB, log zerolog.Logger) *DecisionStore {
	return &DecisionStore{
		db:  db.Conn(),
		log: log.With().Str("component", "decision_store").Logger(),
	}
}

const decisionColumns = `id, event_id, model_name, model_version, prompt_version, prompt_hash,
	decision, confidence, entry_plan, risk_plan, size_pct, reasons, decision_payload,
	latency_ms, tokens_in, tokens_out, status, error_code, error_message, raw_response,
	evaluated_at`

// Insert writes one decision row.
func (s *DecisionStore) Insert(d *domain.ModelDecision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.EvaluatedAt.IsZero() {
		d.EvaluatedAt = time.Now().UTC()
	}

	var sizePct sql.NullFloat64
	if d.SizePct != nil {
		sizePct = sql.NullFloat64{Float64: *d.SizePct, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO model_decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.EventID,
		d.ModelName,
		nullStr(d.ModelVersion),
		nullStr(d.PromptVersion),
		nullStr(d.PromptHash),
		string(d.Decision),
		d.Confidence,
		nullStr(marshalJSON(d.EntryPlan)),
		nullStr(marshalJSON(d.RiskPlan)),
		sizePct,
		marshalJSON(d.Reasons),
		string(d.DecisionPayload),
		d.Latency.Milliseconds(),
		d.TokensIn,
		d.TokensOut,
		string(d.Status),
		nullStr(d.ErrorCode),
		nullStr(d.ErrorMessage),
		nullStr(d.RawResponse),
		formatTime(d.EvaluatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision for %s/%s: %w", d.EventID, d.ModelName, err)
	}
	return nil
}

// ForEvent returns all decision rows for an event.
func (s *DecisionStore) ForEvent(eventID string) ([]*domain.ModelDecision, error) {
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM model_decisions
		WHERE event_id = ? ORDER BY evaluated_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions for %s: %w", eventID, err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// DecisionFilter narrows List results.
type DecisionFilter struct {
	ModelName string
	Decision  string
	Status    string
	Symbol    string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// List returns decision rows matching the filter, newest first, with the
// pre-pagination total. Symbol filtering joins through events.
func (s *DecisionStore) List(filter DecisionFilter) ([]*domain.ModelDecision, int, error) {
	var conds []string
	var args []any

	if filter.ModelName != "" {
		conds = append(conds, "d.model_name = ?")
		args = append(args, filter.ModelName)
	}
	if filter.Decision != "" {
		conds = append(conds, "d.decision = ?")
		args = append(args, filter.Decision)
	}
	if filter.Status != "" {
		conds = append(conds, "d.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Symbol != "" {
		conds = append(conds, "e.symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.Since != nil {
		conds = append(conds, "d.evaluated_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "d.evaluated_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	base := " FROM model_decisions d JOIN events e ON e.event_id = d.event_id" + where

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*)"+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count decisions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	flat := strings.ReplaceAll(decisionColumns, "\n\t", " ")
	cols := "d." + strings.ReplaceAll(flat, ", ", ", d.")
	query := "SELECT " + cols + base + " ORDER BY d.evaluated_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	return decisions, total, err
}

// CountOKForEvent returns the number of successful decisions for an event.
func (s *DecisionStore) CountOKForEvent(eventID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM model_decisions WHERE event_id = ? AND status = 'ok'`,
		eventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ok decisions for %s: %w", eventID, err)
	}
	return count, nil
}

func scanDecisions(rows *sql.Rows) ([]*domain.ModelDecision, error) {
	var decisions []*domain.ModelDecision
	for rows.Next() {
		var d domain.ModelDecision
		var modelVersion, promptVersion, promptHash sql.NullString
		var entryPlan, riskPlan sql.NullString
		var sizePct sql.NullFloat64
		var reasons, payload string
		var latencyMs int64
		var tokensIn, tokensOut sql.NullInt64
		var errorCode, errorMessage, rawResponse sql.NullString
		var decision, status, evaluatedAt string

		err := rows.Scan(&d.ID, &d.EventID, &d.ModelName, &modelVersion, &promptVersion,
			&promptHash, &decision, &d.Confidence, &entryPlan, &riskPlan, &sizePct,
			&reasons, &payload, &latencyMs, &tokensIn, &tokensOut, &status,
			&errorCode, &errorMessage, &rawResponse, &evaluatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}

		d.ModelVersion = strOrEmpty(modelVersion)
		d.PromptVersion = strOrEmpty(promptVersion)
		d.PromptHash = strOrEmpty(promptHash)
		d.Decision = domain.Decision(decision)
		d.Status = domain.DecisionStatus(status)
		if entryPlan.Valid {
			var plan domain.EntryPlan
			if json.Unmarshal([]byte(entryPlan.String), &plan) == nil {
				d.EntryPlan = &plan
			}
		}
		if riskPlan.Valid {
			var plan domain.RiskPlan
			if json.Unmarshal([]byte(riskPlan.String), &plan) == nil {
				d.RiskPlan = &plan
			}
		}
		if sizePct.Valid {
			d.SizePct = &sizePct.Float64
		}
		_ = json.Unmarshal([]byte(reasons), &d.Reasons)
		d.DecisionPayload = json.RawMessage(payload)
		d.Latency = time.Duration(latencyMs) * time.Millisecond
		if tokensIn.Valid {
			d.TokensIn = int(tokensIn.Int64)
		}
		if tokensOut.Valid {
			d.TokensOut = int(tokensOut.Int64)
		}
		d.ErrorCode = strOrEmpty(errorCode)
		d.ErrorMessage = strOrEmpty(errorMessage)
		d.RawResponse = strOrEmpty(rawResponse)
		d.EvaluatedAt = parseTime(evaluatedAt)
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}
