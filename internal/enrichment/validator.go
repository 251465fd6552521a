// Package enrichment implements the validation and enrichment stage: the
// pre-enrichment gate, market data fetch, indicator computation, quality
// evaluation and the worker that consumes the pending stream.
package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/market"
)

// ValidationResult captures what the validator measured, for logging and
// timeline details.
type ValidationResult struct {
	Valid            bool
	CurrentPrice     float64 // 0 if the age check failed before any fetch
	EntryPrice       float64
	DriftBps         float64
	SignalAgeSeconds float64
	RejectionReason  string
}

// Validator rejects signals before the expensive enrichment and AI stages.
//
// Two checks run in order:
//  1. Age: strictly older than MaxAge rejects. Checked first because it
//     needs no network call.
//  2. Drift: |current - entry| / entry in basis points strictly above
//     MaxDriftBps rejects. A zero entry price skips the drift check.
//
// Rejection is terminal: the worker marks the event rejected and acks the
// message. Provider errors during the drift fetch propagate so the message
// is retried.
type Validator struct {
	provider    market.Provider
	maxAge      time.Duration
	maxDriftBps float64
	log         zerolog.Logger
}

// NewValidator creates a validator. Zero thresholds get the defaults
// (300 s age, 200 bps drift).
func NewValidator(provider market.Provider, maxAge time.Duration, maxDriftBps float64, log zerolog.Logger) *Validator {
	if maxAge <= 0 {
		maxAge = 300 * time.Second
	}
	if maxDriftBps <= 0 {
		maxDriftBps = 200
	}
	return &Validator{
		provider:    provider,
		maxAge:      maxAge,
		maxDriftBps: maxDriftBps,
		log:         log.With().Str("component", "signal_validator").Logger(),
	}
}

// Validate runs both checks. Returns *domain.RejectionError for a hard
// rejection, a provider error for transient failures, nil when valid.
func (v *Validator) Validate(ctx context.Context, signal *domain.SignalPayload) (*ValidationResult, error) {
	now := time.Now().UTC()

	result := &ValidationResult{EntryPrice: signal.EntryPrice}

	if signal.TsUTC != "" {
		if ts, err := time.Parse(time.RFC3339, signal.TsUTC); err == nil {
			result.SignalAgeSeconds = now.Sub(ts).Seconds()
		} else {
			v.log.Warn().Str("ts_utc", signal.TsUTC).Err(err).Msg("Failed to parse signal timestamp")
		}
	}

	if result.SignalAgeSeconds > v.maxAge.Seconds() {
		result.RejectionReason = fmt.Sprintf("Signal too old: %.0fs (max: %.0fs)",
			result.SignalAgeSeconds, v.maxAge.Seconds())
		return result, &domain.RejectionError{
			Reason: domain.ReasonSignalTooOld,
			Symbol: signal.Symbol,
			Details: map[string]any{
				"signal_age_seconds":     result.SignalAgeSeconds,
				"max_signal_age_seconds": v.maxAge.Seconds(),
			},
		}
	}

	// Zero entry price: nothing to measure drift against.
	if signal.EntryPrice <= 0 {
		result.Valid = true
		return result, nil
	}

	ticker, err := v.provider.Ticker(ctx, signal.Symbol)
	if err != nil {
		return result, domain.WrapError(domain.KindProvider,
			fmt.Sprintf("failed to fetch price for %s", signal.Symbol), err)
	}
	result.CurrentPrice = ticker.Mid

	if ticker.Mid > 0 {
		result.DriftBps = abs((ticker.Mid-signal.EntryPrice)/signal.EntryPrice) * 10000
	}

	if result.DriftBps > v.maxDriftBps {
		result.RejectionReason = fmt.Sprintf("Price drift too high: %.2f%% (max: %.1f%%)",
			result.DriftBps/100, v.maxDriftBps/100)
		v.log.Warn().
			Str("symbol", signal.Symbol).
			Float64("entry_price", signal.EntryPrice).
			Float64("current_price", ticker.Mid).
			Float64("drift_bps", result.DriftBps).
			Msg("Signal rejected on price drift")
		return result, &domain.RejectionError{
			Reason: domain.ReasonPriceDriftTooHigh,
			Symbol: signal.Symbol,
			Details: map[string]any{
				"entry_price":   signal.EntryPrice,
				"current_price": ticker.Mid,
				"drift_bps":     result.DriftBps,
				"max_drift_bps": v.maxDriftBps,
			},
		}
	}

	result.Valid = true
	v.log.Info().
		Str("symbol", signal.Symbol).
		Float64("drift_bps", result.DriftBps).
		Float64("age_seconds", result.SignalAgeSeconds).
		Msg("Signal validated")
	return result, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
