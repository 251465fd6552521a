package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/indicators"
	"github.com/sigmapilot/lens/internal/market"
	"github.com/sigmapilot/lens/internal/profiles"
)

// Staleness thresholds per data kind. Candles use 2x the bar interval
// instead of a fixed value.
const (
	staleTicker    = 10 * time.Second
	staleOrderBook = 5 * time.Second
	staleFunding   = 60 * time.Second
)

// MarketData is the provider-agnostic market snapshot stored with the
// enrichment record and embedded in the payload handed to adapters.
type MarketData struct {
	MidPrice              float64 `json:"mid_price"`
	Bid                   float64 `json:"bid"`
	Ask                   float64 `json:"ask"`
	SpreadBps             float64 `json:"spread_bps"`
	PriceDriftFromEntryBps float64 `json:"price_drift_from_entry_bps"`
	Volume24h             float64 `json:"volume_24h,omitempty"`
}

// DerivsData is the optional perpetual derivatives block.
type DerivsData struct {
	FundingRate      float64 `json:"funding_rate"`
	PredictedFunding float64 `json:"predicted_funding"`
	FundingIntervalH int     `json:"funding_interval_h"`
	OpenInterest     float64 `json:"open_interest"`
	MarkPrice        float64 `json:"mark_price"`
}

// TAData is the indicator bundle keyed by timeframe.
type TAData struct {
	Timeframes map[string]*indicators.Bundle `json:"timeframes"`
}

// Result is the outcome of one enrichment pass. Success means no provider
// errors and market data present; stale or out-of-range findings alone do
// not prevent success.
type Result struct {
	Success        bool
	MarketData     *MarketData
	TAData         *TAData
	DerivsData     *DerivsData
	Constraints    profiles.Constraints
	DataTimestamps map[string]string
	QualityFlags   domain.QualityFlags
	Payload        map[string]any
	SignalAge      time.Duration
}

// Service enriches signals with market data and technical indicators per the
// active feature profile.
type Service struct {
	provider market.Provider
	profiles *profiles.Registry
	log      zerolog.Logger
}

// NewService creates an enrichment service.
func NewService(provider market.Provider, registry *profiles.Registry, log zerolog.Logger) *Service {
	return &Service{
		provider: provider,
		profiles: registry,
		log:      log.With().Str("component", "enrichment_service").Logger(),
	}
}

// Enrich fetches market data and computes indicators for one signal. Ticker,
// per-timeframe candles and the derivatives block are fetched concurrently;
// per-source failures become quality flags rather than hard errors.
func (s *Service) Enrich(ctx context.Context, eventID string, signal *domain.SignalPayload, profileName string) (*Result, error) {
	profile, err := s.profiles.Get(profileName)
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, "invalid feature profile", err)
	}

	now := time.Now().UTC()
	result := &Result{
		Constraints:    profile.Constraints,
		DataTimestamps: make(map[string]string),
		QualityFlags: domain.QualityFlags{
			Stale:          []string{},
			Missing:        []string{},
			OutOfRange:     []string{},
			ProviderErrors: []string{},
		},
	}

	if signal.TsUTC != "" {
		if ts, parseErr := time.Parse(time.RFC3339, signal.TsUTC); parseErr == nil {
			result.SignalAge = now.Sub(ts)
			result.DataTimestamps["signal_ts"] = signal.TsUTC
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	addFlag := func(list *[]string, entry string) {
		mu.Lock()
		*list = append(*list, entry)
		mu.Unlock()
	}
	stampTime := func(key string, t time.Time) {
		mu.Lock()
		result.DataTimestamps[key] = t.UTC().Format(time.RFC3339Nano)
		mu.Unlock()
	}

	// Ticker + 24h volume.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker, err := s.provider.Ticker(ctx, signal.Symbol)
		if err != nil {
			s.log.Error().Err(err).Str("symbol", signal.Symbol).Msg("Failed to fetch ticker")
			addFlag(&result.QualityFlags.ProviderErrors, fmt.Sprintf("ticker: %v", err))
			return
		}
		stampTime("mid_ts", ticker.Timestamp)

		driftBps := 0.0
		if signal.EntryPrice > 0 {
			driftBps = (ticker.Mid - signal.EntryPrice) / signal.EntryPrice * 10000
		}
		md := &MarketData{
			MidPrice:              ticker.Mid,
			Bid:                   ticker.Bid,
			Ask:                   ticker.Ask,
			SpreadBps:             ticker.SpreadBps,
			PriceDriftFromEntryBps: round2(driftBps),
		}

		if volume, volErr := s.provider.Volume24h(ctx, signal.Symbol); volErr == nil {
			md.Volume24h = volume
		} else {
			addFlag(&result.QualityFlags.Missing, "volume_24h")
		}

		mu.Lock()
		result.MarketData = md
		mu.Unlock()
	}()

	// Candles + indicators per timeframe.
	taData := &TAData{Timeframes: make(map[string]*indicators.Bundle)}
	candleLimit := profile.Indicators.MinCandles()
	for _, tf := range profile.Timeframes {
		wg.Add(1)
		go func(tf string) {
			defer wg.Done()
			candles, err := s.provider.Candles(ctx, signal.Symbol, tf, candleLimit)
			if err != nil {
				s.log.Error().Err(err).Str("symbol", signal.Symbol).Str("timeframe", tf).
					Msg("Failed to fetch candles")
				addFlag(&result.QualityFlags.ProviderErrors, fmt.Sprintf("candles_%s: %v", tf, err))
				return
			}
			if len(candles) == 0 {
				addFlag(&result.QualityFlags.Missing, fmt.Sprintf("candles_%s", tf))
				return
			}
			stampTime(fmt.Sprintf("candles_%s_ts", tf), candles[len(candles)-1].Timestamp)

			bundle, err := indicators.Compute(candles, profile.Indicators)
			if err != nil {
				addFlag(&result.QualityFlags.Missing, fmt.Sprintf("ta_%s: %v", tf, err))
				return
			}
			mu.Lock()
			taData.Timeframes[tf] = bundle
			mu.Unlock()
		}(tf)
	}

	// Derivatives block, only when the profile asks for it.
	if profile.RequireDerivs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			derivs, ts, err := s.fetchDerivs(ctx, signal.Symbol)
			if err != nil {
				s.log.Error().Err(err).Str("symbol", signal.Symbol).Msg("Failed to fetch derivs data")
				addFlag(&result.QualityFlags.ProviderErrors, fmt.Sprintf("derivs: %v", err))
				return
			}
			stampTime("funding_ts", ts)
			mu.Lock()
			result.DerivsData = derivs
			mu.Unlock()
		}()
	}

	wg.Wait()

	if len(taData.Timeframes) > 0 {
		result.TAData = taData
	}

	s.checkStaleness(result, now)
	s.validateMarketData(result)
	s.validateTAData(result)

	result.Payload = s.buildPayload(eventID, signal, result)
	result.Success = !result.QualityFlags.HasProviderErrors() && result.MarketData != nil

	return result, nil
}

// fetchDerivs pulls the funding/OI/mark-price bundle. The provider memoizes
// the underlying exchange call, so the three lookups cost one request.
func (s *Service) fetchDerivs(ctx context.Context, symbol string) (*DerivsData, time.Time, error) {
	funding, err := s.provider.FundingRate(ctx, symbol)
	if err != nil {
		return nil, time.Time{}, err
	}
	oi, err := s.provider.OpenInterest(ctx, symbol)
	if err != nil {
		return nil, time.Time{}, err
	}
	markPrice, _, err := s.provider.MarkPrice(ctx, symbol)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &DerivsData{
		FundingRate:      funding.Rate,
		PredictedFunding: funding.PredictedRate,
		FundingIntervalH: 1, // Hyperliquid funds hourly
		OpenInterest:     oi.OIUSD,
		MarkPrice:        markPrice,
	}, funding.Timestamp, nil
}

// checkStaleness compares each captured source timestamp against its
// per-kind threshold and records violations.
func (s *Service) checkStaleness(result *Result, now time.Time) {
	for key, value := range result.DataTimestamps {
		ts, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			if ts, err = time.Parse(time.RFC3339, value); err != nil {
				continue
			}
		}
		age := now.Sub(ts)

		var threshold time.Duration
		switch {
		case key == "signal_ts":
			continue // signal age is the validator's concern
		case len(key) > 8 && key[:8] == "candles_":
			interval := key[8 : len(key)-3] // candles_<tf>_ts
			threshold = 2 * market.IntervalDuration(interval)
		case key == "funding_ts":
			threshold = staleFunding
		case key == "mid_ts":
			threshold = staleTicker
		default:
			threshold = staleOrderBook
		}

		if age > threshold {
			result.QualityFlags.Stale = append(result.QualityFlags.Stale,
				fmt.Sprintf("%s: %ds old (threshold: %ds)", key, int(age.Seconds()), int(threshold.Seconds())))
			s.log.Warn().Str("source", key).Dur("age", age).Msg("Stale data detected")
		}
	}
}

// validateMarketData records out-of-range market values.
func (s *Service) validateMarketData(result *Result) {
	md := result.MarketData
	if md == nil {
		return
	}
	flags := &result.QualityFlags

	if md.SpreadBps > 100 {
		flags.OutOfRange = append(flags.OutOfRange,
			fmt.Sprintf("spread_bps: %.1f (>100 bps)", md.SpreadBps))
	}
	if md.Bid > 0 && md.Ask > 0 {
		if md.Bid > md.Ask {
			flags.OutOfRange = append(flags.OutOfRange,
				fmt.Sprintf("bid (%g) > ask (%g)", md.Bid, md.Ask))
		}
		if md.MidPrice > 0 && (md.MidPrice < md.Bid || md.MidPrice > md.Ask) {
			flags.OutOfRange = append(flags.OutOfRange,
				fmt.Sprintf("mid (%g) outside bid/ask", md.MidPrice))
		}
	}
}

// validateTAData records out-of-range indicator values.
func (s *Service) validateTAData(result *Result) {
	if result.TAData == nil {
		return
	}
	flags := &result.QualityFlags

	for tf, bundle := range result.TAData.Timeframes {
		if bundle.RSI < 0 || bundle.RSI > 100 {
			flags.OutOfRange = append(flags.OutOfRange,
				fmt.Sprintf("%s_rsi: %g (should be 0-100)", tf, bundle.RSI))
		}
		if bundle.ATR < 0 {
			flags.OutOfRange = append(flags.OutOfRange,
				fmt.Sprintf("%s_atr: %g (should be positive)", tf, bundle.ATR))
		}
	}
}

// buildPayload assembles the compact enriched payload handed to adapters.
func (s *Service) buildPayload(eventID string, signal *domain.SignalPayload, result *Result) map[string]any {
	payload := map[string]any{
		"event_id":         eventID,
		"symbol":           signal.Symbol,
		"signal_direction": signal.SignalDirection,
		"entry_price":      signal.EntryPrice,
		"size":             signal.Size,
		"ts_utc":           signal.TsUTC,
		"source":           signal.Source,
		"event_type":       signal.EventType,
		"constraints":      result.Constraints,
	}
	if result.MarketData != nil {
		payload["market"] = result.MarketData
	} else {
		payload["market"] = map[string]any{}
	}
	if result.TAData != nil {
		payload["ta"] = result.TAData
	} else {
		payload["ta"] = map[string]any{}
	}
	if result.DerivsData != nil {
		payload["derivs"] = result.DerivsData
	} else {
		payload["derivs"] = map[string]any{}
	}
	return payload
}

// MarshalResult serializes the pieces of a Result for persistence.
func MarshalResult(result *Result) (marketData, taData, derivsData, constraints, payload json.RawMessage, err error) {
	if marketData, err = marshalOrEmpty(result.MarketData); err != nil {
		return
	}
	if taData, err = marshalOrEmpty(result.TAData); err != nil {
		return
	}
	if result.DerivsData != nil {
		if derivsData, err = json.Marshal(result.DerivsData); err != nil {
			return
		}
	}
	if constraints, err = json.Marshal(result.Constraints); err != nil {
		return
	}
	payload, err = json.Marshal(result.Payload)
	return
}

func marshalOrEmpty(v any) (json.RawMessage, error) {
	if v == nil || isNilPointer(v) {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(v)
}

func isNilPointer(v any) bool {
	switch t := v.(type) {
	case *MarketData:
		return t == nil
	case *TAData:
		return t == nil
	case *DerivsData:
		return t == nil
	}
	return false
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
