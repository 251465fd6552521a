package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/domain"
	"github.com/sigmapilot/lens/internal/metrics"
	"github.com/sigmapilot/lens/internal/registry"
	"github.com/sigmapilot/lens/internal/store"
	"github.com/sigmapilot/lens/pkg/logger"
)

// Worker consumes the enriched stream and fans each event out to every
// enabled model in parallel. Per-model failures are isolated: a failed model
// still writes a non-ok decision row and never aborts its siblings. The
// message fails (and retries) only when zero models succeed.
type Worker struct {
	events    *store.EventStore
	decisions *store.DecisionStore
	configs   *registry.LLMConfigRegistry
	prompts   *registry.PromptRegistry
	publisher *Publisher

	fallbackModels []string
	metrics        *metrics.Metrics
	log            zerolog.Logger

	adapterMu sync.Mutex
	adapters  map[string]cachedAdapter
}

type cachedAdapter struct {
	signature string
	adapter   Adapter
}

// NewWorker creates the evaluation worker. fallbackModels is the static
// model list used when the config registry has no enabled entries.
func NewWorker(
	events *store.EventStore,
	decisions *store.DecisionStore,
	configs *registry.LLMConfigRegistry,
	prompts *registry.PromptRegistry,
	publisher *Publisher,
	fallbackModels []string,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		events:         events,
		decisions:      decisions,
		configs:        configs,
		prompts:        prompts,
		publisher:      publisher,
		fallbackModels: fallbackModels,
		metrics:        m,
		log:            log.With().Str("component", "evaluation_worker").Logger(),
		adapters:       make(map[string]cachedAdapter),
	}
}

// Stage implements queue.Handler.
func (w *Worker) Stage() domain.DLQStage { return domain.StageEvaluate }

// modelOutcome is one model's contribution to an evaluation pass.
type modelOutcome struct {
	model    string
	ok       bool
	decision *domain.DecisionOutput
}

// ProcessMessage implements queue.Handler.
func (w *Worker) ProcessMessage(ctx context.Context, eventID string, payload []byte) error {
	start := time.Now()
	logger.Stage(w.log, "EVALUATION", eventID, "started").Send()

	var enriched map[string]any
	if err := json.Unmarshal(payload, &enriched); err != nil {
		return fmt.Errorf("malformed enriched payload: %w", err)
	}
	symbol, _ := enriched["symbol"].(string)
	eventType, _ := enriched["event_type"].(string)
	constraints := enriched["constraints"]

	event, err := w.events.GetByEventID(eventID)
	if err != nil {
		return err
	}

	// Redelivery after a crash: the event may already be past evaluation.
	switch event.Status {
	case domain.StatusPublished:
		w.log.Info().Str("event_id", eventID).Msg("Event already published, skipping redelivery")
		return nil
	case domain.StatusEvaluated:
		return w.publishAndFinish(ctx, event, symbol, eventType, nil)
	}

	models := w.configs.EnabledModels()
	if len(models) == 0 {
		models = w.fallbackModels
	}
	if len(models) == 0 {
		return domain.NewError(domain.KindModel, "no models configured for evaluation")
	}

	// Fan out: one goroutine per model, failures isolated per task. A
	// model's timeout never cancels its siblings.
	outcomes := make([]modelOutcome, len(models))
	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					w.log.Error().Str("model", model).Str("event_id", eventID).
						Interface("panic", p).Msg("Model evaluation panicked")
					outcomes[i] = modelOutcome{model: model}
				}
			}()
			outcomes[i] = w.evaluateModel(ctx, eventID, model, symbol, enriched, constraints)
		}(i, model)
	}
	wg.Wait()

	var successes []modelOutcome
	for _, outcome := range outcomes {
		if outcome.ok {
			successes = append(successes, outcome)
		}
	}

	if len(successes) == 0 {
		logger.Stage(w.log, "EVALUATION", eventID, "failed").
			Int("models", len(models)).Send()
		return domain.NewError(domain.KindModel,
			fmt.Sprintf("all %d models failed for event", len(models)))
	}

	modelNames := make([]string, 0, len(successes))
	for _, s := range successes {
		modelNames = append(modelNames, s.model)
	}
	err = w.events.TransitionStatus(eventID, domain.StatusEvaluated, domain.TimelineEvaluated, map[string]any{
		"models":      modelNames,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		return err
	}

	w.metrics.Heartbeat("evaluation")
	logger.Stage(w.log, "EVALUATION", eventID, "completed").
		Strs("models", modelNames).Send()

	return w.publishAndFinish(ctx, event, symbol, eventType, successes)
}

// publishAndFinish broadcasts each successful decision and marks the event
// published. With nil successes (redelivery path) the persisted ok rows are
// replayed instead.
func (w *Worker) publishAndFinish(ctx context.Context, event *domain.Event, symbol, eventType string, successes []modelOutcome) error {
	eventID := event.EventID

	if successes == nil {
		rows, err := w.decisions.ForEvent(eventID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.Status != domain.DecisionStatusOK {
				continue
			}
			successes = append(successes, modelOutcome{
				model: row.ModelName,
				ok:    true,
				decision: &domain.DecisionOutput{
					Decision:   row.Decision,
					Confidence: row.Confidence,
					EntryPlan:  row.EntryPlan,
					RiskPlan:   row.RiskPlan,
					SizePct:    row.SizePct,
					Reasons:    row.Reasons,
				},
			})
		}
	}

	received := event.ReceivedAt
	for _, success := range successes {
		_, err := w.publisher.PublishDecision(ctx, eventID, symbol, eventType,
			success.model, success.decision, &received)
		if err != nil {
			w.log.Error().Err(err).Str("event_id", eventID).Str("model", success.model).
				Msg("Failed to publish decision")
		}
	}

	modelNames := make([]string, 0, len(successes))
	for _, s := range successes {
		modelNames = append(modelNames, s.model)
	}
	return w.events.TransitionStatus(eventID, domain.StatusPublished, domain.TimelinePublished,
		map[string]any{"models": modelNames})
}

// evaluateModel runs one model end to end: render prompt, call the adapter,
// validate and normalize the output, persist the decision row. Every path,
// success or failure, writes a row.
func (w *Worker) evaluateModel(ctx context.Context, eventID, model, symbol string, enriched map[string]any, constraints any) modelOutcome {
	start := time.Now()

	cfg := w.configs.Get(model)
	if cfg == nil {
		w.persistFailure(eventID, model, "", "", "", &Response{
			ModelName:    model,
			Status:       StatusInvalidConfig,
			ErrorCode:    "NO_CONFIG",
			ErrorMessage: fmt.Sprintf("no enabled configuration for model %s", model),
		})
		return modelOutcome{model: model}
	}

	adapter, err := w.adapterFor(cfg)
	if err != nil {
		w.persistFailure(eventID, model, cfg.ModelID, "", "", &Response{
			ModelName:    model,
			ModelVersion: cfg.ModelID,
			Status:       StatusInvalidConfig,
			ErrorCode:    "ADAPTER_INIT_ERROR",
			ErrorMessage: err.Error(),
		})
		return modelOutcome{model: model}
	}

	prompt, promptVersion, promptHash, err := w.prompts.Render(model, enriched, constraints, "", "")
	if err != nil {
		w.persistFailure(eventID, model, cfg.ModelID, "", "", &Response{
			ModelName:    model,
			ModelVersion: cfg.ModelID,
			Status:       StatusInvalidConfig,
			ErrorCode:    "PROMPT_RENDER_ERROR",
			ErrorMessage: err.Error(),
		})
		return modelOutcome{model: model}
	}

	resp := adapter.Evaluate(ctx, prompt)

	if !resp.IsSuccess() {
		w.metrics.ModelErrors.WithLabelValues(model, string(resp.Status)).Inc()
		w.persistFailure(eventID, model, resp.ModelVersion, promptVersion, promptHash, resp)
		return modelOutcome{model: model}
	}

	if schemaErrs := ValidateDecisionOutput(resp.Parsed); len(schemaErrs) > 0 {
		w.metrics.ModelInvalidOutputs.WithLabelValues(model).Inc()
		resp.Status = StatusSchemaError
		resp.ErrorCode = "SCHEMA_VALIDATION_FAILED"
		resp.ErrorMessage = fmt.Sprintf("%d schema violations: %v", len(schemaErrs), schemaErrs)
		w.persistFailure(eventID, model, resp.ModelVersion, promptVersion, promptHash, resp)
		return modelOutcome{model: model}
	}

	normalized := NormalizeDecisionOutput(resp.Parsed)
	decision, err := ToDecisionOutput(normalized)
	if err != nil {
		resp.Status = StatusSchemaError
		resp.ErrorCode = "NORMALIZE_ERROR"
		resp.ErrorMessage = err.Error()
		w.persistFailure(eventID, model, resp.ModelVersion, promptVersion, promptHash, resp)
		return modelOutcome{model: model}
	}

	payloadJSON, _ := json.Marshal(normalized)
	row := &domain.ModelDecision{
		EventID:         eventID,
		ModelName:       model,
		ModelVersion:    resp.ModelVersion,
		PromptVersion:   promptVersion,
		PromptHash:      promptHash,
		Decision:        decision.Decision,
		Confidence:      decision.Confidence,
		EntryPlan:       decision.EntryPlan,
		RiskPlan:        decision.RiskPlan,
		SizePct:         decision.SizePct,
		Reasons:         decision.Reasons,
		DecisionPayload: payloadJSON,
		Latency:         resp.Latency,
		TokensIn:        resp.TokensIn,
		TokensOut:       resp.TokensOut,
		Status:          domain.DecisionStatusOK,
	}
	if err := w.decisions.Insert(row); err != nil {
		w.log.Error().Err(err).Str("event_id", eventID).Str("model", model).
			Msg("Failed to persist decision")
		return modelOutcome{model: model}
	}

	w.metrics.RecordEvaluation(model, symbol, string(decision.Decision),
		time.Since(start), resp.TokensIn, resp.TokensOut)

	return modelOutcome{model: model, ok: true, decision: decision}
}

// persistFailure writes a non-ok decision row carrying the fallback decision
// and the raw response, so the audit trail stays complete.
func (w *Worker) persistFailure(eventID, model, modelVersion, promptVersion, promptHash string, resp *Response) {
	fallback := FallbackDecision(model)
	payloadJSON, _ := json.Marshal(fallback)

	sizePct := 0.0
	row := &domain.ModelDecision{
		EventID:         eventID,
		ModelName:       model,
		ModelVersion:    modelVersion,
		PromptVersion:   promptVersion,
		PromptHash:      promptHash,
		Decision:        domain.DecisionIgnore,
		Confidence:      0,
		SizePct:         &sizePct,
		Reasons:         []string{fmt.Sprintf("model_error_%s", model), "fallback_decision"},
		DecisionPayload: payloadJSON,
		Latency:         resp.Latency,
		TokensIn:        resp.TokensIn,
		TokensOut:       resp.TokensOut,
		Status:          resp.Status.DecisionStatus(),
		ErrorCode:       resp.ErrorCode,
		ErrorMessage:    resp.ErrorMessage,
		RawResponse:     resp.RawText,
	}
	if err := w.decisions.Insert(row); err != nil {
		w.log.Error().Err(err).Str("event_id", eventID).Str("model", model).
			Msg("Failed to persist failure decision")
	}

	w.log.Warn().
		Str("event_id", eventID).
		Str("model", model).
		Str("status", string(resp.Status)).
		Str("error_code", resp.ErrorCode).
		Msg("Model evaluation failed")
}

// adapterFor returns a cached adapter, rebuilding it when the configuration
// changed since the adapter was created.
func (w *Worker) adapterFor(cfg *domain.LLMConfig) (Adapter, error) {
	signature := fmt.Sprintf("%s|%s|%s|%d|%d",
		cfg.Provider, cfg.ModelID, cfg.APIKey, cfg.Timeout.Milliseconds(), cfg.MaxTokens)

	w.adapterMu.Lock()
	defer w.adapterMu.Unlock()

	if cached, ok := w.adapters[cfg.ModelName]; ok && cached.signature == signature {
		return cached.adapter, nil
	}

	adapter, err := NewAdapter(*cfg, w.log)
	if err != nil {
		return nil, err
	}
	if cached, ok := w.adapters[cfg.ModelName]; ok {
		_ = cached.adapter.Close()
	}
	w.adapters[cfg.ModelName] = cachedAdapter{signature: signature, adapter: adapter}
	return adapter, nil
}

// Close releases every cached adapter.
func (w *Worker) Close() {
	w.adapterMu.Lock()
	defer w.adapterMu.Unlock()
	for _, cached := range w.adapters {
		_ = cached.adapter.Close()
	}
	w.adapters = make(map[string]cachedAdapter)
}
