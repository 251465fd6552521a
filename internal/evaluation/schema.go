package evaluation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sigmapilot/lens/internal/domain"
)

// Valid entry plan types and stop methods.
var (
	validEntryTypes  = map[string]bool{"market": true, "limit": true}
	validStopMethods = map[string]bool{"fixed": true, "atr": true, "trailing": true}
)

// ValidateDecisionOutput checks a parsed model output against the decision
// schema. All violations are collected and returned together, not
// short-circuited, so operators see the full picture in the stored error.
func ValidateDecisionOutput(output map[string]any) []string {
	var errs []string

	if output == nil {
		return []string{"output must be a JSON object"}
	}

	// Required: decision
	decision, present := output["decision"]
	if !present {
		errs = append(errs, "missing required field: decision")
	} else if s, ok := decision.(string); !ok || !domain.ValidDecisions[domain.Decision(s)] {
		errs = append(errs, fmt.Sprintf("invalid decision %q, must be one of: %s",
			decision, strings.Join(decisionNames(), ", ")))
	}

	// Required: confidence
	confidence, present := output["confidence"]
	if !present {
		errs = append(errs, "missing required field: confidence")
	} else if f, ok := asNumber(confidence); !ok {
		errs = append(errs, "confidence must be a number")
	} else if f < 0 || f > 1 {
		errs = append(errs, fmt.Sprintf("confidence must be between 0 and 1, got %g", f))
	}

	// Required: reasons
	reasons, present := output["reasons"]
	if !present {
		errs = append(errs, "missing required field: reasons")
	} else if list, ok := reasons.([]any); !ok {
		errs = append(errs, "reasons must be an array")
	} else if len(list) == 0 {
		errs = append(errs, "reasons must have at least one element")
	} else {
		for _, r := range list {
			if _, ok := r.(string); !ok {
				errs = append(errs, "all reasons must be strings")
				break
			}
		}
	}

	// Optional: entry_plan
	if entryPlan, present := output["entry_plan"]; present && entryPlan != nil {
		plan, ok := entryPlan.(map[string]any)
		if !ok {
			errs = append(errs, "entry_plan must be an object")
		} else {
			if t, present := plan["type"]; present {
				if s, ok := t.(string); !ok || !validEntryTypes[s] {
					errs = append(errs, fmt.Sprintf("invalid entry_plan.type %q, must be one of: market, limit", t))
				}
			}
			if offset, present := plan["offset_bps"]; present && offset != nil {
				if _, ok := asNumber(offset); !ok {
					errs = append(errs, "entry_plan.offset_bps must be a number")
				}
			}
		}
	}

	// Optional: risk_plan
	if riskPlan, present := output["risk_plan"]; present && riskPlan != nil {
		plan, ok := riskPlan.(map[string]any)
		if !ok {
			errs = append(errs, "risk_plan must be an object")
		} else {
			if method, present := plan["stop_method"]; present {
				if s, ok := method.(string); !ok || !validStopMethods[s] {
					errs = append(errs, fmt.Sprintf("invalid risk_plan.stop_method %q, must be one of: fixed, atr, trailing", method))
				}
			}
			if mult, present := plan["atr_multiple"]; present && mult != nil {
				if f, ok := asNumber(mult); !ok {
					errs = append(errs, "risk_plan.atr_multiple must be a number")
				} else if f < 0.5 || f > 10 {
					errs = append(errs, fmt.Sprintf("risk_plan.atr_multiple must be between 0.5 and 10, got %g", f))
				}
			}
			if trail, present := plan["trail_pct"]; present && trail != nil {
				if f, ok := asNumber(trail); !ok {
					errs = append(errs, "risk_plan.trail_pct must be a number")
				} else if f < 0 || f > 100 {
					errs = append(errs, fmt.Sprintf("risk_plan.trail_pct must be between 0 and 100, got %g", f))
				}
			}
		}
	}

	// Optional: size_pct
	if sizePct, present := output["size_pct"]; present && sizePct != nil {
		if f, ok := asNumber(sizePct); !ok {
			errs = append(errs, "size_pct must be a number")
		} else if f < 0 || f > 100 {
			errs = append(errs, fmt.Sprintf("size_pct must be between 0 and 100, got %g", f))
		}
	}

	return errs
}

// NormalizeDecisionOutput fills defaults for missing optional fields and
// clamps numeric values into their valid ranges. Normalization is
// idempotent: normalizing an already-normalized output changes nothing.
func NormalizeDecisionOutput(output map[string]any) map[string]any {
	normalized := map[string]any{
		"decision":   "IGNORE",
		"confidence": 0.5,
		"entry_plan": output["entry_plan"],
		"risk_plan":  output["risk_plan"],
		"size_pct":   output["size_pct"],
		"reasons":    []any{"unknown"},
	}

	if decision, ok := output["decision"].(string); ok && decision != "" {
		normalized["decision"] = decision
	}
	if confidence, ok := asNumber(output["confidence"]); ok {
		normalized["confidence"] = clamp(confidence, 0, 1)
	}
	if sizePct, ok := asNumber(output["size_pct"]); ok {
		normalized["size_pct"] = clamp(sizePct, 0, 100)
	}
	if reasons, ok := output["reasons"].([]any); ok && len(reasons) > 0 {
		normalized["reasons"] = reasons
	}

	return normalized
}

// FallbackDecision is emitted when a model produces no valid output, keeping
// the audit trail complete with an explicit do-nothing row.
func FallbackDecision(modelName string) map[string]any {
	return map[string]any{
		"decision":   "IGNORE",
		"confidence": 0.0,
		"entry_plan": nil,
		"risk_plan":  nil,
		"size_pct":   0.0,
		"reasons": []any{
			fmt.Sprintf("model_error_%s", modelName),
			"fallback_decision",
		},
	}
}

// ToDecisionOutput converts a normalized map into the typed decision shape.
func ToDecisionOutput(output map[string]any) (*domain.DecisionOutput, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision output: %w", err)
	}
	var decision domain.DecisionOutput
	if err := json.Unmarshal(data, &decision); err != nil {
		return nil, fmt.Errorf("failed to convert decision output: %w", err)
	}
	return &decision, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

func decisionNames() []string {
	return []string{
		string(domain.DecisionFollowEnter),
		string(domain.DecisionIgnore),
		string(domain.DecisionFollowExit),
		string(domain.DecisionHold),
		string(domain.DecisionTightenStop),
	}
}
