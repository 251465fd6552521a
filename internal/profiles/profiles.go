// Package profiles defines feature profiles: named bundles of timeframes,
// indicator parameters, derivatives flag and trading constraints that select
// what enrichment computes for a signal.
//
// Built-in profiles cover the shipped configurations; a YAML file can add or
// override profiles, with single-level inheritance through `extends`.
package profiles

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sigmapilot/lens/internal/indicators"
)

// Constraints bound what downstream evaluation may recommend.
type Constraints struct {
	MaxPositionSizePct int `json:"max_position_size_pct" yaml:"max_position_size_pct"`
	MinHoldMinutes     int `json:"min_hold_minutes" yaml:"min_hold_minutes"`
	MaxTradesPerHour   int `json:"max_trades_per_hour" yaml:"max_trades_per_hour"`
	MaxLeverage        int `json:"max_leverage" yaml:"max_leverage"`
}

// DefaultConstraints applies when a profile specifies none.
var DefaultConstraints = Constraints{
	MaxPositionSizePct: 20,
	MinHoldMinutes:     30,
	MaxTradesPerHour:   4,
	MaxLeverage:        10,
}

// Profile is one named feature bundle.
type Profile struct {
	Name          string
	Timeframes    []string
	Indicators    indicators.Params
	RequireDerivs bool
	Constraints   Constraints
}

// Registry resolves profile names to profiles.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry with the built-in profiles, optionally
// overlaid by a YAML file.
func NewRegistry(yamlPath string) (*Registry, error) {
	r := &Registry{profiles: builtinProfiles()}
	if yamlPath != "" {
		if err := r.loadYAML(yamlPath); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Get resolves a profile by name.
func (r *Registry) Get(name string) (Profile, error) {
	profile, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown feature profile: %s", name)
	}
	return profile, nil
}

// Names lists the known profile names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}

func builtinProfiles() map[string]Profile {
	trendFollow := Profile{
		Name:       "trend_follow_v1",
		Timeframes: []string{"15m", "1h", "4h"},
		Indicators: indicators.Params{
			EMAPeriods: []int{9, 21, 50},
			MACDFast:   12, MACDSlow: 26, MACDSignal: 9,
			RSIPeriod: 14,
			ATRPeriod: 14,
		},
		RequireDerivs: false,
		Constraints:   DefaultConstraints,
	}

	cryptoPerps := trendFollow
	cryptoPerps.Name = "crypto_perps_v1"
	cryptoPerps.RequireDerivs = true
	cryptoPerps.Indicators.VolumeStats = true

	full := cryptoPerps
	full.Name = "full_v1"
	full.Timeframes = []string{"5m", "15m", "1h", "4h", "1d"}
	full.Indicators.Bollinger = true
	full.Indicators.ADX = true
	full.Indicators.Stochastic = true
	full.Indicators.SMAPeriods = []int{50, 200}

	return map[string]Profile{
		trendFollow.Name: trendFollow,
		cryptoPerps.Name: cryptoPerps,
		full.Name:        full,
	}
}

// yamlProfile is the file representation of a profile.
type yamlProfile struct {
	Extends       string       `yaml:"extends"`
	Timeframes    []string     `yaml:"timeframes"`
	RequireDerivs *bool        `yaml:"requires_derivs"`
	Constraints   *Constraints `yaml:"constraints"`
	Indicators    []struct {
		Name   string `yaml:"name"`
		Params struct {
			Periods []int   `yaml:"periods"`
			Period  int     `yaml:"period"`
			Fast    int     `yaml:"fast"`
			Slow    int     `yaml:"slow"`
			Signal  int     `yaml:"signal"`
			StdDev  float64 `yaml:"std_dev"`
		} `yaml:"params"`
	} `yaml:"indicators"`
}

func (r *Registry) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profiles file %s: %w", path, err)
	}

	var raw map[string]yamlProfile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	for name, yp := range raw {
		profile := Profile{Name: name, Constraints: DefaultConstraints}
		if yp.Extends != "" {
			parent, ok := r.profiles[yp.Extends]
			if !ok {
				return fmt.Errorf("profile %s extends unknown profile %s", name, yp.Extends)
			}
			profile = parent
			profile.Name = name
		}
		if len(yp.Timeframes) > 0 {
			profile.Timeframes = yp.Timeframes
		}
		if yp.RequireDerivs != nil {
			profile.RequireDerivs = *yp.RequireDerivs
		}
		if yp.Constraints != nil {
			profile.Constraints = *yp.Constraints
		}
		for _, ind := range yp.Indicators {
			switch ind.Name {
			case "ema":
				if len(ind.Params.Periods) > 0 {
					profile.Indicators.EMAPeriods = ind.Params.Periods
				}
			case "macd":
				if ind.Params.Fast > 0 {
					profile.Indicators.MACDFast = ind.Params.Fast
				}
				if ind.Params.Slow > 0 {
					profile.Indicators.MACDSlow = ind.Params.Slow
				}
				if ind.Params.Signal > 0 {
					profile.Indicators.MACDSignal = ind.Params.Signal
				}
			case "rsi":
				if ind.Params.Period > 0 {
					profile.Indicators.RSIPeriod = ind.Params.Period
				}
			case "atr":
				if ind.Params.Period > 0 {
					profile.Indicators.ATRPeriod = ind.Params.Period
				}
			case "bollinger":
				profile.Indicators.Bollinger = true
				if ind.Params.Period > 0 {
					profile.Indicators.BollingerPeriod = ind.Params.Period
				}
				if ind.Params.StdDev > 0 {
					profile.Indicators.BollingerStdDev = ind.Params.StdDev
				}
			case "adx":
				profile.Indicators.ADX = true
				if ind.Params.Period > 0 {
					profile.Indicators.ADXPeriod = ind.Params.Period
				}
			case "stochastic":
				profile.Indicators.Stochastic = true
			case "sma":
				if len(ind.Params.Periods) > 0 {
					profile.Indicators.SMAPeriods = ind.Params.Periods
				}
			case "volume":
				profile.Indicators.VolumeStats = true
				if ind.Params.Period > 0 {
					profile.Indicators.VolumePeriod = ind.Params.Period
				}
			default:
				return fmt.Errorf("profile %s references unknown indicator %s", name, ind.Name)
			}
		}
		r.profiles[name] = profile
	}
	return nil
}
