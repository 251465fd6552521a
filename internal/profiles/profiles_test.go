package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinProfiles(t *testing.T) {
	registry, err := NewRegistry("")
	require.NoError(t, err)

	trend, err := registry.Get("trend_follow_v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"15m", "1h", "4h"}, trend.Timeframes)
	assert.False(t, trend.RequireDerivs)
	assert.Equal(t, DefaultConstraints, trend.Constraints)
	assert.Equal(t, []int{9, 21, 50}, trend.Indicators.EMAPeriods)

	perps, err := registry.Get("crypto_perps_v1")
	require.NoError(t, err)
	assert.True(t, perps.RequireDerivs)
	assert.True(t, perps.Indicators.VolumeStats)

	full, err := registry.Get("full_v1")
	require.NoError(t, err)
	assert.True(t, full.Indicators.Bollinger)
	assert.True(t, full.Indicators.ADX)
	assert.Contains(t, full.Timeframes, "1d")

	_, err = registry.Get("unknown")
	assert.Error(t, err)
}

func TestYAMLOverlayWithExtends(t *testing.T) {
	yaml := `
scalp_v1:
  extends: trend_follow_v1
  timeframes: ["1m", "5m"]
  requires_derivs: true
  indicators:
    - name: rsi
      params:
        period: 7
    - name: bollinger
      params:
        period: 20
        std_dev: 2.5
  constraints:
    max_position_size_pct: 5
    min_hold_minutes: 2
    max_trades_per_hour: 20
    max_leverage: 3
`
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	registry, err := NewRegistry(path)
	require.NoError(t, err)

	scalp, err := registry.Get("scalp_v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1m", "5m"}, scalp.Timeframes)
	assert.True(t, scalp.RequireDerivs)
	// Inherited from the parent.
	assert.Equal(t, []int{9, 21, 50}, scalp.Indicators.EMAPeriods)
	// Overridden.
	assert.Equal(t, 7, scalp.Indicators.RSIPeriod)
	assert.True(t, scalp.Indicators.Bollinger)
	assert.Equal(t, 2.5, scalp.Indicators.BollingerStdDev)
	assert.Equal(t, 5, scalp.Constraints.MaxPositionSizePct)

	// Built-ins remain intact.
	trend, err := registry.Get("trend_follow_v1")
	require.NoError(t, err)
	assert.Equal(t, 14, trend.Indicators.RSIPeriod)
}

func TestYAMLUnknownExtends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bad_v1:\n  extends: nope\n"), 0644))

	_, err := NewRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestYAMLUnknownIndicator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("bad_v1:\n  indicators:\n    - name: vwap\n"), 0644))

	_, err := NewRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown indicator")
}
