package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultControllerConfigIsValid(t *testing.T) {
	cfg := DefaultControllerConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.005, cfg.MinCTR)
	assert.Equal(t, int64(1000), cfg.MinImpressionsForCTR)
	assert.Equal(t, 10000, cfg.ThompsonDraws)
	assert.Equal(t, 0.95, cfg.ConfidenceLevelDefault)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultControllerConfig()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"CPC_MIN_CTR":           "0.01",
		"CPC_THOMPSON_DRAWS":    "500",
		"CPC_MIN_SAMPLE_SIZE":   "250",
		"CPC_TICK_INTERVAL":     "30s",
		"CPC_AUTO_APPLY_BUDGET": "true",
		"CPC_TENANTS":           " t1, t2 ,,",
		"CPC_TARGET_CPA":        "",
	}))
	require.NoError(t, err)

	assert.Equal(t, 0.01, cfg.MinCTR)
	assert.Equal(t, 500, cfg.ThompsonDraws)
	assert.Equal(t, int64(250), cfg.MinSampleSize)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.True(t, cfg.AutoApplyBudget)
	assert.Equal(t, []string{"t1", "t2"}, cfg.Tenants)
	// 空值不覆盖
	assert.Equal(t, 50.0, cfg.TargetCPA)
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"CPC_MIN_CTR":           "abc",
		"CPC_WORKER_COUNT":      "many",
		"CPC_TICK_INTERVAL":     "soon",
		"CPC_AUTO_APPLY_BUDGET": "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			cfg := DefaultControllerConfig()
			err := cfg.ApplyEnv(lookupFrom(map[string]string{key: value}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.MinCTR = 0
	cfg.CeilingROAS = cfg.ScaleROASThreshold
	cfg.ExplorationFloor = 0.6
	cfg.Tenants = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_ctr")
	assert.Contains(t, err.Error(), "ceiling_roas")
	assert.Contains(t, err.Error(), "exploration_floor")
	assert.Contains(t, err.Error(), "tenants")
}

func TestValidatePauseQuotaWindow(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.MaxPausesPerWindow = 10
	cfg.PauseQuotaWindow = 0
	assert.Error(t, cfg.Validate())

	cfg.PauseQuotaWindow = time.Minute
	assert.NoError(t, cfg.Validate())
}

func TestLoadControllerConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpc.yaml")
	content := `
tick_interval: 10m
tenants: [brand-a, brand-b]
min_ctr: 0.008
retry:
  max_attempts: 6
  base_delay: 250ms
  multiplier: 2
  jitter: 0.1
  call_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CPC_MIN_CTR", "0.009")

	cfg, err := LoadControllerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.TickInterval)
	assert.Equal(t, []string{"brand-a", "brand-b"}, cfg.Tenants)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	// 环境变量优先于文件
	assert.Equal(t, 0.009, cfg.MinCTR)
	// 文件未指定的字段保留默认值
	assert.Equal(t, 3.0, cfg.ScaleROASThreshold)
}

func TestLoadControllerConfigErrors(t *testing.T) {
	_, err := LoadControllerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_ctr: 2\n"), 0o600))
	_, err = LoadControllerConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_ctr")
}

func TestMaintainFloorFollowsTargetROAS(t *testing.T) {
	cfg := DefaultControllerConfig()
	assert.Equal(t, 2.0, cfg.MaintainFloor())

	require.NoError(t, cfg.ApplyEnv(lookupFrom(map[string]string{"CPC_TARGET_ROAS": "2.5"})))
	assert.Equal(t, 2.5, cfg.MaintainFloor())
	require.NoError(t, cfg.Validate())

	require.NoError(t, cfg.ApplyEnv(lookupFrom(map[string]string{"CPC_MAINTAIN_ROAS_FLOOR": "1.8"})))
	assert.Equal(t, 1.8, cfg.MaintainFloor())

	// 目标ROAS不低于扩量阈值时分段非法
	cfg = DefaultControllerConfig()
	cfg.TargetROAS = 3.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reduce < maintain < scale")
}

func TestLoadControllerConfigTargetROAS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target_roas: 2.4\n"), 0o600))

	cfg, err := LoadControllerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2.4, cfg.TargetROAS)
	assert.Equal(t, 2.4, cfg.MaintainFloor())
}

func TestCloneCopiesTenants(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.Tenants = []string{"a"}
	clone := cfg.Clone()
	clone.Tenants[0] = "b"
	clone.MinCTR = 0.5
	assert.Equal(t, "a", cfg.Tenants[0])
	assert.Equal(t, 0.005, cfg.MinCTR)
}
