package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/katalvlaran/mpcmatch/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestNewAppliesOptionsInOrder(t *testing.T) {
	o, err := config.New(
		config.WithAlpha(0.3),
		config.WithSamplingMode(config.SamplingFixed),
		config.WithSamplingP(0.2),
		config.WithSeed(99),
	)
	require.NoError(t, err)
	assert.Equal(t, 0.3, o.Alpha)
	assert.Equal(t, config.SamplingFixed, o.SamplingMode)
	assert.Equal(t, 0.2, o.SamplingP)
	assert.Equal(t, uint64(99), o.Seed)
}

func TestValidateRejectsBadAlpha(t *testing.T) {
	_, err := config.New(config.WithAlpha(1.2))
	assert.ErrorIs(t, err, config.ErrBadAlpha)

	_, err = config.New(config.WithAlpha(0))
	assert.ErrorIs(t, err, config.ErrBadAlpha)
}

func TestValidateRejectsBadMemoryFractions(t *testing.T) {
	_, err := config.New(config.WithMemoryFractions(0.9, 0.75))
	assert.ErrorIs(t, err, config.ErrBadMemoryFractions)
}

func TestValidateRejectsUnknownSamplingMode(t *testing.T) {
	_, err := config.New(config.WithSamplingMode("bogus"))
	assert.ErrorIs(t, err, config.ErrBadSamplingMode)
}

func TestValidateFixedModeRequiresSamplingP(t *testing.T) {
	_, err := config.New(config.WithSamplingMode(config.SamplingFixed), config.WithSamplingP(0))
	assert.ErrorIs(t, err, config.ErrBadSamplingP)
}

func TestValidateRejectsUnknownSamplingEstimator(t *testing.T) {
	_, err := config.New(config.WithSamplingEstimator("bogus"))
	assert.ErrorIs(t, err, config.ErrBadSamplingEstimator)
}

func TestWithSamplingEstimatorSelectsLast(t *testing.T) {
	o, err := config.New(config.WithSamplingEstimator(config.EstimatorLast))
	require.NoError(t, err)
	assert.Equal(t, config.EstimatorLast, o.SamplingEstimator)
}

func TestLoadViperReadsYAMLAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	yaml := []byte("alpha: 0.4\nphase_budget: 10\nsampling:\n  mode: fixed\n  p: 0.15\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	o, err := config.LoadViper(path)
	require.NoError(t, err)
	assert.Equal(t, 0.4, o.Alpha)
	assert.Equal(t, 10, o.PhaseBudget)
	assert.Equal(t, config.SamplingFixed, o.SamplingMode)
	assert.Equal(t, 0.15, o.SamplingP)
	// Untouched fields fall back to defaults.
	assert.Equal(t, config.Default().CMem, o.CMem)
	assert.Equal(t, config.Default().FinishStrategy, o.FinishStrategy)
}
