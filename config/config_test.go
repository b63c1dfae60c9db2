package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Validate())
	require.Equal(t, MaxPredictionFrames, conf.NumPredictionFrames)
}

func TestValidateRejectsBadFields(t *testing.T) {
	conf := DefaultConfig()
	conf.NumPlayers = 0
	require.Error(t, conf.Validate())

	conf = DefaultConfig()
	conf.InputSize = -1
	require.Error(t, conf.Validate())

	conf = DefaultConfig()
	conf.NumPredictionFrames = 0
	require.Error(t, conf.Validate())
}

func TestValidateClampsPredictionFrames(t *testing.T) {
	conf := DefaultConfig()
	conf.NumPredictionFrames = 100
	require.NoError(t, conf.Validate())
	require.Equal(t, MaxPredictionFrames, conf.NumPredictionFrames)
}

func TestRuntimeLookup(t *testing.T) {
	require.Zero(t, RuntimeInt("sync.never-set"))

	SetRuntime("sync.lz4-accel", 7)
	t.Cleanup(func() { SetRuntime("sync.lz4-accel", 0) })
	require.Equal(t, 7, RuntimeInt("sync.lz4-accel"))
}

func TestRuntimeEnvironment(t *testing.T) {
	t.Setenv("LOCKSTEP_SYNC_PREDICTION_FRAMES", "6")
	require.Equal(t, 6, RuntimeInt("sync.prediction-frames"))
}
