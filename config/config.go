// Package config contains go-lockstep session configuration definitions.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	// MaxPredictionFrames is the upper bound on how far the local simulation
	// may speculate ahead of the last confirmed frame. NumPredictionFrames
	// is clamped to it.
	MaxPredictionFrames = 8

	// KeyframeInterval is the spacing of non-delta saved frames. Every frame
	// whose number is a multiple of the interval is stored whole so delta
	// chains stay short enough to reconstruct inside the frame budget.
	KeyframeInterval = 4

	// DefaultLZ4Accel is the compression speed level used when neither the
	// session config nor the runtime config provides one.
	DefaultLZ4Accel = 2
)

// Config defines the per-session tuning knobs for the sync core. The host
// integration fills it once and passes it to sync.New.
type Config struct {
	// NumPlayers is the number of input queues in the session.
	NumPlayers int `mapstructure:"num-players"`

	// InputSize is the fixed byte width of one player input record.
	InputSize int `mapstructure:"input-size"`

	// NumPredictionFrames bounds speculation; clamped to MaxPredictionFrames.
	NumPredictionFrames int `mapstructure:"prediction-frames"`

	// LZ4Accel selects the compression speed level. Higher is faster with a
	// worse ratio. Values <= 0 defer to the runtime config and then to
	// DefaultLZ4Accel.
	LZ4Accel int `mapstructure:"lz4-accel"`

	// AsyncCompress moves state compression onto a background worker.
	AsyncCompress bool `mapstructure:"async-compress"`
}

// DefaultConfig returns the session defaults for a two-player session with
// the full prediction window.
func DefaultConfig() Config {
	return Config{
		NumPlayers:          2,
		InputSize:           4,
		NumPredictionFrames: MaxPredictionFrames,
		LZ4Accel:            0,
		AsyncCompress:       true,
	}
}

// Validate reports the first structurally invalid field. A
// NumPredictionFrames above MaxPredictionFrames is clamped rather than
// rejected; one below 1 is rejected.
func (c *Config) Validate() error {
	if c.NumPlayers < 1 {
		return fmt.Errorf("config: num-players must be at least 1, got %d", c.NumPlayers)
	}
	if c.InputSize < 1 {
		return fmt.Errorf("config: input-size must be at least 1, got %d", c.InputSize)
	}
	if c.NumPredictionFrames < 1 {
		return fmt.Errorf("config: prediction-frames must be at least 1, got %d", c.NumPredictionFrames)
	}
	if c.NumPredictionFrames > MaxPredictionFrames {
		c.NumPredictionFrames = MaxPredictionFrames
	}
	return nil
}

// runtime holds the environment-backed key/value store consulted once at
// session init for operator overrides (LOCKSTEP_SYNC_LZ4_ACCEL and friends).
var runtime = newRuntime()

func newRuntime() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("lockstep")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// RuntimeInt looks up an integer override such as "sync.lz4-accel" or
// "sync.prediction-frames". Unset keys return 0.
func RuntimeInt(key string) int {
	return runtime.GetInt(key)
}

// SetRuntime overrides a runtime key in-process. Intended for tests and for
// hosts that manage configuration themselves instead of via environment.
func SetRuntime(key string, value any) {
	runtime.Set(key, value)
}
