package presets

import (
	"github.com/lockstepio/go-lockstep/config"
)

func init() {
	register("fastnet", fastnet())
	register("sync-test", syncTest())
}

// fastnet is tuned for integration tests on a LAN: a short prediction
// window keeps rollbacks shallow and synchronous compression keeps frame
// timing deterministic.
func fastnet() config.Config {
	conf := config.DefaultConfig()

	conf.NumPredictionFrames = 4
	conf.LZ4Accel = 4
	conf.AsyncCompress = false

	return conf
}

// syncTest drives the core the way a determinism harness does: maximum
// prediction depth and the best compression ratio so state divergence
// shows up in the checksum log as early as possible.
func syncTest() config.Config {
	conf := config.DefaultConfig()

	conf.NumPredictionFrames = config.MaxPredictionFrames
	conf.LZ4Accel = 1
	conf.AsyncCompress = true

	return conf
}
