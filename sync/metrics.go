package sync

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lockstepio/go-lockstep/config"
	"github.com/lockstepio/go-lockstep/metrics"
)

const subsystem = "sync"

var (
	savedFrames = metrics.NewCounter(
		"saved_frames_total",
		subsystem,
		"number of saved simulation states by kind",
		[]string{"kind"},
	)
	keyframeSaves = savedFrames.WithLabelValues("keyframe")
	deltaSaves    = savedFrames.WithLabelValues("delta")

	rollbacks = metrics.NewCounter(
		"rollbacks_total",
		subsystem,
		"number of rollbacks triggered by a prediction error",
		[]string{},
	).WithLabelValues()

	rollbackDepth = metrics.NewHistogramWithBuckets(
		"rollback_depth_frames",
		subsystem,
		"frames resimulated per rollback",
		[]string{},
		prometheus.LinearBuckets(1, 1, config.MaxPredictionFrames),
	).WithLabelValues()

	rollbackLoadFailures = metrics.NewCounter(
		"rollback_load_failures_total",
		subsystem,
		"rollbacks aborted because the target frame could not be restored",
		[]string{},
	).WithLabelValues()

	compressRejected = metrics.NewCounter(
		"compress_rejected_total",
		subsystem,
		"state payloads kept uncompressed because compression was not a win",
		[]string{},
	).WithLabelValues()

	inputsRejected = metrics.NewCounter(
		"inputs_rejected_total",
		subsystem,
		"local inputs rejected at the prediction barrier",
		[]string{},
	).WithLabelValues()

	eventsDropped = metrics.NewCounter(
		"events_dropped_total",
		subsystem,
		"controller events dropped because the event queue was full",
		[]string{},
	).WithLabelValues()
)
