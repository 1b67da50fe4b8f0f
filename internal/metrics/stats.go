package metrics

import "time"

// Window accumulates throughput across the iterations of one epoch.
type Window struct {
	samples int
	reader  time.Duration
	batch   time.Duration
	steps   int
	lossSum float64
}

// Record adds one iteration. batchTime covers the whole iteration including
// readerTime.
func (w *Window) Record(batchSize int, readerTime, batchTime time.Duration, loss float64) {
	w.samples += batchSize
	w.reader += readerTime
	w.batch += batchTime
	w.steps++
	w.lossSum += loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Samples: w.samples, Steps: w.steps}
	if w.batch > 0 {
		snap.ImagesPerSec = float64(w.samples) / w.batch.Seconds()
	}
	if w.steps > 0 {
		snap.AvgReaderMS = (w.reader.Seconds() * 1000) / float64(w.steps)
		snap.AvgBatchMS = (w.batch.Seconds() * 1000) / float64(w.steps)
		snap.AvgLoss = w.lossSum / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable epoch metrics.
type Snapshot struct {
	Samples      int
	Steps        int
	ImagesPerSec float64
	AvgReaderMS  float64
	AvgBatchMS   float64
	AvgLoss      float64
}
