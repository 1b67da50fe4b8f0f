// Package trainer runs the per-epoch training loop: data fetching, forward
// and backward passes, gradient accumulation, mixed precision, learning
// rate schedules, EMA and logging.
package trainer

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"clsforge/internal/amp"
	"clsforge/internal/ema"
	"clsforge/internal/loss"
	"clsforge/internal/metrics"
	"clsforge/internal/model"
	"clsforge/internal/optim"
	"clsforge/internal/profiler"
	"clsforge/internal/tensor"
)

// DataLoader yields training batches. Next returns io.EOF at the end of a
// pass; Reset rewinds for the next pass.
type DataLoader interface {
	Next(ctx context.Context) (tensor.Batch, error)
	Reset() error
}

// ErrProfileDone stops a run once the configured profiling range has been
// captured.
var ErrProfileDone = errors.New("trainer: profiling finished")

// Time meter names.
const (
	BatchCost  = "batch_cost"
	ReaderCost = "reader_cost"
)

// Engine is the mutable training context shared by every step of a run.
type Engine struct {
	Model      model.Network
	LossFunc   loss.Func
	Optimizers []optim.Optimizer
	Schedulers []optim.Scheduler
	// Scaler enables mixed precision when non-nil.
	Scaler   *amp.GradScaler
	Autocast amp.Options
	// EMA is updated after every optimizer step when non-nil.
	EMA    *ema.ModelEMA
	Loader DataLoader
	Metric metrics.Func

	UpdateFreq     int
	IterPerEpoch   int
	Epochs         int
	PrintBatchStep int
	GlobalStep     int
	UseMultilabel  bool
	IsRec          bool

	TimeInfo   metrics.Meters
	OutputInfo metrics.Meters
	MetricInfo metrics.Meters
	Throughput metrics.Window

	Profiler *profiler.Profiler
	Logger   *log.Logger

	SaveInterval int
	OutputDir    string
	RunID        string
	StartEpoch   int

	schedSteps  []int
	epochLosses []float64
}

func (e *Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}

func (e *Engine) updateFreq() int {
	if e.UpdateFreq <= 0 {
		return 1
	}
	return e.UpdateFreq
}

func (e *Engine) timeMeters() {
	e.TimeInfo.Get(BatchCost, "%.5f", "")
	e.TimeInfo.Get(ReaderCost, "%.5f", "")
}

func (e *Engine) validate() error {
	switch {
	case e.Model == nil:
		return errors.New("trainer: no model")
	case e.LossFunc == nil:
		return errors.New("trainer: no loss function")
	case len(e.Optimizers) == 0:
		return errors.New("trainer: no optimizer")
	case e.Loader == nil:
		return errors.New("trainer: no data loader")
	case e.IterPerEpoch <= 0:
		return errors.Errorf("trainer: iter_per_epoch must be > 0 (got %d)", e.IterPerEpoch)
	}
	return nil
}

// stepSchedulers advances the schedulers selected by keep.
func (e *Engine) stepSchedulers(keep func(optim.Scheduler) bool) {
	if len(e.schedSteps) != len(e.Schedulers) {
		e.schedSteps = make([]int, len(e.Schedulers))
	}
	for i, s := range e.Schedulers {
		if keep(s) {
			s.Step()
			e.schedSteps[i]++
		}
	}
}

func byStep(s optim.Scheduler) bool { return !s.ByEpoch() }

func byEpoch(s optim.Scheduler) bool {
	if _, plateau := s.(*optim.ReduceOnPlateau); plateau {
		return false
	}
	return s.ByEpoch()
}
