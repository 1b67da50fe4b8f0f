package trainer

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"clsforge/internal/checkpoint"
	"clsforge/internal/loss"
	"clsforge/internal/optim"
)

// LatestPrefix names the checkpoint rewritten after every epoch.
const LatestPrefix = "latest"

// Run trains from StartEpoch+1 through Epochs. A finished profiling range
// ends the run without error.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.Epochs <= 0 {
		return errors.Errorf("trainer: epochs must be > 0 (got %d)", e.Epochs)
	}
	defer func() {
		if err := e.Profiler.Close(); err != nil {
			e.logger().Printf("profiler: close err=%v", err)
		}
	}()
	e.logger().Printf("trainer: run=%s epochs=%d iter_per_epoch=%d update_freq=%d amp=%t ema=%t start_epoch=%d",
		e.RunID, e.Epochs, e.IterPerEpoch, e.updateFreq(), e.Scaler != nil, e.EMA != nil, e.StartEpoch+1)

	for epoch := e.StartEpoch + 1; epoch <= e.Epochs; epoch++ {
		e.OutputInfo.Reset()
		e.MetricInfo.Reset()
		e.epochLosses = e.epochLosses[:0]

		err := e.TrainEpoch(ctx, epoch, e.PrintBatchStep)
		if errors.Is(err, ErrProfileDone) {
			e.logger().Printf("trainer: profiling finished at global_step=%d, stopping", e.GlobalStep)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "trainer: epoch %d", epoch)
		}
		e.logEpoch(epoch)

		if avg, ok := e.OutputInfo.Lookup(loss.TotalKey); ok {
			for _, s := range e.Schedulers {
				if p, plateau := s.(*optim.ReduceOnPlateau); plateau {
					p.StepMetric(avg.Avg())
				}
			}
		}
		if err := e.saveEpoch(epoch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) logEpoch(epoch int) {
	var msg []string
	if m := avgInfo(&e.MetricInfo, ", "); m != "" {
		msg = append(msg, m)
	}
	if m := avgInfo(&e.OutputInfo, ", "); m != "" {
		msg = append(msg, m)
	}
	e.logger().Printf("[Train][Epoch %d/%d][Avg]%s", epoch, e.Epochs, strings.Join(msg, ", "))

	snap := e.Throughput.Snapshot()
	mean, std := 0.0, 0.0
	if len(e.epochLosses) > 0 {
		mean, std = stat.MeanStdDev(e.epochLosses, nil)
	}
	e.logger().Printf("epoch=%d steps=%d samples=%d images_per_sec=%.1f reader_ms=%.2f batch_ms=%.2f loss_mean=%.4f loss_std=%.4f",
		epoch, snap.Steps, snap.Samples, snap.ImagesPerSec, snap.AvgReaderMS, snap.AvgBatchMS, mean, std)
}

// saveEpoch rewrites the latest checkpoint and keeps an epoch copy every
// SaveInterval epochs. Nothing is written without an output directory.
func (e *Engine) saveEpoch(epoch int) error {
	if e.OutputDir == "" {
		return nil
	}
	state := e.State(epoch)
	if _, err := checkpoint.Save(e.OutputDir, LatestPrefix, state); err != nil {
		return err
	}
	if e.SaveInterval > 0 && epoch%e.SaveInterval == 0 {
		path, err := checkpoint.Save(e.OutputDir, fmt.Sprintf("epoch_%d", epoch), state)
		if err != nil {
			return err
		}
		e.logger().Printf("checkpoint: saved path=%s epoch=%d global_step=%d", path, epoch, e.GlobalStep)
	}
	return nil
}

// State captures the engine after epoch.
func (e *Engine) State(epoch int) checkpoint.State {
	state := checkpoint.State{
		RunID:          e.RunID,
		Epoch:          epoch,
		GlobalStep:     e.GlobalStep,
		SchedulerSteps: append([]int(nil), e.schedSteps...),
		Params:         checkpoint.Capture(e.Model.Parameters()),
	}
	for _, opt := range e.Optimizers {
		state.LRs = append(state.LRs, opt.LR())
	}
	if e.Scaler != nil {
		state.LossScale = e.Scaler.LossScale()
	}
	if e.EMA != nil {
		for _, row := range e.EMA.Shadow() {
			state.EMA = append(state.EMA, append([]float64(nil), row...))
		}
	}
	for i, s := range e.Schedulers {
		if p, ok := s.(*optim.ReduceOnPlateau); ok {
			if state.Plateau == nil {
				state.Plateau = make(map[int]optim.PlateauState)
			}
			state.Plateau[i] = p.State()
		}
	}
	return state
}

// Resume restores weights, counters and schedules from state. Schedules are
// replayed to their saved step count; the saved learning rates then win,
// which also carries plateau reductions over along with their patience.
func (e *Engine) Resume(state checkpoint.State) error {
	if err := checkpoint.Restore(e.Model.Parameters(), state.Params); err != nil {
		return err
	}
	if len(state.LRs) != len(e.Optimizers) {
		return errors.Errorf("trainer: checkpoint has %d learning rates for %d optimizers", len(state.LRs), len(e.Optimizers))
	}
	if state.SchedulerSteps != nil && len(state.SchedulerSteps) != len(e.Schedulers) {
		return errors.Errorf("trainer: checkpoint has %d schedulers, engine has %d", len(state.SchedulerSteps), len(e.Schedulers))
	}
	e.schedSteps = make([]int, len(e.Schedulers))
	for i, n := range state.SchedulerSteps {
		for j := 0; j < n; j++ {
			e.Schedulers[i].Step()
		}
		e.schedSteps[i] = n
	}
	for i, opt := range e.Optimizers {
		opt.SetLR(state.LRs[i])
	}
	for i, s := range e.Schedulers {
		if p, ok := s.(*optim.ReduceOnPlateau); ok {
			p.Sync()
			if ps, ok := state.Plateau[i]; ok {
				p.SetState(ps)
			}
		}
	}
	if e.EMA != nil && state.EMA != nil {
		if err := e.EMA.SetShadow(state.EMA); err != nil {
			return err
		}
	}
	if e.Scaler != nil && state.LossScale > 0 {
		e.Scaler.SetLossScale(state.LossScale)
	}
	e.GlobalStep = state.GlobalStep
	e.StartEpoch = state.Epoch
	e.logger().Printf("trainer: resumed run=%s epoch=%d global_step=%d", state.RunID, state.Epoch, state.GlobalStep)
	return nil
}
