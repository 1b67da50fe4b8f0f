package trainer

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"clsforge/internal/amp"
	"clsforge/internal/loss"
	"clsforge/internal/model"
	"clsforge/internal/tensor"
)

// TrainEpoch runs IterPerEpoch iterations. Optimizers step only on update
// boundaries, every UpdateFreq iterations; gradients accumulate in between.
func (e *Engine) TrainEpoch(ctx context.Context, epochID, printBatchStep int) error {
	if err := e.validate(); err != nil {
		return err
	}
	if printBatchStep <= 0 {
		printBatchStep = 1
	}
	e.timeMeters()
	freq := e.updateFreq()

	tic := time.Now()
	for iterID := 0; iterID < e.IterPerEpoch; iterID++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.fetch(ctx)
		if err != nil {
			return err
		}
		e.Profiler.Step()
		if e.Profiler.Finished() {
			return ErrProfileDone
		}
		if iterID == 5 {
			e.TimeInfo.Reset()
		}
		readerCost := time.Since(tic)
		e.TimeInfo.Get(ReaderCost, "", "").Update(readerCost.Seconds(), 1)

		batchSize := batch.Len()
		if err := e.checkTargets(&batch, batchSize); err != nil {
			return err
		}
		e.GlobalStep++

		out, lossDict, err := e.forward(ctx, &batch)
		if err != nil {
			return err
		}
		avgLoss := lossDict.Loss().Div(float64(freq))
		boundary := (iterID+1)%freq == 0

		if e.Scaler != nil {
			if err := e.Scaler.Scale(avgLoss).Backward(); err != nil {
				return errors.Wrap(err, "trainer: backward")
			}
		} else if err := avgLoss.Backward(); err != nil {
			return errors.Wrap(err, "trainer: backward")
		}

		if boundary {
			if err := e.optimizerStep(); err != nil {
				return err
			}
		}

		if err := e.updateMetric(out, &batch, batchSize); err != nil {
			return err
		}
		e.updateLoss(lossDict, batchSize)

		batchCost := time.Since(tic)
		e.TimeInfo.Get(BatchCost, "", "").Update(batchCost.Seconds(), 1)
		e.Throughput.Record(batchSize, readerCost, batchCost, lossDict.Loss().Value)
		if iterID%printBatchStep == 0 {
			e.logInfo(batchSize, epochID, iterID)
		}
		tic = time.Now()
	}
	e.stepSchedulers(byEpoch)
	return nil
}

// fetch returns the next batch, resetting the loader once at the end of a
// pass.
func (e *Engine) fetch(ctx context.Context) (tensor.Batch, error) {
	batch, err := e.Loader.Next(ctx)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, io.EOF) {
		return tensor.Batch{}, errors.Wrap(err, "trainer: fetch batch")
	}
	if err := e.Loader.Reset(); err != nil {
		return tensor.Batch{}, errors.Wrap(err, "trainer: reset loader")
	}
	batch, err = e.Loader.Next(ctx)
	if err != nil {
		return tensor.Batch{}, errors.Wrap(err, "trainer: fetch batch after reset")
	}
	return batch, nil
}

// checkTargets requires one target per image: soft rows for multilabel
// runs, labels otherwise.
func (e *Engine) checkTargets(batch *tensor.Batch, batchSize int) error {
	if e.UseMultilabel && len(batch.Soft) != batchSize {
		return errors.Errorf("trainer: multilabel batch has %d target rows for %d samples", len(batch.Soft), batchSize)
	}
	if err := batch.Validate(); err != nil {
		return errors.Wrap(err, "trainer: bad batch")
	}
	return nil
}

// forward runs the model and the loss, inside the autocast scope when mixed
// precision is on.
func (e *Engine) forward(ctx context.Context, batch *tensor.Batch) (*tensor.Output, loss.Dict, error) {
	if e.Scaler != nil {
		ctx = amp.WithAutocast(ctx, e.Autocast)
	}
	var (
		out *tensor.Output
		err error
	)
	if rec, ok := e.Model.(model.RecNetwork); ok && e.IsRec {
		out, err = rec.ForwardWithLabels(ctx, batch)
	} else {
		out, err = e.Model.Forward(ctx, batch)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "trainer: forward")
	}
	dict, err := e.LossFunc(out, batch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "trainer: loss")
	}
	if _, ok := dict.Get(loss.TotalKey); !ok {
		return nil, nil, errors.Errorf("trainer: loss dict has no %q term", loss.TotalKey)
	}
	return out, dict, nil
}

// optimizerStep closes an update boundary: step every optimizer, clear the
// gradients, advance per-step schedules and fold the weights into the EMA.
func (e *Engine) optimizerStep() error {
	for _, opt := range e.Optimizers {
		if e.Scaler != nil {
			if err := e.Scaler.Minimize(opt); err != nil {
				return err
			}
			continue
		}
		if err := opt.Step(); err != nil {
			return errors.Wrap(err, "trainer: optimizer step")
		}
	}
	if e.Scaler != nil {
		e.Scaler.Update()
	}
	for _, opt := range e.Optimizers {
		opt.ClearGrad()
	}
	e.stepSchedulers(byStep)
	if e.EMA != nil {
		if err := e.EMA.Update(e.Model); err != nil {
			return errors.Wrap(err, "trainer: ema update")
		}
	}
	return nil
}
