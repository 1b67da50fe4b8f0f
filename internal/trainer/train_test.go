package trainer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math"
	"strings"
	"testing"

	"clsforge/internal/amp"
	"clsforge/internal/ema"
	"clsforge/internal/loss"
	"clsforge/internal/optim"
	"clsforge/internal/tensor"
)

// scalarModel emits logits [w, 0] for every sample.
type scalarModel struct {
	w        *optim.Parameter
	forwards int
	autocast int
	withLbl  int
	inf      bool
}

func newScalarModel() *scalarModel {
	return &scalarModel{w: optim.NewParameter("w", 1)}
}

func (m *scalarModel) Parameters() []*optim.Parameter { return []*optim.Parameter{m.w} }

func (m *scalarModel) Forward(ctx context.Context, batch *tensor.Batch) (*tensor.Output, error) {
	m.forwards++
	if _, ok := amp.FromContext(ctx); ok {
		m.autocast++
	}
	logits := make([][]float64, batch.Len())
	for i := range logits {
		logits[i] = []float64{m.w.Data[0], 0}
	}
	out := &tensor.Output{Logits: logits}
	out.Backward = func(grad [][]float64) error {
		for _, g := range grad {
			m.w.Grad[0] += g[0]
		}
		if m.inf {
			m.w.Grad[0] = math.Inf(1)
		}
		return nil
	}
	return out, nil
}

func (m *scalarModel) ForwardWithLabels(ctx context.Context, batch *tensor.Batch) (*tensor.Output, error) {
	m.withLbl++
	return m.Forward(ctx, batch)
}

// meanLoss is the batch mean of the first logit.
func meanLoss(out *tensor.Output, batch *tensor.Batch) (loss.Dict, error) {
	n := len(out.Logits)
	sum := 0.0
	for _, row := range out.Logits {
		sum += row[0]
	}
	s := tensor.NewScalar(sum/float64(n), func(coeff float64) error {
		grad := make([][]float64, n)
		for i := range grad {
			grad[i] = []float64{coeff / float64(n), 0}
		}
		return out.Backward(grad)
	})
	return loss.Dict{{Name: "MeanLoss", Scalar: s}, {Name: loss.TotalKey, Scalar: s}}, nil
}

// countingOpt records steps and the gradient seen at each step.
type countingOpt struct {
	params []*optim.Parameter
	lr     float64
	steps  int
	clears int
	grads  []float64
}

func (o *countingOpt) Step() error {
	o.steps++
	o.grads = append(o.grads, o.params[0].Grad[0])
	return nil
}

func (o *countingOpt) ClearGrad() {
	o.clears++
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *countingOpt) Parameters() []*optim.Parameter { return o.params }
func (o *countingOpt) LR() float64                    { return o.lr }
func (o *countingOpt) SetLR(lr float64)               { o.lr = lr }

type countingSched struct {
	byEpoch bool
	steps   int
}

func (s *countingSched) Step()         { s.steps++ }
func (s *countingSched) LR() float64   { return 0.1 }
func (s *countingSched) ByEpoch() bool { return s.byEpoch }
func (s *countingSched) Name() string  { return "Counting" }

// sliceLoader serves perPass batches of two samples, then io.EOF.
type sliceLoader struct {
	perPass int
	served  int
	resets  int
}

func (l *sliceLoader) Next(ctx context.Context) (tensor.Batch, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Batch{}, err
	}
	if l.served == l.perPass {
		return tensor.Batch{}, io.EOF
	}
	l.served++
	return tensor.Batch{
		Images: []*tensor.Image{tensor.NewImage(1, 1, 1), tensor.NewImage(1, 1, 1)},
		Labels: []int{0, 1},
	}, nil
}

func (l *sliceLoader) Reset() error {
	l.resets++
	l.served = 0
	return nil
}

func newTestEngine(t *testing.T, iters, updateFreq int) (*Engine, *scalarModel, *countingOpt) {
	t.Helper()
	m := newScalarModel()
	opt := &countingOpt{params: m.Parameters(), lr: 0.1}
	return &Engine{
		Model:        m,
		LossFunc:     meanLoss,
		Optimizers:   []optim.Optimizer{opt},
		Loader:       &sliceLoader{perPass: 100},
		UpdateFreq:   updateFreq,
		IterPerEpoch: iters,
		Epochs:       1,
		Logger:       log.New(io.Discard, "", 0),
	}, m, opt
}

func TestTrainEpochAccumulatesGradients(t *testing.T) {
	e, _, opt := newTestEngine(t, 6, 3)
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if opt.steps != 2 || opt.clears != 2 {
		t.Fatalf("expected 2 steps and clears, got %d and %d", opt.steps, opt.clears)
	}
	for i, g := range opt.grads {
		// three iterations of d(mean/3)/dw = 1/3 each
		if math.Abs(g-1) > 1e-9 {
			t.Fatalf("step %d saw grad %v, want 1", i, g)
		}
	}
	if e.GlobalStep != 6 {
		t.Fatalf("global step %d, want 6", e.GlobalStep)
	}
}

func TestTrainEpochPartialAccumulationIsNotStepped(t *testing.T) {
	e, m, opt := newTestEngine(t, 5, 2)
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if opt.steps != 2 {
		t.Fatalf("expected 2 steps, got %d", opt.steps)
	}
	if m.w.Grad[0] == 0 {
		t.Fatal("expected the trailing iteration's gradient to remain accumulated")
	}
}

func TestTrainEpochSchedulers(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, 2)
	perStep := &countingSched{}
	perEpoch := &countingSched{byEpoch: true}
	plateau, err := optim.NewReduceOnPlateau(nil, 0.1, 0.5, 0, 0, "min")
	if err != nil {
		t.Fatalf("plateau: %v", err)
	}
	e.Schedulers = []optim.Scheduler{perStep, perEpoch, plateau}
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if perStep.steps != 2 {
		t.Fatalf("per-step scheduler stepped %d times, want 2", perStep.steps)
	}
	if perEpoch.steps != 1 {
		t.Fatalf("per-epoch scheduler stepped %d times, want 1", perEpoch.steps)
	}
	if got := e.schedSteps; len(got) != 3 || got[0] != 2 || got[1] != 1 || got[2] != 0 {
		t.Fatalf("unexpected scheduler step counts %v", got)
	}
}

func TestTrainEpochEMAOnBoundaries(t *testing.T) {
	e, m, _ := newTestEngine(t, 4, 2)
	shadow, err := ema.New(m, 0.9)
	if err != nil {
		t.Fatalf("ema: %v", err)
	}
	e.EMA = shadow
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if shadow.Updates() != 2 {
		t.Fatalf("ema updated %d times, want 2", shadow.Updates())
	}
}

func TestTrainEpochResetsLoader(t *testing.T) {
	e, _, _ := newTestEngine(t, 5, 1)
	loader := &sliceLoader{perPass: 2}
	e.Loader = loader
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if loader.resets != 2 {
		t.Fatalf("loader reset %d times, want 2", loader.resets)
	}
}

func TestTrainEpochEmptyPassFails(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, 1)
	e.Loader = &sliceLoader{perPass: 0}
	if err := e.TrainEpoch(context.Background(), 1, 10); err == nil {
		t.Fatal("expected error when the loader is empty after reset")
	}
}

func TestTrainEpochAMP(t *testing.T) {
	e, m, opt := newTestEngine(t, 2, 1)
	scaler, err := amp.NewGradScaler(amp.ScalerOptions{InitLossScaling: 8})
	if err != nil {
		t.Fatalf("scaler: %v", err)
	}
	e.Scaler = scaler
	e.Autocast = amp.Options{Level: amp.O1}
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if m.autocast != 2 {
		t.Fatalf("forward ran under autocast %d times, want 2", m.autocast)
	}
	if opt.steps != 2 {
		t.Fatalf("expected 2 steps, got %d", opt.steps)
	}
	for _, g := range opt.grads {
		if math.Abs(g-1) > 1e-9 {
			t.Fatalf("gradient %v was not unscaled", g)
		}
	}

	m.inf = true
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if opt.steps != 2 {
		t.Fatalf("non-finite gradients should skip the update, got %d steps", opt.steps)
	}
	if opt.clears != 4 {
		t.Fatalf("gradients must still be cleared, got %d clears", opt.clears)
	}
	skipped, overflowed := scaler.Stats()
	if skipped != 2 || overflowed != 2 {
		t.Fatalf("unexpected scaler stats skipped=%d overflowed=%d", skipped, overflowed)
	}
	if scaler.LossScale() != 4 {
		t.Fatalf("loss scale %v, want 4 after two overflows", scaler.LossScale())
	}
}

func TestTrainEpochMultipleOptimizers(t *testing.T) {
	e, m, first := newTestEngine(t, 4, 2)
	extra := optim.NewParameter("extra", 1)
	second := &countingOpt{params: []*optim.Parameter{extra}, lr: 0.1}
	e.Optimizers = append(e.Optimizers, second)
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if first.steps != 2 || second.steps != 2 {
		t.Fatalf("optimizers stepped %d and %d times, want 2 each", first.steps, second.steps)
	}
	if m.forwards != 4 {
		t.Fatalf("forward ran %d times, want 4", m.forwards)
	}
}

func TestTrainEpochRecModelGetsLabels(t *testing.T) {
	e, m, _ := newTestEngine(t, 3, 1)
	e.IsRec = true
	if err := e.TrainEpoch(context.Background(), 1, 10); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if m.withLbl != 3 {
		t.Fatalf("ForwardWithLabels ran %d times, want 3", m.withLbl)
	}
}

func TestTrainEpochChecksTargets(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, 1)
	e.UseMultilabel = true
	if err := e.TrainEpoch(context.Background(), 1, 10); err == nil {
		t.Fatal("expected error for multilabel batch without soft targets")
	}
}

func TestTrainEpochCanceled(t *testing.T) {
	e, _, _ := newTestEngine(t, 3, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.TrainEpoch(ctx, 1, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTrainEpochValidates(t *testing.T) {
	e, _, _ := newTestEngine(t, 0, 1)
	if err := e.TrainEpoch(context.Background(), 1, 10); err == nil {
		t.Fatal("expected error for zero iterations")
	}
	e, _, _ = newTestEngine(t, 1, 1)
	e.Optimizers = nil
	if err := e.TrainEpoch(context.Background(), 1, 10); err == nil {
		t.Fatal("expected error without optimizers")
	}
}

func TestLogInfoLine(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, 1)
	var buf bytes.Buffer
	e.Logger = log.New(&buf, "", 0)
	e.Epochs = 2
	e.Schedulers = []optim.Scheduler{&countingSched{}}
	if err := e.TrainEpoch(context.Background(), 1, 2); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}
	first := lines[0]
	if !strings.HasPrefix(first, "[Train][Epoch 1/2][Iter: 0/4]lr(Counting): 0.10000000, ") {
		t.Fatalf("unexpected prefix: %s", first)
	}
	for _, part := range []string{"MeanLoss: ", "loss: ", "batch_cost: ", "s, reader_cost: ", "ips: ", " samples/s, eta: "} {
		if !strings.Contains(first, part) {
			t.Fatalf("log line %q lacks %q", first, part)
		}
	}
	if !strings.Contains(lines[1], "[Iter: 2/4]") {
		t.Fatalf("second line should report iteration 2: %s", lines[1])
	}
}

func TestFormatETA(t *testing.T) {
	cases := map[float64]string{
		0:         "0:00:00",
		62.9:      "0:01:02",
		3600 * 25: "1 day, 1:00:00",
		86400 * 3: "3 days, 0:00:00",
		-4:        "0:00:00",
	}
	for in, want := range cases {
		if got := formatETA(in); got != want {
			t.Fatalf("formatETA(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestTrainEpochExcludesWarmupFromTiming(t *testing.T) {
	e, _, opt := newTestEngine(t, 8, 0)
	if err := e.TrainEpoch(context.Background(), 1, 0); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	// meters restart at the sixth iteration, leaving iterations 5..7
	for _, name := range []string{BatchCost, ReaderCost} {
		m, ok := e.TimeInfo.Lookup(name)
		if !ok {
			t.Fatalf("meter %s missing", name)
		}
		if m.Count() != 3 {
			t.Fatalf("meter %s counted %d iterations, want 3", name, m.Count())
		}
	}
	if opt.steps != 8 || e.GlobalStep != 8 {
		t.Fatalf("expected 8 optimizer steps and global steps, got %d and %d", opt.steps, e.GlobalStep)
	}
}
