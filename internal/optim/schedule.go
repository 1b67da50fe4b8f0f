package optim

import (
	"math"

	"github.com/pkg/errors"
)

// Scheduler drives the learning rate of one optimizer. Schedules with
// ByEpoch stepping are advanced once per epoch, the others once per
// optimizer update.
type Scheduler interface {
	Step()
	LR() float64
	ByEpoch() bool
	Name() string
}

type schedule struct {
	opt       Optimizer
	byEpoch   bool
	lastEpoch int
	lr        float64
	calc      func(lastEpoch int) float64
}

func newSchedule(opt Optimizer, byEpoch bool, calc func(int) float64) schedule {
	s := schedule{opt: opt, byEpoch: byEpoch, calc: calc}
	s.lr = calc(0)
	if opt != nil {
		opt.SetLR(s.lr)
	}
	return s
}

func (s *schedule) Step() {
	s.lastEpoch++
	s.lr = s.calc(s.lastEpoch)
	if s.opt != nil {
		s.opt.SetLR(s.lr)
	}
}

func (s *schedule) LR() float64 { return s.lr }

func (s *schedule) ByEpoch() bool { return s.byEpoch }

// LastEpoch returns the number of Step calls so far.
func (s *schedule) LastEpoch() int { return s.lastEpoch }

// Constant keeps the learning rate fixed.
type Constant struct{ schedule }

// NewConstant binds a constant schedule to opt.
func NewConstant(opt Optimizer, lr float64, byEpoch bool) *Constant {
	return &Constant{newSchedule(opt, byEpoch, func(int) float64 { return lr })}
}

func (*Constant) Name() string { return "Constant" }

// Piecewise switches to values[i+1] once the step count reaches boundaries[i].
type Piecewise struct{ schedule }

// NewPiecewise validates boundaries and values and binds the schedule.
func NewPiecewise(opt Optimizer, boundaries []int, values []float64, byEpoch bool) (*Piecewise, error) {
	if len(values) != len(boundaries)+1 {
		return nil, errors.Errorf("optim: piecewise needs %d values for %d boundaries (got %d)",
			len(boundaries)+1, len(boundaries), len(values))
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] <= boundaries[i-1] {
			return nil, errors.New("optim: piecewise boundaries must increase")
		}
	}
	b := append([]int(nil), boundaries...)
	v := append([]float64(nil), values...)
	return &Piecewise{newSchedule(opt, byEpoch, func(epoch int) float64 {
		for i, bound := range b {
			if epoch < bound {
				return v[i]
			}
		}
		return v[len(v)-1]
	})}, nil
}

func (*Piecewise) Name() string { return "Piecewise" }

// StepDecay multiplies the rate by gamma every stepSize steps.
type StepDecay struct{ schedule }

// NewStepDecay binds lr * gamma^(epoch/stepSize) to opt.
func NewStepDecay(opt Optimizer, lr float64, stepSize int, gamma float64, byEpoch bool) (*StepDecay, error) {
	if stepSize <= 0 {
		return nil, errors.Errorf("optim: step_size must be > 0 (got %d)", stepSize)
	}
	if gamma == 0 {
		gamma = 0.1
	}
	return &StepDecay{newSchedule(opt, byEpoch, func(epoch int) float64 {
		return lr * math.Pow(gamma, float64(epoch/stepSize))
	})}, nil
}

func (*StepDecay) Name() string { return "Step" }

// Cosine anneals from lr to etaMin over tMax steps after an optional linear
// warmup from warmupStart.
type Cosine struct{ schedule }

// CosineOptions configures NewCosine. All step counts are in the unit the
// schedule is stepped in.
type CosineOptions struct {
	LR          float64
	EtaMin      float64
	TMax        int
	Warmup      int
	WarmupStart float64
	ByEpoch     bool
}

// NewCosine binds a warmup+cosine schedule to opt.
func NewCosine(opt Optimizer, o CosineOptions) (*Cosine, error) {
	if o.TMax <= 0 {
		return nil, errors.Errorf("optim: cosine T_max must be > 0 (got %d)", o.TMax)
	}
	if o.Warmup < 0 || o.Warmup >= o.TMax {
		return nil, errors.Errorf("optim: warmup %d must be in [0, T_max=%d)", o.Warmup, o.TMax)
	}
	return &Cosine{newSchedule(opt, o.ByEpoch, func(epoch int) float64 {
		if epoch < o.Warmup {
			return o.WarmupStart + (o.LR-o.WarmupStart)*float64(epoch)/float64(o.Warmup)
		}
		span := o.TMax - o.Warmup
		progress := math.Min(float64(epoch-o.Warmup)/float64(span), 1)
		return o.EtaMin + (o.LR-o.EtaMin)*(1+math.Cos(math.Pi*progress))/2
	})}, nil
}

func (*Cosine) Name() string { return "Cosine" }

// ReduceOnPlateau lowers the rate when a monitored metric stops improving.
// It ignores Step and is driven by StepMetric.
type ReduceOnPlateau struct {
	opt       Optimizer
	lr        float64
	Factor    float64
	Patience  int
	Threshold float64
	Cooldown  int
	MinLR     float64
	Max       bool

	best     float64
	bad      int
	cooldown int
	seen     bool
}

// NewReduceOnPlateau binds the schedule to opt. mode is "min" or "max".
func NewReduceOnPlateau(opt Optimizer, lr, factor float64, patience int, threshold float64, mode string) (*ReduceOnPlateau, error) {
	if factor <= 0 || factor >= 1 {
		return nil, errors.Errorf("optim: plateau factor must be in (0,1) (got %g)", factor)
	}
	if mode == "" {
		mode = "min"
	}
	if mode != "min" && mode != "max" {
		return nil, errors.Errorf("optim: plateau mode %q", mode)
	}
	if threshold == 0 {
		threshold = 1e-4
	}
	if opt != nil {
		opt.SetLR(lr)
	}
	return &ReduceOnPlateau{
		opt:       opt,
		lr:        lr,
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Max:       mode == "max",
	}, nil
}

func (*ReduceOnPlateau) Name() string { return "ReduceOnPlateau" }

func (*ReduceOnPlateau) ByEpoch() bool { return true }

func (r *ReduceOnPlateau) LR() float64 { return r.lr }

// Sync adopts the bound optimizer's current rate, as after a resume.
func (r *ReduceOnPlateau) Sync() {
	if r.opt != nil {
		r.lr = r.opt.LR()
	}
}

// Step is a no-op; use StepMetric.
func (r *ReduceOnPlateau) Step() {}

// StepMetric records one observation of the monitored value.
func (r *ReduceOnPlateau) StepMetric(v float64) {
	if r.cooldown > 0 {
		r.cooldown--
		r.bad = 0
	}
	if !r.seen || r.improved(v) {
		r.best = v
		r.seen = true
		r.bad = 0
		return
	}
	r.bad++
	if r.cooldown == 0 && r.bad > r.Patience {
		next := math.Max(r.lr*r.Factor, r.MinLR)
		if r.lr-next > 1e-12 {
			r.lr = next
			if r.opt != nil {
				r.opt.SetLR(r.lr)
			}
		}
		r.cooldown = r.Cooldown
		r.bad = 0
	}
}

// PlateauState is the progress a ReduceOnPlateau carries between epochs.
type PlateauState struct {
	Best     float64
	Bad      int
	Cooldown int
	Seen     bool
}

func (r *ReduceOnPlateau) State() PlateauState {
	return PlateauState{Best: r.best, Bad: r.bad, Cooldown: r.cooldown, Seen: r.seen}
}

// SetState restores progress saved by State.
func (r *ReduceOnPlateau) SetState(s PlateauState) {
	r.best, r.bad, r.cooldown, r.seen = s.Best, s.Bad, s.Cooldown, s.Seen
}

func (r *ReduceOnPlateau) improved(v float64) bool {
	if r.Max {
		return v > r.best*(1+r.Threshold)
	}
	return v < r.best*(1-r.Threshold)
}
