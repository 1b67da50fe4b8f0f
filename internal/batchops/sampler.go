package batchops

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"clsforge/internal/tensor"
)

// Weighted pairs an operator with its selection probability.
type Weighted struct {
	Op   Operator
	Prob float64
}

// OpSampler applies at most one of its operators per batch, chosen by
// probability. The probability mass left over selects no operator.
type OpSampler struct {
	ops []Weighted
	rng *rand.Rand
}

// NewOpSampler checks that the probabilities sum to at most one.
func NewOpSampler(ops []Weighted, rng *rand.Rand) (*OpSampler, error) {
	total := 0.0
	for _, w := range ops {
		if w.Prob < 0 {
			return nil, errors.Errorf("batchops: negative sampler prob %g", w.Prob)
		}
		total += w.Prob
	}
	if total > 1+1e-9 {
		return nil, errors.Errorf("batchops: sampler probs sum to %g > 1", total)
	}
	return &OpSampler{ops: ops, rng: rng}, nil
}

func (s *OpSampler) Apply(batch *tensor.Batch) error {
	u := s.rng.Float64()
	acc := 0.0
	for _, w := range s.ops {
		acc += w.Prob
		if u < acc {
			return w.Op.Apply(batch)
		}
	}
	return nil
}

// HybridOptions configures MixupCutmixHybrid.
type HybridOptions struct {
	MixupAlpha     float64
	CutmixAlpha    float64
	Prob           float64
	SwitchProb     float64
	LabelSmoothing float64
	NumClasses     int
	// CorrectLam recomputes lam from the clipped cutmix box.
	CorrectLam bool
}

// MixupCutmixHybrid switches between mixup and cutmix per batch and writes
// smoothed soft targets. Pairs are formed by reversing the batch.
type MixupCutmixHybrid struct {
	opts HybridOptions
	rng  *rand.Rand
}

// NewMixupCutmixHybrid requires at least one positive alpha and a class count.
func NewMixupCutmixHybrid(opts HybridOptions, rng *rand.Rand) (*MixupCutmixHybrid, error) {
	if opts.MixupAlpha <= 0 && opts.CutmixAlpha <= 0 {
		return nil, errors.New("batchops: hybrid needs mixup_alpha or cutmix_alpha > 0")
	}
	if opts.NumClasses <= 0 {
		return nil, errors.New("batchops: hybrid needs num_classes")
	}
	if opts.LabelSmoothing < 0 || opts.LabelSmoothing >= 1 {
		return nil, errors.Errorf("batchops: label_smoothing must be in [0, 1) (got %g)", opts.LabelSmoothing)
	}
	return &MixupCutmixHybrid{opts: opts, rng: rng}, nil
}

func (m *MixupCutmixHybrid) sample() (lam float64, cutmix bool) {
	lam = 1
	if m.rng.Float64() >= m.opts.Prob {
		return lam, false
	}
	switch {
	case m.opts.MixupAlpha > 0 && m.opts.CutmixAlpha > 0:
		cutmix = m.rng.Float64() < m.opts.SwitchProb
		if cutmix {
			lam = beta(m.opts.CutmixAlpha, m.opts.CutmixAlpha, m.rng)
		} else {
			lam = beta(m.opts.MixupAlpha, m.opts.MixupAlpha, m.rng)
		}
	case m.opts.MixupAlpha > 0:
		lam = beta(m.opts.MixupAlpha, m.opts.MixupAlpha, m.rng)
	default:
		cutmix = true
		lam = beta(m.opts.CutmixAlpha, m.opts.CutmixAlpha, m.rng)
	}
	return lam, cutmix
}

func (m *MixupCutmixHybrid) Apply(batch *tensor.Batch) error {
	if err := checkBatch(batch); err != nil {
		return err
	}
	n := batch.Len()
	if n%2 != 0 {
		return errors.Errorf("batchops: hybrid needs an even batch size (got %d)", n)
	}
	for _, l := range batch.Labels {
		if l < 0 || l >= m.opts.NumClasses {
			return errors.Errorf("batchops: label %d outside [0, %d)", l, m.opts.NumClasses)
		}
	}
	flip := make([]int, n)
	for i := range flip {
		flip[i] = n - 1 - i
	}
	lam, cutmix := m.sample()
	if lam != 1 {
		if cutmix {
			h, w := batch.Images[0].H, batch.Images[0].W
			b := randBox(w, h, lam, m.rng)
			pasteBox(batch.Images, flip, b)
			if m.opts.CorrectLam {
				lam = 1 - float64(b.area())/float64(w*h)
			}
		} else {
			blendImages(batch.Images, flip, float32(lam))
		}
	}
	off := m.opts.LabelSmoothing / float64(m.opts.NumClasses)
	on := 1 - m.opts.LabelSmoothing + off
	soft := make([][]float64, n)
	for i := range soft {
		row := make([]float64, m.opts.NumClasses)
		for k := range row {
			row[k] = off
		}
		row[batch.Labels[i]] += lam * (on - off)
		row[batch.Labels[flip[i]]] += (1 - lam) * (on - off)
		soft[i] = row
	}
	batch.Soft = soft
	return nil
}
