package batchops

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"clsforge/internal/tensor"
)

// FmixOperator mixes pairs through a binary mask thresholded from random
// low-frequency noise, so the pasted region is a smooth blob rather than a
// box.
type FmixOperator struct {
	Alpha       float64
	DecayPower  float64
	MaxSoft     float64
	Reformulate bool
	rng         *rand.Rand
}

// NewFmix validates the parameters. decayPower controls how fast high
// frequencies are attenuated; maxSoft softens the mask edge.
func NewFmix(alpha, decayPower, maxSoft float64, reformulate bool, rng *rand.Rand) (*FmixOperator, error) {
	if err := checkAlpha("fmix", alpha); err != nil {
		return nil, err
	}
	if maxSoft < 0 || maxSoft > 0.5 {
		return nil, errors.Errorf("batchops: fmix max_soft must be in [0, 0.5] (got %g)", maxSoft)
	}
	if decayPower <= 0 {
		decayPower = 3
	}
	return &FmixOperator{Alpha: alpha, DecayPower: decayPower, MaxSoft: maxSoft, Reformulate: reformulate, rng: rng}, nil
}

func (f *FmixOperator) Apply(batch *tensor.Batch) error {
	if err := checkBatch(batch); err != nil {
		return err
	}
	h, w := batch.Images[0].H, batch.Images[0].W
	lam := f.sampleLam()
	mask := binarise(lowFreqMask(h, w, f.DecayPower, f.rng), lam, f.MaxSoft, f.rng)

	perm := f.rng.Perm(batch.Len())
	orig := make([]*tensor.Image, batch.Len())
	for i, img := range batch.Images {
		orig[i] = img.Clone()
	}
	for i, img := range batch.Images {
		other := orig[perm[i]]
		for c := 0; c < img.C; c++ {
			for p, m := range mask {
				k := c*h*w + p
				img.Data[k] = float32(m)*orig[i].Data[k] + float32(1-m)*other.Data[k]
			}
		}
	}
	batch.Mix = &tensor.Mix{LabelsA: batch.Labels, LabelsB: permute(batch.Labels, perm), Lam: lam}
	return nil
}

func (f *FmixOperator) sampleLam() float64 {
	if f.Reformulate {
		return beta(1, f.Alpha, f.rng)
	}
	return beta(f.Alpha, f.Alpha, f.rng)
}

func fftFreq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		k := i
		if i > (n-1)/2 {
			k = i - n
		}
		out[i] = float64(k) / float64(n)
	}
	return out
}

// lowFreqMask returns an h*w row-major grayscale field in [0, 1]: complex
// Gaussian noise weighted by 1/f^decay and brought back to the spatial
// domain with an inverse 2-D FFT.
func lowFreqMask(h, w int, decay float64, rng *rand.Rand) []float64 {
	fy, fx := fftFreq(h), fftFreq(w)
	floor := 1 / float64(max(h, w))
	grid := make([]complex128, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			freq := math.Max(math.Hypot(fy[y], fx[x]), floor)
			scale := 1 / math.Pow(freq, decay)
			grid[y*w+x] = complex(rng.NormFloat64()*scale, rng.NormFloat64()*scale)
		}
	}

	rowFFT := fourier.NewCmplxFFT(w)
	row := make([]complex128, w)
	for y := 0; y < h; y++ {
		rowFFT.Sequence(row, grid[y*w:(y+1)*w])
		copy(grid[y*w:(y+1)*w], row)
	}
	colFFT := fourier.NewCmplxFFT(h)
	col := make([]complex128, h)
	out := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = grid[y*w+x]
		}
		colFFT.Sequence(out, col)
		for y := 0; y < h; y++ {
			grid[y*w+x] = out[y]
		}
	}

	mask := make([]float64, h*w)
	for i, v := range grid {
		mask[i] = real(v)
	}
	lo, hi := floats.Min(mask), floats.Max(mask)
	if hi > lo {
		floats.AddConst(-lo, mask)
		floats.Scale(1/(hi-lo), mask)
	}
	return mask
}

// binarise keeps the top lam share of mask values as 1 and the rest as 0,
// with a linear ramp of width maxSoft around the cut.
func binarise(mask []float64, lam, maxSoft float64, rng *rand.Rand) []float64 {
	n := len(mask)
	idx := make([]int, n)
	vals := append([]float64(nil), mask...)
	floats.Argsort(vals, idx)
	// descending order
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		idx[i], idx[j] = idx[j], idx[i]
	}
	num := int(math.Floor(lam * float64(n)))
	if rng.Float64() > 0.5 {
		num = int(math.Ceil(lam * float64(n)))
	}
	soft := maxSoft
	if soft > lam || soft > 1-lam {
		soft = math.Min(lam, 1-lam)
	}
	width := int(float64(n) * soft)
	low, high := clip(num-width, 0, n), clip(num+width, 0, n)

	out := make([]float64, n)
	for i := 0; i < high; i++ {
		out[idx[i]] = 1
	}
	for i := low; i < n; i++ {
		out[idx[i]] = 0
	}
	if span := high - low; span > 0 {
		for i := low; i < high; i++ {
			out[idx[i]] = 1 - float64(i-low)/float64(max(1, span-1))
		}
	}
	return out
}
