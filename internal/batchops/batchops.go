// Package batchops mixes samples within a minibatch after per-image
// preprocessing: Mixup, Cutmix, FMix and the timm-style hybrid.
package batchops

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"clsforge/internal/tensor"
)

// Operator mutates a batch in place and records the mixed targets.
type Operator interface {
	Apply(batch *tensor.Batch) error
}

func checkAlpha(name string, alpha float64) error {
	if !(alpha > 0) {
		return errors.Errorf("batchops: %s alpha must be positive (got %g)", name, alpha)
	}
	return nil
}

func beta(a, b float64, rng *rand.Rand) float64 {
	return distuv.Beta{Alpha: a, Beta: b, Src: rng}.Rand()
}

func checkBatch(batch *tensor.Batch) error {
	if err := batch.Validate(); err != nil {
		return errors.Wrap(err, "batchops")
	}
	if batch.Mix != nil || batch.Soft != nil {
		return errors.New("batchops: batch is already mixed")
	}
	return nil
}

func permute(labels []int, perm []int) []int {
	out := make([]int, len(perm))
	for i, j := range perm {
		out[i] = labels[j]
	}
	return out
}

// blendImages sets img[i] = lam*img[i] + (1-lam)*img[perm[i]] for every i,
// reading from snapshots so the permutation sees the unmixed batch.
func blendImages(images []*tensor.Image, perm []int, lam float32) {
	orig := make([]*tensor.Image, len(images))
	for i, img := range images {
		orig[i] = img.Clone()
	}
	for i, img := range images {
		other := orig[perm[i]].Data
		for k, v := range orig[i].Data {
			img.Data[k] = lam*v + (1-lam)*other[k]
		}
	}
}

// MixupOperator blends every image with a randomly paired one.
type MixupOperator struct {
	Alpha float64
	rng   *rand.Rand
}

// NewMixup validates alpha.
func NewMixup(alpha float64, rng *rand.Rand) (*MixupOperator, error) {
	if err := checkAlpha("mixup", alpha); err != nil {
		return nil, err
	}
	return &MixupOperator{Alpha: alpha, rng: rng}, nil
}

func (m *MixupOperator) Apply(batch *tensor.Batch) error {
	if err := checkBatch(batch); err != nil {
		return err
	}
	lam := beta(m.Alpha, m.Alpha, m.rng)
	perm := m.rng.Perm(batch.Len())
	blendImages(batch.Images, perm, float32(lam))
	batch.Mix = &tensor.Mix{LabelsA: batch.Labels, LabelsB: permute(batch.Labels, perm), Lam: lam}
	return nil
}

// box is a half-open pixel rectangle.
type box struct {
	x0, y0, x1, y1 int
}

func (b box) area() int { return (b.x1 - b.x0) * (b.y1 - b.y0) }

// randBox picks a box covering about 1-lam of a w x h image, centered
// uniformly and clipped to the borders.
func randBox(w, h int, lam float64, rng *rand.Rand) box {
	cut := math.Sqrt(1 - lam)
	cw, ch := int(float64(w)*cut), int(float64(h)*cut)
	cx, cy := rng.IntN(w), rng.IntN(h)
	return box{
		x0: clip(cx-cw/2, 0, w), y0: clip(cy-ch/2, 0, h),
		x1: clip(cx+cw/2, 0, w), y1: clip(cy+ch/2, 0, h),
	}
}

func clip(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

// pasteBox copies the box region of src[perm[i]] into images[i].
func pasteBox(images []*tensor.Image, perm []int, b box) {
	orig := make([]*tensor.Image, len(images))
	for i, img := range images {
		orig[i] = img.Clone()
	}
	for i, img := range images {
		src := orig[perm[i]]
		for c := 0; c < img.C; c++ {
			for y := b.y0; y < b.y1; y++ {
				for x := b.x0; x < b.x1; x++ {
					img.Set(c, y, x, src.At(c, y, x))
				}
			}
		}
	}
}

// CutmixOperator pastes a random box from a paired image and weights the
// labels by the exact pasted area.
type CutmixOperator struct {
	Alpha float64
	rng   *rand.Rand
}

// NewCutmix validates alpha.
func NewCutmix(alpha float64, rng *rand.Rand) (*CutmixOperator, error) {
	if err := checkAlpha("cutmix", alpha); err != nil {
		return nil, err
	}
	return &CutmixOperator{Alpha: alpha, rng: rng}, nil
}

func (c *CutmixOperator) Apply(batch *tensor.Batch) error {
	if err := checkBatch(batch); err != nil {
		return err
	}
	lam := beta(c.Alpha, c.Alpha, c.rng)
	perm := c.rng.Perm(batch.Len())
	h, w := batch.Images[0].H, batch.Images[0].W
	b := randBox(w, h, lam, c.rng)
	pasteBox(batch.Images, perm, b)
	lam = 1 - float64(b.area())/float64(w*h)
	batch.Mix = &tensor.Mix{LabelsA: batch.Labels, LabelsB: permute(batch.Labels, perm), Lam: lam}
	return nil
}
