package preprocess

import (
	"image"
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"clsforge/internal/tensor"
)

// Cutout zeroes NHoles squares of side Length centered at random pixels.
type Cutout struct {
	NHoles int
	Length int
	Rand   *rand.Rand
}

func (c *Cutout) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := cloneNRGBA(img)
	for n := 0; n < c.NHoles; n++ {
		cy, cx := c.Rand.Intn(h), c.Rand.Intn(w)
		y0, y1 := max(0, cy-c.Length/2), min(h, cy+c.Length/2)
		x0, x1 := max(0, cx-c.Length/2), min(w, cx+c.Length/2)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				off := out.PixOffset(x, y)
				out.Pix[off], out.Pix[off+1], out.Pix[off+2] = 0, 0, 0
			}
		}
	}
	return out, nil
}

// RandomErasing replaces a random rectangle of the normalized tensor with
// the per-channel Mean (Mode "const") or Gaussian noise (Mode "pixel").
type RandomErasing struct {
	Epsilon      float64
	SL, SH       float64
	R1           float64
	Mean         [3]float32
	Attempt      int
	UseLogAspect bool
	Mode         string
	Rand         *rand.Rand
}

// NewRandomErasing returns the operator with the usual defaults.
func NewRandomErasing(rng *rand.Rand) *RandomErasing {
	return &RandomErasing{Epsilon: 0.5, SL: 0.02, SH: 0.4, R1: 0.3, Attempt: 100, Mode: "const", Rand: rng}
}

func (r *RandomErasing) Apply(img *tensor.Image) error {
	if r.Rand.Float64() > r.Epsilon {
		return nil
	}
	if r.Mode != "const" && r.Mode != "pixel" {
		return errors.Errorf("preprocess: random erasing mode %q", r.Mode)
	}
	area := float32(img.H * img.W)
	lo, hi := float32(r.R1), 1/float32(r.R1)
	if r.UseLogAspect {
		lo, hi = math32.Log(lo), math32.Log(hi)
	}
	for attempt := 0; attempt < r.Attempt; attempt++ {
		target := area * float32(r.SL+r.Rand.Float64()*(r.SH-r.SL))
		aspect := lo + float32(r.Rand.Float64())*(hi-lo)
		if r.UseLogAspect {
			aspect = math32.Exp(aspect)
		}
		eh := int(math32.Round(math32.Sqrt(target * aspect)))
		ew := int(math32.Round(math32.Sqrt(target / aspect)))
		if ew <= 0 || eh <= 0 || ew >= img.W || eh >= img.H {
			continue
		}
		y0 := r.Rand.Intn(img.H - eh + 1)
		x0 := r.Rand.Intn(img.W - ew + 1)
		for c := 0; c < img.C; c++ {
			for y := y0; y < y0+eh; y++ {
				for x := x0; x < x0+ew; x++ {
					v := r.Mean[c%3]
					if r.Mode == "pixel" {
						v = float32(r.Rand.NormFloat64())
					}
					img.Set(c, y, x, v)
				}
			}
		}
		return nil
	}
	return nil
}

// HideAndSeek divides the image into a grid of a randomly chosen cell size
// and zeroes each cell with probability HideProb.
type HideAndSeek struct {
	GridSizes []int
	HideProb  float64
	Rand      *rand.Rand
}

// NewHideAndSeek returns the operator with the usual grid sizes.
func NewHideAndSeek(rng *rand.Rand) *HideAndSeek {
	return &HideAndSeek{GridSizes: []int{0, 16, 32, 44, 56}, HideProb: 0.5, Rand: rng}
}

func (h *HideAndSeek) Apply(img *tensor.Image) error {
	size := h.GridSizes[h.Rand.Intn(len(h.GridSizes))]
	if size <= 0 {
		return nil
	}
	for y0 := 0; y0 < img.H; y0 += size {
		for x0 := 0; x0 < img.W; x0 += size {
			if h.Rand.Float64() > h.HideProb {
				continue
			}
			for c := 0; c < img.C; c++ {
				for y := y0; y < min(img.H, y0+size); y++ {
					for x := x0; x < min(img.W, x0+size); x++ {
						img.Set(c, y, x, 0)
					}
				}
			}
		}
	}
	return nil
}

// GridMask multiplies the image by a mask of evenly spaced square holes.
type GridMask struct {
	D1, D2 int
	Rotate int
	Ratio  float64
	Mode   int
	Prob   float64
	Rand   *rand.Rand
}

// NewGridMask returns the operator with the usual defaults.
func NewGridMask(rng *rand.Rand) *GridMask {
	return &GridMask{D1: 96, D2: 224, Rotate: 1, Ratio: 0.5, Mode: 0, Prob: 1, Rand: rng}
}

func (g *GridMask) Apply(img *tensor.Image) error {
	if g.D2 <= g.D1 || g.D1 <= 0 {
		return errors.Errorf("preprocess: grid mask needs 0 < d1 < d2 (got %d, %d)", g.D1, g.D2)
	}
	if g.Rand.Float64() > g.Prob {
		return nil
	}
	hh := int(math.Ceil(math.Sqrt(float64(img.H*img.H + img.W*img.W))))
	d := g.D1 + g.Rand.Intn(g.D2-g.D1)
	l := int(math.Ceil(float64(d) * g.Ratio))
	mask := make([]float32, hh*hh)
	for i := range mask {
		mask[i] = 1
	}
	stH, stW := g.Rand.Intn(d), g.Rand.Intn(d)
	for i := -1; i <= hh/d; i++ {
		s := max(0, min(hh, d*i+stH))
		t := max(0, min(hh, d*i+stH+l))
		for y := s; y < t; y++ {
			for x := 0; x < hh; x++ {
				mask[y*hh+x] = 0
			}
		}
		s = max(0, min(hh, d*i+stW))
		t = max(0, min(hh, d*i+stW+l))
		for y := 0; y < hh; y++ {
			for x := s; x < t; x++ {
				mask[y*hh+x] = 0
			}
		}
	}
	angle := 0.0
	if g.Rotate > 1 {
		angle = float64(g.Rand.Intn(g.Rotate)) * math.Pi / 180
	}
	cos, sin := math.Cos(angle), math.Sin(angle)
	c := float64(hh) / 2
	offY, offX := (hh-img.H)/2, (hh-img.W)/2
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			// sample the rotated mask at this pixel, nearest neighbour
			dx, dy := float64(x+offX)+0.5-c, float64(y+offY)+0.5-c
			sx := int(math.Floor(cos*dx + sin*dy + c))
			sy := int(math.Floor(-sin*dx + cos*dy + c))
			m := float32(1)
			if sx >= 0 && sx < hh && sy >= 0 && sy < hh {
				m = mask[sy*hh+sx]
			}
			if g.Mode == 1 {
				m = 1 - m
			}
			for ch := 0; ch < img.C; ch++ {
				idx := img.Index(ch, y, x)
				img.Data[idx] *= m
			}
		}
	}
	return nil
}
