package preprocess

import (
	"image"
	"math"
	"math/rand"
)

type subPolicyOp struct {
	prob float64
	name string
	bin  int
}

// imageNetPolicy lists the 25 learned ImageNet sub-policies as pairs of
// (probability, operation, magnitude bin).
var imageNetPolicy = [][2]subPolicyOp{
	{{0.4, "posterize", 8}, {0.6, "rotate", 9}},
	{{0.6, "solarize", 5}, {0.6, "autocontrast", 5}},
	{{0.8, "equalize", 8}, {0.6, "equalize", 3}},
	{{0.6, "posterize", 7}, {0.6, "posterize", 6}},
	{{0.4, "equalize", 7}, {0.2, "solarize", 4}},
	{{0.4, "equalize", 4}, {0.8, "rotate", 8}},
	{{0.6, "solarize", 3}, {0.6, "equalize", 7}},
	{{0.8, "posterize", 5}, {1.0, "equalize", 2}},
	{{0.2, "rotate", 3}, {0.6, "solarize", 8}},
	{{0.6, "equalize", 8}, {0.4, "posterize", 6}},
	{{0.8, "rotate", 8}, {0.4, "color", 0}},
	{{0.4, "rotate", 9}, {0.6, "equalize", 2}},
	{{0.0, "equalize", 7}, {0.8, "equalize", 8}},
	{{0.6, "invert", 4}, {1.0, "equalize", 8}},
	{{0.6, "color", 4}, {1.0, "contrast", 8}},
	{{0.8, "rotate", 8}, {1.0, "color", 2}},
	{{0.8, "color", 8}, {0.8, "solarize", 7}},
	{{0.4, "sharpness", 7}, {0.6, "invert", 8}},
	{{0.6, "shearX", 5}, {1.0, "equalize", 9}},
	{{0.4, "color", 0}, {0.6, "equalize", 3}},
	{{0.4, "equalize", 7}, {0.2, "solarize", 4}},
	{{0.6, "solarize", 5}, {0.6, "autocontrast", 5}},
	{{0.6, "invert", 4}, {1.0, "equalize", 8}},
	{{0.6, "color", 4}, {1.0, "contrast", 8}},
	{{0.8, "equalize", 8}, {0.6, "equalize", 3}},
}

// linspace returns n evenly spaced values from lo to hi inclusive.
func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return out
}

func magnitudeRanges() map[string][]float64 {
	posterize := linspace(8, 4, maxLevel)
	for i, v := range posterize {
		posterize[i] = math.Round(v)
	}
	zeros := make([]float64, maxLevel)
	return map[string][]float64{
		"shearX":       linspace(0, 0.3, maxLevel),
		"shearY":       linspace(0, 0.3, maxLevel),
		"translateX":   linspace(0, 150.0/331, maxLevel),
		"translateY":   linspace(0, 150.0/331, maxLevel),
		"rotate":       linspace(0, 30, maxLevel),
		"color":        linspace(0, 0.9, maxLevel),
		"posterize":    posterize,
		"solarize":     linspace(256, 0, maxLevel),
		"contrast":     linspace(0, 0.9, maxLevel),
		"sharpness":    linspace(0, 0.9, maxLevel),
		"brightness":   linspace(0, 0.9, maxLevel),
		"autocontrast": zeros,
		"equalize":     zeros,
		"invert":       zeros,
	}
}

// AutoAugment applies one randomly chosen ImageNet sub-policy.
type AutoAugment struct {
	funcs  map[string]augmentFunc
	ranges map[string][]float64
	rng    *rand.Rand
}

// NewAutoAugment builds the ImageNet policy.
func NewAutoAugment(fill Fill, rng *rand.Rand) *AutoAugment {
	return &AutoAugment{funcs: standardOps(fill, rng), ranges: magnitudeRanges(), rng: rng}
}

func (a *AutoAugment) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	policy := imageNetPolicy[a.rng.Intn(len(imageNetPolicy))]
	for _, op := range policy {
		if a.rng.Float64() < op.prob {
			img = a.funcs[op.name](img, a.ranges[op.name][op.bin])
		}
	}
	return img, nil
}
