package preprocess

import (
	"image"
	"math/rand"

	"golang.org/x/image/draw"
)

// augmentFunc applies one named policy operation at a magnitude.
type augmentFunc func(img *image.NRGBA, magnitude float64) *image.NRGBA

// maxLevel is the magnitude that maps to the full range of every operation.
const maxLevel = 10

func randomSign(rng *rand.Rand) float64 {
	if rng.Intn(2) == 0 {
		return -1
	}
	return 1
}

// standardOps returns the operation table shared by RandAugment and the
// ImageNet auto-augment policy. Geometric magnitudes and enhancement deltas
// get a random sign; translations are fractions of the image size.
func standardOps(fill Fill, rng *rand.Rand) map[string]augmentFunc {
	return map[string]augmentFunc{
		"shearX": func(img *image.NRGBA, m float64) *image.NRGBA {
			return ShearX(img, m*randomSign(rng), draw.CatmullRom, fill)
		},
		"shearY": func(img *image.NRGBA, m float64) *image.NRGBA {
			return ShearY(img, m*randomSign(rng), draw.CatmullRom, fill)
		},
		"translateX": func(img *image.NRGBA, m float64) *image.NRGBA {
			return TranslateX(img, m*float64(img.Rect.Dx())*randomSign(rng), draw.NearestNeighbor, fill)
		},
		"translateY": func(img *image.NRGBA, m float64) *image.NRGBA {
			return TranslateY(img, m*float64(img.Rect.Dy())*randomSign(rng), draw.NearestNeighbor, fill)
		},
		"rotate": func(img *image.NRGBA, m float64) *image.NRGBA {
			return Rotate(img, m, draw.NearestNeighbor, Gray128)
		},
		"color": func(img *image.NRGBA, m float64) *image.NRGBA {
			return Color(img, 1+m*randomSign(rng))
		},
		"posterize": func(img *image.NRGBA, m float64) *image.NRGBA {
			return Posterize(img, int(m))
		},
		"solarize": func(img *image.NRGBA, m float64) *image.NRGBA {
			return Solarize(img, m)
		},
		"contrast": func(img *image.NRGBA, m float64) *image.NRGBA {
			return Contrast(img, 1+m*randomSign(rng))
		},
		"sharpness": func(img *image.NRGBA, m float64) *image.NRGBA {
			return Sharpness(img, 1+m*randomSign(rng))
		},
		"brightness": func(img *image.NRGBA, m float64) *image.NRGBA {
			return Brightness(img, 1+m*randomSign(rng))
		},
		"autocontrast": func(img *image.NRGBA, _ float64) *image.NRGBA {
			return AutoContrast(img)
		},
		"equalize": func(img *image.NRGBA, _ float64) *image.NRGBA {
			return Equalize(img)
		},
		"invert": func(img *image.NRGBA, _ float64) *image.NRGBA {
			return Invert(img)
		},
	}
}

type level struct {
	name  string
	value float64
}

// RandAugment applies NumLayers operations chosen uniformly at random, each
// at a strength fixed by the magnitude.
type RandAugment struct {
	NumLayers int
	Magnitude float64

	levels []level
	funcs  map[string]augmentFunc
	rng    *rand.Rand
}

// NewRandAugment builds the original RandAugment variant.
func NewRandAugment(numLayers int, magnitude float64, fill Fill, rng *rand.Rand) *RandAugment {
	a := magnitude / maxLevel
	return &RandAugment{
		NumLayers: numLayers,
		Magnitude: magnitude,
		levels: []level{
			{"shearX", 0.3 * a},
			{"shearY", 0.3 * a},
			{"translateX", 150.0 / 331 * a},
			{"translateY", 150.0 / 331 * a},
			{"rotate", 30 * a},
			{"color", 0.9 * a},
			{"posterize", float64(int(4.0 * a))},
			{"solarize", 256.0 * a},
			{"contrast", 0.9 * a},
			{"sharpness", 0.9 * a},
			{"brightness", 0.9 * a},
			{"autocontrast", 0},
			{"equalize", 0},
			{"invert", 0},
		},
		funcs: standardOps(fill, rng),
		rng:   rng,
	}
}

// NewRandAugmentV2 builds the variant tuned for EfficientNetV2: absolute
// pixel translations, direct enhancement factors, random rotation sign,
// solarize_add and cutout.
func NewRandAugmentV2(numLayers int, magnitude float64, fill Fill, rng *rand.Rand) *RandAugment {
	a := magnitude / maxLevel
	funcs := map[string]augmentFunc{
		"shearX": func(img *image.NRGBA, m float64) *image.NRGBA {
			return ShearX(img, m*randomSign(rng), draw.NearestNeighbor, fill)
		},
		"shearY": func(img *image.NRGBA, m float64) *image.NRGBA {
			return ShearY(img, m*randomSign(rng), draw.NearestNeighbor, fill)
		},
		"translateX": func(img *image.NRGBA, m float64) *image.NRGBA {
			return TranslateX(img, m*randomSign(rng), draw.NearestNeighbor, fill)
		},
		"translateY": func(img *image.NRGBA, m float64) *image.NRGBA {
			return TranslateY(img, m*randomSign(rng), draw.NearestNeighbor, fill)
		},
		"rotate": func(img *image.NRGBA, m float64) *image.NRGBA {
			return Rotate(img, m*randomSign(rng), draw.NearestNeighbor, Gray128)
		},
		"color":      func(img *image.NRGBA, m float64) *image.NRGBA { return Color(img, m) },
		"posterize":  func(img *image.NRGBA, m float64) *image.NRGBA { return Posterize(img, int(m)) },
		"solarize":   func(img *image.NRGBA, m float64) *image.NRGBA { return Solarize(img, m) },
		"contrast":   func(img *image.NRGBA, m float64) *image.NRGBA { return Contrast(img, m) },
		"sharpness":  func(img *image.NRGBA, m float64) *image.NRGBA { return Sharpness(img, m) },
		"brightness": func(img *image.NRGBA, m float64) *image.NRGBA { return Brightness(img, m) },
		"solarize_add": func(img *image.NRGBA, m float64) *image.NRGBA {
			return SolarizeAdd(img, int(m), 128)
		},
		"autocontrast": func(img *image.NRGBA, _ float64) *image.NRGBA { return AutoContrast(img) },
		"equalize":     func(img *image.NRGBA, _ float64) *image.NRGBA { return Equalize(img) },
		"invert":       func(img *image.NRGBA, _ float64) *image.NRGBA { return Invert(img) },
		"cutout": func(img *image.NRGBA, m float64) *image.NRGBA {
			return cutoutCenter(img, int(m), fill[0], rng)
		},
	}
	return &RandAugment{
		NumLayers: numLayers,
		Magnitude: magnitude,
		levels: []level{
			{"shearX", 0.3 * a},
			{"shearY", 0.3 * a},
			{"translateX", 100.0 * a},
			{"translateY", 100.0 * a},
			{"rotate", 30 * a},
			{"color", 1.8*a + 0.1},
			{"posterize", float64(int(4.0 * a))},
			{"solarize", float64(int(256.0 * a))},
			{"solarize_add", float64(int(110.0 * a))},
			{"contrast", 1.8*a + 0.1},
			{"sharpness", 1.8*a + 0.1},
			{"brightness", 1.8*a + 0.1},
			{"autocontrast", 0},
			{"equalize", 0},
			{"invert", 0},
			{"cutout", float64(int(40 * a))},
		},
		funcs: funcs,
		rng:   rng,
	}
}

func (r *RandAugment) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	for i := 0; i < r.NumLayers; i++ {
		l := r.levels[r.rng.Intn(len(r.levels))]
		img = r.funcs[l.name](img, l.value)
	}
	return img, nil
}

// Ops lists the operation names in selection order.
func (r *RandAugment) Ops() []string {
	names := make([]string, len(r.levels))
	for i, l := range r.levels {
		names[i] = l.name
	}
	return names
}

// cutoutCenter fills a square of half-size pad around a uniformly chosen
// center (the image edge included) with replace.
func cutoutCenter(img *image.NRGBA, pad int, replace uint8, rng *rand.Rand) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cy := rng.Intn(h + 1)
	cx := rng.Intn(w + 1)
	y0, y1 := max(0, cy-pad), min(h, cy+pad)
	x0, x1 := max(0, cx-pad), min(w, cx+pad)
	out := cloneNRGBA(img)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			off := out.PixOffset(x, y)
			out.Pix[off], out.Pix[off+1], out.Pix[off+2] = replace, replace, replace
		}
	}
	return out
}
