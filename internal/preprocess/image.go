// Package preprocess implements the per-image augmentation operators and
// the pipeline that turns encoded image bytes into normalized tensors.
//
// Operators draw randomness from the *rand.Rand they were built with and
// are not safe for concurrent use; build one pipeline per worker.
package preprocess

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
)

// Fill is an RGB fill color used by geometric operators.
type Fill [3]uint8

// Gray128 is the fill used by the auto-augment policies.
var Gray128 = Fill{128, 128, 128}

func (f Fill) nrgba() color.NRGBA {
	return color.NRGBA{R: f[0], G: f[1], B: f[2], A: 0xff}
}

// ToNRGBA returns img as *image.NRGBA with bounds starting at the origin,
// copying only when needed.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

func filled(w, h int, f Fill) *image.NRGBA {
	return imaging.New(w, h, f.nrgba())
}

func cloneNRGBA(img *image.NRGBA) *image.NRGBA {
	out := image.NewNRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	return out
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// mapRGB applies fn to the RGB channels of every pixel, keeping alpha.
// imaging runs fn from several goroutines, so fn must not mutate state.
func mapRGB(img *image.NRGBA, fn func(ch int, v uint8) uint8) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: fn(0, c.R), G: fn(1, c.G), B: fn(2, c.B), A: c.A}
	})
}

// luma is the ITU-R 601-2 transform used for grayscale conversion.
func luma(r, g, b uint8) uint8 {
	return uint8((uint32(r)*299 + uint32(g)*587 + uint32(b)*114) / 1000)
}
