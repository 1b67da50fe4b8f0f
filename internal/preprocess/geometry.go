package preprocess

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Interpolation names accepted by the geometric operators.
const (
	InterpNearest  = "nearest"
	InterpBilinear = "bilinear"
	InterpBicubic  = "bicubic"
)

func interpolator(name string) (draw.Interpolator, error) {
	switch name {
	case "", InterpBilinear:
		return draw.BiLinear, nil
	case InterpNearest:
		return draw.NearestNeighbor, nil
	case InterpBicubic:
		return draw.CatmullRom, nil
	case "approx_bilinear":
		return draw.ApproxBiLinear, nil
	}
	return nil, errors.Errorf("preprocess: unknown interpolation %q", name)
}

// Affine resamples img through the inverse map given as six coefficients
// (a, b, c, d, e, f): the output pixel (x, y) samples the input at
// (a*x + b*y + c, d*x + e*y + f). Output pixels that fall outside the input
// take the fill color.
func Affine(img *image.NRGBA, coeffs [6]float64, interp draw.Interpolator, fill Fill) *image.NRGBA {
	a, b, c, d, e, f := coeffs[0], coeffs[1], coeffs[2], coeffs[3], coeffs[4], coeffs[5]
	det := a*e - b*d
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := filled(w, h, fill)
	if det == 0 {
		return out
	}
	s2d := f64.Aff3{
		e / det, -b / det, (b*f - c*e) / det,
		-d / det, a / det, (c*d - a*f) / det,
	}
	interp.Transform(out, s2d, img, img.Rect, draw.Src, nil)
	return out
}

// ShearX shears horizontally by factor.
func ShearX(img *image.NRGBA, factor float64, interp draw.Interpolator, fill Fill) *image.NRGBA {
	return Affine(img, [6]float64{1, factor, 0, 0, 1, 0}, interp, fill)
}

// ShearY shears vertically by factor.
func ShearY(img *image.NRGBA, factor float64, interp draw.Interpolator, fill Fill) *image.NRGBA {
	return Affine(img, [6]float64{1, 0, 0, factor, 1, 0}, interp, fill)
}

// TranslateX shifts content left by pixels (right when negative).
func TranslateX(img *image.NRGBA, pixels float64, interp draw.Interpolator, fill Fill) *image.NRGBA {
	return Affine(img, [6]float64{1, 0, pixels, 0, 1, 0}, interp, fill)
}

// TranslateY shifts content up by pixels (down when negative).
func TranslateY(img *image.NRGBA, pixels float64, interp draw.Interpolator, fill Fill) *image.NRGBA {
	return Affine(img, [6]float64{1, 0, 0, 0, 1, pixels}, interp, fill)
}

// Rotate turns img counter-clockwise by degrees about its center, keeping
// the size and filling uncovered corners.
func Rotate(img *image.NRGBA, degrees float64, interp draw.Interpolator, fill Fill) *image.NRGBA {
	theta := -degrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	cx := float64(img.Rect.Dx()) / 2
	cy := float64(img.Rect.Dy()) / 2
	a, b, d, e := cos, sin, -sin, cos
	c := cx - (a*cx + b*cy)
	f := cy - (d*cx + e*cy)
	return Affine(img, [6]float64{a, b, c, d, e, f}, interp, fill)
}

// Resize scales img to w x h.
func Resize(img *image.NRGBA, w, h int, interp draw.Interpolator) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	interp.Scale(out, out.Rect, img, img.Rect, draw.Src, nil)
	return out
}

// Crop copies the region r, which must lie within img.
func Crop(img *image.NRGBA, r image.Rectangle) (*image.NRGBA, error) {
	if !r.In(img.Rect) || r.Empty() {
		return nil, errors.Errorf("preprocess: crop %v outside image %v", r, img.Rect)
	}
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(out, image.Point{}, img, r, draw.Src, nil)
	return out, nil
}

// FlipHorizontal mirrors left to right.
func FlipHorizontal(img *image.NRGBA) *image.NRGBA {
	return imaging.FlipH(img)
}

// FlipVertical mirrors top to bottom.
func FlipVertical(img *image.NRGBA) *image.NRGBA {
	return imaging.FlipV(img)
}

// PadImage surrounds img with a border of the given widths.
func PadImage(img *image.NRGBA, left, top, right, bottom int, fill Fill) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	return imaging.Paste(filled(w+left+right, h+top+bottom, fill), img, image.Pt(left, top))
}
