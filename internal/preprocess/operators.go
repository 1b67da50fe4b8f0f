package preprocess

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"clsforge/internal/tensor"
)

// ImageOp transforms a decoded image.
type ImageOp interface {
	Apply(img *image.NRGBA) (*image.NRGBA, error)
}

// TensorOp transforms a normalized image in place.
type TensorOp interface {
	Apply(img *tensor.Image) error
}

// ImageOpFunc adapts a function to ImageOp.
type ImageOpFunc func(img *image.NRGBA) (*image.NRGBA, error)

func (f ImageOpFunc) Apply(img *image.NRGBA) (*image.NRGBA, error) { return f(img) }

// DecodeImage decodes jpeg, png, gif, bmp, tiff and webp payloads.
type DecodeImage struct{}

// Decode returns the image in NRGBA form.
func (DecodeImage) Decode(raw []byte) (*image.NRGBA, error) {
	if len(raw) == 0 {
		return nil, errors.New("preprocess: empty image payload")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "preprocess: decode image")
	}
	if img.Bounds().Empty() {
		return nil, errors.New("preprocess: empty image")
	}
	return ToNRGBA(img), nil
}

// ResizeImage scales to Size x Size (or Width x Height), or so that the
// short side equals ResizeShort.
type ResizeImage struct {
	Width, Height int
	ResizeShort   int
	Interp        draw.Interpolator
}

func (r *ResizeImage) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	w, h := r.Width, r.Height
	if r.ResizeShort > 0 {
		iw, ih := img.Rect.Dx(), img.Rect.Dy()
		percent := float64(r.ResizeShort) / float64(min(iw, ih))
		w = int(math.Round(float64(iw) * percent))
		h = int(math.Round(float64(ih) * percent))
	}
	if w <= 0 || h <= 0 {
		return nil, errors.Errorf("preprocess: invalid resize target %dx%d", w, h)
	}
	return Resize(img, w, h, r.Interp), nil
}

// CropImage takes the centered Width x Height region.
type CropImage struct {
	Width, Height int
}

func (c *CropImage) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if c.Width > w || c.Height > h {
		return nil, errors.Errorf("preprocess: crop %dx%d larger than image %dx%d", c.Width, c.Height, w, h)
	}
	x0 := (w - c.Width) / 2
	y0 := (h - c.Height) / 2
	return Crop(img, image.Rect(x0, y0, x0+c.Width, y0+c.Height))
}

// RandCropImage is a random resized crop: a region covering a random share
// of the area with a random aspect ratio, resized to Width x Height.
type RandCropImage struct {
	Width, Height int
	Scale         [2]float64
	Ratio         [2]float64
	Interp        draw.Interpolator
	Rand          *rand.Rand
}

func (c *RandCropImage) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	area := float64(w * h)
	logLo, logHi := math.Log(c.Ratio[0]), math.Log(c.Ratio[1])
	for attempt := 0; attempt < 10; attempt++ {
		target := area * (c.Scale[0] + c.Rand.Float64()*(c.Scale[1]-c.Scale[0]))
		aspect := math.Exp(logLo + c.Rand.Float64()*(logHi-logLo))
		cw := int(math.Round(math.Sqrt(target * aspect)))
		ch := int(math.Round(math.Sqrt(target / aspect)))
		if cw > 0 && ch > 0 && cw <= w && ch <= h {
			x0 := c.Rand.Intn(w - cw + 1)
			y0 := c.Rand.Intn(h - ch + 1)
			region, err := Crop(img, image.Rect(x0, y0, x0+cw, y0+ch))
			if err != nil {
				return nil, err
			}
			return Resize(region, c.Width, c.Height, c.Interp), nil
		}
	}
	// fall back to the largest centered crop within the ratio bounds
	cw, ch := w, h
	inRatio := float64(w) / float64(h)
	switch {
	case inRatio < c.Ratio[0]:
		ch = int(math.Round(float64(w) / c.Ratio[0]))
	case inRatio > c.Ratio[1]:
		cw = int(math.Round(float64(h) * c.Ratio[1]))
	}
	x0, y0 := (w-cw)/2, (h-ch)/2
	region, err := Crop(img, image.Rect(x0, y0, x0+cw, y0+ch))
	if err != nil {
		return nil, err
	}
	return Resize(region, c.Width, c.Height, c.Interp), nil
}

// RandFlipImage flips with probability 0.5. FlipCode 1 is horizontal, 0
// vertical, -1 both.
type RandFlipImage struct {
	FlipCode int
	Rand     *rand.Rand
}

func (f *RandFlipImage) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	if f.Rand.Intn(2) == 0 {
		return img, nil
	}
	switch f.FlipCode {
	case 1:
		return FlipHorizontal(img), nil
	case 0:
		return FlipVertical(img), nil
	case -1:
		return FlipVertical(FlipHorizontal(img)), nil
	}
	return nil, errors.Errorf("preprocess: flip_code must be -1, 0 or 1 (got %d)", f.FlipCode)
}

// ColorJitter perturbs brightness, contrast, saturation and hue in random
// order. Each factor f draws uniformly from [max(0,1-f), 1+f]; hue draws an
// offset from [-hue, hue] of a full turn.
type ColorJitter struct {
	Brightness, Contrast, Saturation, Hue float64
	Rand                                  *rand.Rand
}

func (j *ColorJitter) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	factor := func(f float64) float64 {
		lo := math.Max(0, 1-f)
		return lo + j.Rand.Float64()*(1+f-lo)
	}
	steps := []func(){}
	if j.Brightness > 0 {
		steps = append(steps, func() { img = Brightness(img, factor(j.Brightness)) })
	}
	if j.Contrast > 0 {
		steps = append(steps, func() { img = Contrast(img, factor(j.Contrast)) })
	}
	if j.Saturation > 0 {
		steps = append(steps, func() { img = Color(img, factor(j.Saturation)) })
	}
	if j.Hue > 0 {
		steps = append(steps, func() { img = shiftHue(img, (j.Rand.Float64()*2-1)*j.Hue) })
	}
	j.Rand.Shuffle(len(steps), func(a, b int) { steps[a], steps[b] = steps[b], steps[a] })
	for _, step := range steps {
		step()
	}
	return img, nil
}

func shiftHue(img *image.NRGBA, offset float64) *image.NRGBA {
	out := cloneNRGBA(img)
	for i := 0; i < len(out.Pix); i += 4 {
		h, s, v := rgbToHSV(out.Pix[i], out.Pix[i+1], out.Pix[i+2])
		h = math.Mod(h+offset+1, 1)
		out.Pix[i], out.Pix[i+1], out.Pix[i+2] = hsvToRGB(h, s, v)
	}
	return out
}

func rgbToHSV(r8, g8, b8 uint8) (h, s, v float64) {
	r, g, b := float64(r8)/255, float64(g8)/255, float64(b8)/255
	mx := math.Max(r, math.Max(g, b))
	mn := math.Min(r, math.Min(g, b))
	v = mx
	d := mx - mn
	if mx == 0 || d == 0 {
		return 0, 0, v
	}
	s = d / mx
	switch mx {
	case r:
		h = (g - b) / d
	case g:
		h = 2 + (b-r)/d
	default:
		h = 4 + (r-g)/d
	}
	h = math.Mod(h/6+1, 1)
	return h, s, v
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	i := math.Floor(h * 6)
	f := h*6 - i
	p, q, t := v*(1-s), v*(1-s*f), v*(1-s*(1-f))
	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return clamp8(r * 255), clamp8(g * 255), clamp8(b * 255)
}

// RandomGrayscale converts to grayscale with probability P.
type RandomGrayscale struct {
	P    float64
	Rand *rand.Rand
}

func (g *RandomGrayscale) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	if g.Rand.Float64() < g.P {
		return Grayscale(img), nil
	}
	return img, nil
}

// RandomRotation rotates by a uniform angle in [-Degrees, Degrees].
type RandomRotation struct {
	Degrees float64
	Interp  draw.Interpolator
	Fill    Fill
	Rand    *rand.Rand
}

func (r *RandomRotation) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	angle := (r.Rand.Float64()*2 - 1) * r.Degrees
	return Rotate(img, angle, r.Interp, r.Fill), nil
}

// Pad adds a constant border.
type Pad struct {
	Left, Top, Right, Bottom int
	Fill                     Fill
}

func (p *Pad) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	return PadImage(img, p.Left, p.Top, p.Right, p.Bottom, p.Fill), nil
}

// NormalizeImage converts to a CHW float tensor: (v*Scale - mean) / std.
type NormalizeImage struct {
	Scale float32
	Mean  [3]float32
	Std   [3]float32
}

// DefaultNormalize uses the ImageNet statistics.
func DefaultNormalize() *NormalizeImage {
	return &NormalizeImage{
		Scale: 1.0 / 255,
		Mean:  [3]float32{0.485, 0.456, 0.406},
		Std:   [3]float32{0.229, 0.224, 0.225},
	}
}

// Normalize produces the tensor.
func (n *NormalizeImage) Normalize(img *image.NRGBA) (*tensor.Image, error) {
	for c, s := range n.Std {
		if s == 0 || math32.IsNaN(s) {
			return nil, errors.Errorf("preprocess: std[%d] must be non-zero", c)
		}
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := tensor.NewImage(3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[off+c])*n.Scale - n.Mean[c]
				out.Set(c, y, x, v/n.Std[c])
			}
		}
	}
	return out, nil
}
