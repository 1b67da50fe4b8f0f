package preprocess

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"

	"clsforge/internal/tensor"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / max(1, w-1)), G: uint8(y * 255 / max(1, h-1)), B: 40, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestEnhanceIdentityFactors(t *testing.T) {
	img := gradient(16, 12)
	for name, fn := range map[string]func(*image.NRGBA, float64) *image.NRGBA{
		"brightness": Brightness, "contrast": Contrast, "color": Color, "sharpness": Sharpness,
	} {
		out := fn(img, 1)
		if !bytes.Equal(out.Pix, img.Pix) {
			t.Fatalf("%s(1) changed the image", name)
		}
	}
	black := Brightness(img, 0)
	for i := 0; i < len(black.Pix); i += 4 {
		if black.Pix[i] != 0 || black.Pix[i+1] != 0 || black.Pix[i+2] != 0 {
			t.Fatalf("brightness(0) pixel %d not black", i/4)
		}
	}
}

func TestPosterizeSolarizeInvert(t *testing.T) {
	img := filled(2, 2, Fill{200, 100, 7})
	if got := Posterize(img, 2).Pix[:3]; got[0] != 192 || got[1] != 64 || got[2] != 0 {
		t.Fatalf("posterize: got %v", got)
	}
	if got := Solarize(img, 128).Pix[:3]; got[0] != 55 || got[1] != 100 {
		t.Fatalf("solarize: got %v", got)
	}
	if got := SolarizeAdd(img, 110, 128).Pix[:3]; got[0] != 200 || got[1] != 210 || got[2] != 117 {
		t.Fatalf("solarize_add: got %v", got)
	}
	if got := Invert(img).Pix[:3]; got[0] != 55 || got[1] != 155 || got[2] != 248 {
		t.Fatalf("invert: got %v", got)
	}
}

func TestAutoContrastStretchesRange(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{50, 50, 50, 255})
	img.SetNRGBA(1, 0, color.NRGBA{150, 150, 150, 255})
	out := AutoContrast(img)
	if out.Pix[0] != 0 || out.Pix[4] != 255 {
		t.Fatalf("expected 0 and 255, got %d and %d", out.Pix[0], out.Pix[4])
	}
}

func TestFlipAndCrop(t *testing.T) {
	img := gradient(4, 3)
	flipped := FlipHorizontal(img)
	if flipped.NRGBAAt(0, 0) != img.NRGBAAt(3, 0) {
		t.Fatalf("horizontal flip mismatch")
	}
	if FlipVertical(img).NRGBAAt(1, 0) != img.NRGBAAt(1, 2) {
		t.Fatalf("vertical flip mismatch")
	}
	crop, err := Crop(img, image.Rect(1, 1, 3, 3))
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	if crop.Rect.Dx() != 2 || crop.NRGBAAt(0, 0) != img.NRGBAAt(1, 1) {
		t.Fatalf("crop content mismatch")
	}
	if _, err := Crop(img, image.Rect(2, 2, 8, 8)); err == nil {
		t.Fatalf("expected error for out-of-bounds crop")
	}
}

func TestRotateKeepsSizeAndFills(t *testing.T) {
	img := filled(20, 10, Fill{255, 255, 255})
	out := Rotate(img, 45, draw.NearestNeighbor, Fill{1, 2, 3})
	if out.Rect.Dx() != 20 || out.Rect.Dy() != 10 {
		t.Fatalf("size changed: %v", out.Rect)
	}
	if c := out.NRGBAAt(0, 0); c.R != 1 || c.G != 2 || c.B != 3 {
		t.Fatalf("corner not filled: %v", c)
	}
	if c := out.NRGBAAt(10, 5); c.R != 255 {
		t.Fatalf("center lost: %v", c)
	}
}

func TestRandCropImageOutputSize(t *testing.T) {
	op := &RandCropImage{Width: 8, Height: 6, Scale: [2]float64{0.08, 1}, Ratio: [2]float64{0.75, 4.0 / 3}, Interp: draw.BiLinear, Rand: rand.New(rand.NewSource(1))}
	for i := 0; i < 20; i++ {
		out, err := op.Apply(gradient(30, 17))
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if out.Rect.Dx() != 8 || out.Rect.Dy() != 6 {
			t.Fatalf("unexpected size %v", out.Rect)
		}
	}
}

func TestRandAugmentDeterministic(t *testing.T) {
	run := func() []byte {
		ra := NewRandAugment(2, 5, Gray128, rand.New(rand.NewSource(7)))
		img := gradient(24, 24)
		for i := 0; i < 5; i++ {
			var err error
			if img, err = ra.Apply(img); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		return img.Pix
	}
	if !bytes.Equal(run(), run()) {
		t.Fatalf("same seed produced different images")
	}
	if got := len(NewRandAugmentV2(2, 9, Gray128, rand.New(rand.NewSource(1))).Ops()); got == 0 {
		t.Fatalf("RandAugmentV2 has no ops")
	}
}

func TestRandAugmentV2LevelsAtMaxMagnitude(t *testing.T) {
	ra := NewRandAugmentV2(2, 10, Gray128, rand.New(rand.NewSource(1)))
	want := map[string]float64{
		"shearX":       0.3,
		"translateX":   100,
		"rotate":       30,
		"color":        1.9,
		"posterize":    4,
		"solarize":     256,
		"solarize_add": 110,
		"sharpness":    1.9,
		"cutout":       40,
		"invert":       0,
	}
	got := map[string]float64{}
	for _, l := range ra.levels {
		got[l.name] = l.value
	}
	for name, v := range want {
		g, ok := got[name]
		if !ok {
			t.Fatalf("level %q missing", name)
		}
		if math.Abs(g-v) > 1e-9 {
			t.Fatalf("level %q: got %v want %v", name, g, v)
		}
	}
	if len(ra.Ops()) != 16 {
		t.Fatalf("expected 16 ops, got %d", len(ra.Ops()))
	}
}

func TestCutoutCenterLargePadCoversImage(t *testing.T) {
	img := gradient(12, 9)
	out := cutoutCenter(img, 1000, 77, rand.New(rand.NewSource(3)))
	for i := 0; i < len(out.Pix); i += 4 {
		if out.Pix[i] != 77 || out.Pix[i+1] != 77 || out.Pix[i+2] != 77 || out.Pix[i+3] != 255 {
			t.Fatalf("pixel %d not replaced: %v", i/4, out.Pix[i:i+4])
		}
	}
	if img.Pix[0] == 77 && img.Pix[1] == 77 {
		t.Fatalf("input image modified")
	}
}

func TestPadAndGrayscale(t *testing.T) {
	img := gradient(3, 2)
	out := PadImage(img, 1, 2, 3, 0, Fill{9, 8, 7})
	if out.Rect.Dx() != 7 || out.Rect.Dy() != 4 {
		t.Fatalf("padded size %v", out.Rect)
	}
	if c := out.NRGBAAt(0, 0); c != (color.NRGBA{R: 9, G: 8, B: 7, A: 255}) {
		t.Fatalf("border not filled: %v", c)
	}
	if out.NRGBAAt(1, 2) != img.NRGBAAt(0, 0) || out.NRGBAAt(3, 3) != img.NRGBAAt(2, 1) {
		t.Fatalf("content not placed at offset")
	}
	if c := out.NRGBAAt(6, 3); c.R != 9 {
		t.Fatalf("right border not filled: %v", c)
	}

	src := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 120})
	g := Grayscale(src).NRGBAAt(0, 0)
	// (200*299 + 100*587 + 50*114) / 1000 = 123
	if g.R != 123 || g.G != 123 || g.B != 123 || g.A != 120 {
		t.Fatalf("grayscale: got %v", g)
	}
	if inv := Invert(src).NRGBAAt(0, 0); inv.R != 55 || inv.A != 120 {
		t.Fatalf("invert: got %v", inv)
	}
}

func TestAutoAugmentKeepsSize(t *testing.T) {
	aa := NewAutoAugment(Gray128, rand.New(rand.NewSource(3)))
	for i := 0; i < 30; i++ {
		out, err := aa.Apply(gradient(16, 12))
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if out.Rect.Dx() != 16 || out.Rect.Dy() != 12 {
			t.Fatalf("size changed: %v", out.Rect)
		}
	}
}

func TestCutoutZeroesPixels(t *testing.T) {
	op := &Cutout{NHoles: 1, Length: 8, Rand: rand.New(rand.NewSource(2))}
	out, err := op.Apply(filled(16, 16, Fill{9, 9, 9}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	zeros := 0
	for i := 0; i < len(out.Pix); i += 4 {
		if out.Pix[i] == 0 {
			zeros++
		}
	}
	if zeros == 0 || zeros > 64 {
		t.Fatalf("unexpected zeroed pixel count %d", zeros)
	}
}

func ones(c, h, w int) *tensor.Image {
	img := tensor.NewImage(c, h, w)
	for i := range img.Data {
		img.Data[i] = 1
	}
	return img
}

func countZeros(img *tensor.Image) int {
	n := 0
	for _, v := range img.Data {
		if v == 0 {
			n++
		}
	}
	return n
}

func TestRandomErasing(t *testing.T) {
	op := NewRandomErasing(rand.New(rand.NewSource(4)))
	op.Epsilon = 1
	img := ones(3, 32, 32)
	if err := op.Apply(img); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if z := countZeros(img); z == 0 || z%3 != 0 {
		t.Fatalf("expected an erased rectangle on all channels, got %d zeros", z)
	}

	op.Epsilon = 0
	img = ones(3, 32, 32)
	if err := op.Apply(img); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if countZeros(img) != 0 {
		t.Fatalf("epsilon 0 must leave the image untouched")
	}

	op.Epsilon, op.Mode = 1, "bogus"
	if err := op.Apply(ones(3, 8, 8)); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestHideAndSeekGrid(t *testing.T) {
	op := &HideAndSeek{GridSizes: []int{4}, HideProb: 1, Rand: rand.New(rand.NewSource(1))}
	img := ones(3, 8, 8)
	if err := op.Apply(img); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if countZeros(img) != len(img.Data) {
		t.Fatalf("hide prob 1 should hide every cell")
	}
	op.GridSizes = []int{0}
	img = ones(3, 8, 8)
	_ = op.Apply(img)
	if countZeros(img) != 0 {
		t.Fatalf("grid size 0 should keep the image")
	}
}

func TestGridMaskRatio(t *testing.T) {
	op := &GridMask{D1: 8, D2: 9, Rotate: 1, Ratio: 0.5, Prob: 1, Rand: rand.New(rand.NewSource(5))}
	img := ones(1, 64, 64)
	if err := op.Apply(img); err != nil {
		t.Fatalf("apply: %v", err)
	}
	share := float64(countZeros(img)) / float64(len(img.Data))
	// rows and columns of width d/2 are masked: 1 - 0.5*0.5
	if math.Abs(share-0.75) > 0.1 {
		t.Fatalf("masked share %.3f, want about 0.75", share)
	}
	bad := &GridMask{D1: 10, D2: 5, Rand: rand.New(rand.NewSource(1))}
	if err := bad.Apply(ones(1, 4, 4)); err == nil {
		t.Fatalf("expected error for d1 >= d2")
	}
}

const pipelineYAML = `
- DecodeImage:
    to_rgb: true
- ResizeImage:
    resize_short: 20
- RandCropImage:
    size: 16
- RandFlipImage:
    flip_code: 1
- RandAugment:
    num_layers: 2
    magnitude: 5
- NormalizeImage:
    scale: 1.0/255.0
    mean: [0.5, 0.5, 0.5]
    std: [0.5, 0.5, 0.5]
    order: ""
- RandomErasing:
    EPSILON: 0.25
    mode: pixel
`

func TestBuildAndTransform(t *testing.T) {
	var specs []OpSpec
	if err := yaml.Unmarshal([]byte(pipelineYAML), &specs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, err := Build(specs, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(p.ImageOps) != 4 || len(p.TensorOps) != 1 || p.Normalize == nil {
		t.Fatalf("unexpected pipeline shape: %d image ops, %d tensor ops", len(p.ImageOps), len(p.TensorOps))
	}
	if p.Normalize.Scale != float32(1.0/255.0) {
		t.Fatalf("scale %v", p.Normalize.Scale)
	}
	out, err := p.Transform(encodePNG(t, gradient(40, 30)))
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if out.C != 3 || out.H != 16 || out.W != 16 {
		t.Fatalf("unexpected output shape %dx%dx%d", out.C, out.H, out.W)
	}
	for _, v := range out.Data {
		if v < -5 || v > 5 {
			t.Fatalf("value %v out of normalized range", v)
		}
	}
}

func TestBuildErrors(t *testing.T) {
	_, err := Build([]OpSpec{{Name: "Sharpen"}}, rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
	_, err = Build([]OpSpec{{Name: "NormalizeImage"}, {Name: "RandFlipImage"}}, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatalf("expected error for image op after normalization")
	}
	_, err = Build([]OpSpec{{Name: "RandCropImage", Params: map[string]any{"size": 8, "scale": []any{1.0, 0.5}}}}, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatalf("expected error for descending scale")
	}
}

func TestParseSpecsRandomApply(t *testing.T) {
	specs, err := ParseSpecs([]map[string]any{
		{"RandomApply": map[string]any{
			"p": 1.0,
			"transforms": []any{
				map[string]any{"Pad": map[string]any{"padding": []any{2}, "fill": 0}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := Build(specs, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := p.ImageOps[0].Apply(gradient(4, 4))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Rect.Dx() != 8 || out.Rect.Dy() != 8 {
		t.Fatalf("padding not applied: %v", out.Rect)
	}
	if _, err := ParseSpecs([]map[string]any{{"A": nil, "B": nil}}); err == nil {
		t.Fatalf("expected error for multi-key op")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := (DecodeImage{}).Decode([]byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := (DecodeImage{}).Decode(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
