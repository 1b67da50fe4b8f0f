package preprocess

import (
	"fmt"
	"image"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"clsforge/internal/tensor"
)

// ErrUnknownOp is returned by Build for an operator name it does not know.
var ErrUnknownOp = errors.New("preprocess: unknown operator")

// Pipeline decodes a raw sample and runs it through the configured operators.
type Pipeline struct {
	Decode    DecodeImage
	ImageOps  []ImageOp
	Normalize *NormalizeImage
	TensorOps []TensorOp
}

// Transform returns the normalized tensor for one encoded image.
func (p *Pipeline) Transform(raw []byte) (*tensor.Image, error) {
	img, err := p.Decode.Decode(raw)
	if err != nil {
		return nil, err
	}
	for _, op := range p.ImageOps {
		if img, err = op.Apply(img); err != nil {
			return nil, err
		}
	}
	norm := p.Normalize
	if norm == nil {
		norm = DefaultNormalize()
	}
	out, err := norm.Normalize(img)
	if err != nil {
		return nil, err
	}
	for _, op := range p.TensorOps {
		if err := op.Apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RandomApply runs Transforms in order with probability P.
type RandomApply struct {
	P          float64
	Transforms []ImageOp
	Rand       *rand.Rand
}

func (r *RandomApply) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	if r.Rand.Float64() >= r.P {
		return img, nil
	}
	var err error
	for _, op := range r.Transforms {
		if img, err = op.Apply(img); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// OpSpec names one operator and its parameters as they appear in the
// config: a single-key map such as {ResizeImage: {resize_short: 256}}.
type OpSpec struct {
	Name   string
	Params map[string]any
}

// ParseSpecs converts the config's list of single-key maps.
func ParseSpecs(raw []map[string]any) ([]OpSpec, error) {
	specs := make([]OpSpec, 0, len(raw))
	for i, entry := range raw {
		if len(entry) != 1 {
			return nil, errors.Errorf("preprocess: op %d must have exactly one name (got %d)", i, len(entry))
		}
		for name, params := range entry {
			spec := OpSpec{Name: name}
			switch v := params.(type) {
			case nil:
			case map[string]any:
				spec.Params = v
			default:
				return nil, errors.Errorf("preprocess: op %s params must be a map, got %T", name, params)
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

// UnmarshalYAML accepts {Name: params} as written in the config.
func (s *OpSpec) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]map[string]any
	if err := node.Decode(&m); err != nil {
		return errors.Wrap(err, "preprocess: op spec")
	}
	if len(m) != 1 {
		return errors.Errorf("preprocess: op spec at line %d must have exactly one name", node.Line)
	}
	for name, params := range m {
		s.Name, s.Params = name, params
	}
	return nil
}

// MarshalYAML writes the single-key form back out.
func (s OpSpec) MarshalYAML() (any, error) {
	return map[string]map[string]any{s.Name: s.Params}, nil
}

// DecodeParams routes a loosely typed parameter map into a tagged struct.
func DecodeParams(name string, params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "preprocess: %s params", name)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "preprocess: %s params", name)
	}
	return nil
}

// sizeValue is either a single int (square) or a [w, h] pair.
type sizeValue [2]int

func (s *sizeValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var n int
		if err := node.Decode(&n); err != nil {
			return err
		}
		*s = sizeValue{n, n}
		return nil
	}
	var pair []int
	if err := node.Decode(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return errors.Errorf("size must have 2 elements, got %d", len(pair))
	}
	*s = sizeValue{pair[0], pair[1]}
	return nil
}

// fillValue is either a gray level or an RGB triple.
type fillValue Fill

func (f *fillValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var n uint8
		if err := node.Decode(&n); err != nil {
			return err
		}
		*f = fillValue{n, n, n}
		return nil
	}
	var rgb []uint8
	if err := node.Decode(&rgb); err != nil {
		return err
	}
	if len(rgb) != 3 {
		return errors.Errorf("fill must have 3 elements, got %d", len(rgb))
	}
	*f = fillValue{rgb[0], rgb[1], rgb[2]}
	return nil
}

// scaleValue accepts a number or a fraction string like "1.0/255.0".
type scaleValue float32

func (s *scaleValue) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	num, den, frac := strings.Cut(text, "/")
	n, err := strconv.ParseFloat(strings.TrimSpace(num), 32)
	if err != nil {
		return errors.Wrapf(err, "scale %q", text)
	}
	if frac {
		d, err := strconv.ParseFloat(strings.TrimSpace(den), 32)
		if err != nil || d == 0 {
			return errors.Errorf("scale %q has an invalid denominator", text)
		}
		n /= d
	}
	*s = scaleValue(n)
	return nil
}

type builder struct {
	rng *rand.Rand
}

// Build assembles a pipeline from the configured operator list. DecodeImage
// may appear first; NormalizeImage separates image operators from tensor
// operators and defaults to the ImageNet statistics when absent.
func Build(specs []OpSpec, rng *rand.Rand) (*Pipeline, error) {
	b := builder{rng: rng}
	p := &Pipeline{}
	for i, spec := range specs {
		switch spec.Name {
		case "DecodeImage":
			if i != 0 {
				return nil, errors.Errorf("preprocess: DecodeImage must be the first op (found at %d)", i)
			}
			var params struct {
				ToRGB        bool `yaml:"to_rgb"`
				ChannelFirst bool `yaml:"channel_first"`
			}
			if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
				return nil, err
			}
			if params.ChannelFirst {
				return nil, errors.New("preprocess: DecodeImage channel_first is not supported")
			}
			continue
		case "NormalizeImage":
			if p.Normalize != nil {
				return nil, errors.New("preprocess: NormalizeImage listed twice")
			}
			norm, err := b.normalize(spec)
			if err != nil {
				return nil, err
			}
			p.Normalize = norm
			continue
		}
		if op, ok, err := b.tensorOp(spec); err != nil {
			return nil, err
		} else if ok {
			p.TensorOps = append(p.TensorOps, op)
			continue
		}
		if p.Normalize != nil {
			return nil, errors.Errorf("preprocess: image op %s listed after NormalizeImage", spec.Name)
		}
		op, err := b.imageOp(spec)
		if err != nil {
			return nil, err
		}
		p.ImageOps = append(p.ImageOps, op)
	}
	return p, nil
}

func (b builder) normalize(spec OpSpec) (*NormalizeImage, error) {
	n := DefaultNormalize()
	params := struct {
		Scale *scaleValue `yaml:"scale"`
		Mean  []float32   `yaml:"mean"`
		Std   []float32   `yaml:"std"`
		Order string      `yaml:"order"`
	}{}
	if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
		return nil, err
	}
	if params.Order != "" && params.Order != "chw" && params.Order != "hwc" {
		return nil, errors.Errorf("preprocess: NormalizeImage order %q", params.Order)
	}
	if params.Scale != nil {
		n.Scale = float32(*params.Scale)
	}
	if params.Mean != nil {
		if len(params.Mean) != 3 {
			return nil, errors.New("preprocess: NormalizeImage mean needs 3 values")
		}
		copy(n.Mean[:], params.Mean)
	}
	if params.Std != nil {
		if len(params.Std) != 3 {
			return nil, errors.New("preprocess: NormalizeImage std needs 3 values")
		}
		copy(n.Std[:], params.Std)
	}
	return n, nil
}

func (b builder) tensorOp(spec OpSpec) (TensorOp, bool, error) {
	switch spec.Name {
	case "RandomErasing":
		op := NewRandomErasing(b.rng)
		params := struct {
			Epsilon      *float64  `yaml:"EPSILON"`
			SL           *float64  `yaml:"sl"`
			SH           *float64  `yaml:"sh"`
			R1           *float64  `yaml:"r1"`
			Mean         []float32 `yaml:"mean"`
			Attempt      int       `yaml:"attempt"`
			UseLogAspect bool      `yaml:"use_log_aspect"`
			Mode         string    `yaml:"mode"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, false, err
		}
		setFloat(&op.Epsilon, params.Epsilon)
		setFloat(&op.SL, params.SL)
		setFloat(&op.SH, params.SH)
		setFloat(&op.R1, params.R1)
		copy(op.Mean[:], params.Mean)
		if params.Attempt > 0 {
			op.Attempt = params.Attempt
		}
		if params.Mode != "" {
			op.Mode = params.Mode
		}
		op.UseLogAspect = params.UseLogAspect
		return op, true, nil
	case "HideAndSeek":
		return NewHideAndSeek(b.rng), true, nil
	case "GridMask":
		op := NewGridMask(b.rng)
		params := struct {
			D1     *int     `yaml:"d1"`
			D2     *int     `yaml:"d2"`
			Rotate *int     `yaml:"rotate"`
			Ratio  *float64 `yaml:"ratio"`
			Mode   *int     `yaml:"mode"`
			Prob   *float64 `yaml:"prob"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, false, err
		}
		setInt(&op.D1, params.D1)
		setInt(&op.D2, params.D2)
		setInt(&op.Rotate, params.Rotate)
		setFloat(&op.Ratio, params.Ratio)
		setInt(&op.Mode, params.Mode)
		setFloat(&op.Prob, params.Prob)
		return op, true, nil
	}
	return nil, false, nil
}

func (b builder) imageOp(spec OpSpec) (ImageOp, error) {
	switch spec.Name {
	case "ResizeImage":
		params := struct {
			Size          *sizeValue `yaml:"size"`
			ResizeShort   int        `yaml:"resize_short"`
			Interpolation string     `yaml:"interpolation"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		interp, err := interpolator(params.Interpolation)
		if err != nil {
			return nil, err
		}
		op := &ResizeImage{ResizeShort: params.ResizeShort, Interp: interp}
		switch {
		case params.Size != nil:
			op.Width, op.Height = params.Size[0], params.Size[1]
		case params.ResizeShort <= 0:
			return nil, errors.New("preprocess: ResizeImage needs size or resize_short")
		}
		return op, nil
	case "CropImage":
		params := struct {
			Size sizeValue `yaml:"size"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		if params.Size[0] <= 0 || params.Size[1] <= 0 {
			return nil, errors.New("preprocess: CropImage needs a positive size")
		}
		return &CropImage{Width: params.Size[0], Height: params.Size[1]}, nil
	case "RandCropImage":
		params := struct {
			Size          sizeValue  `yaml:"size"`
			Scale         *[]float64 `yaml:"scale"`
			Ratio         *[]float64 `yaml:"ratio"`
			Interpolation string     `yaml:"interpolation"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		interp, err := interpolator(params.Interpolation)
		if err != nil {
			return nil, err
		}
		if params.Size[0] <= 0 || params.Size[1] <= 0 {
			return nil, errors.New("preprocess: RandCropImage needs a positive size")
		}
		op := &RandCropImage{
			Width: params.Size[0], Height: params.Size[1],
			Scale: [2]float64{0.08, 1}, Ratio: [2]float64{3.0 / 4, 4.0 / 3},
			Interp: interp, Rand: b.rng,
		}
		if err := setRange(&op.Scale, params.Scale, "scale"); err != nil {
			return nil, err
		}
		if err := setRange(&op.Ratio, params.Ratio, "ratio"); err != nil {
			return nil, err
		}
		return op, nil
	case "RandFlipImage":
		params := struct {
			FlipCode *int `yaml:"flip_code"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		op := &RandFlipImage{FlipCode: 1, Rand: b.rng}
		setInt(&op.FlipCode, params.FlipCode)
		if op.FlipCode < -1 || op.FlipCode > 1 {
			return nil, errors.Errorf("preprocess: flip_code must be -1, 0 or 1 (got %d)", op.FlipCode)
		}
		return op, nil
	case "ColorJitter":
		op := &ColorJitter{Rand: b.rng}
		params := struct {
			Brightness float64 `yaml:"brightness"`
			Contrast   float64 `yaml:"contrast"`
			Saturation float64 `yaml:"saturation"`
			Hue        float64 `yaml:"hue"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		if params.Hue < 0 || params.Hue > 0.5 {
			return nil, errors.Errorf("preprocess: ColorJitter hue must be in [0, 0.5] (got %g)", params.Hue)
		}
		op.Brightness, op.Contrast, op.Saturation, op.Hue = params.Brightness, params.Contrast, params.Saturation, params.Hue
		return op, nil
	case "RandomGrayscale":
		params := struct {
			P *float64 `yaml:"p"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		op := &RandomGrayscale{P: 0.1, Rand: b.rng}
		setFloat(&op.P, params.P)
		return op, nil
	case "RandomRotation":
		params := struct {
			Degrees       float64   `yaml:"degrees"`
			Interpolation string    `yaml:"interpolation"`
			Fill          fillValue `yaml:"fill"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		interp, err := interpolator(orDefault(params.Interpolation, InterpNearest))
		if err != nil {
			return nil, err
		}
		return &RandomRotation{Degrees: params.Degrees, Interp: interp, Fill: Fill(params.Fill), Rand: b.rng}, nil
	case "Pad":
		params := struct {
			Padding []int     `yaml:"padding"`
			Fill    fillValue `yaml:"fill"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		op := &Pad{Fill: Fill(params.Fill)}
		switch len(params.Padding) {
		case 1:
			n := params.Padding[0]
			op.Left, op.Top, op.Right, op.Bottom = n, n, n, n
		case 2:
			op.Left, op.Right = params.Padding[0], params.Padding[0]
			op.Top, op.Bottom = params.Padding[1], params.Padding[1]
		case 4:
			op.Left, op.Top, op.Right, op.Bottom = params.Padding[0], params.Padding[1], params.Padding[2], params.Padding[3]
		default:
			return nil, errors.Errorf("preprocess: Pad padding needs 1, 2 or 4 values (got %d)", len(params.Padding))
		}
		return op, nil
	case "RandAugment", "RandAugmentV2":
		params := struct {
			NumLayers         *int       `yaml:"num_layers"`
			Magnitude         *float64   `yaml:"magnitude"`
			ProgressMagnitude []float64  `yaml:"progress_magnitude"`
			FillColor         *fillValue `yaml:"fillcolor"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		numLayers, magnitude, fill := 2, 5.0, Gray128
		setInt(&numLayers, params.NumLayers)
		setFloat(&magnitude, params.Magnitude)
		if params.FillColor != nil {
			fill = Fill(*params.FillColor)
		}
		if spec.Name == "RandAugment" {
			return NewRandAugment(numLayers, magnitude, fill, b.rng), nil
		}
		return NewRandAugmentV2(numLayers, magnitude, fill, b.rng), nil
	case "AutoAugment", "ImageNetPolicy":
		params := struct {
			FillColor *fillValue `yaml:"fillcolor"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		fill := Gray128
		if params.FillColor != nil {
			fill = Fill(*params.FillColor)
		}
		return NewAutoAugment(fill, b.rng), nil
	case "Cutout":
		params := struct {
			NHoles *int `yaml:"n_holes"`
			Length *int `yaml:"length"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		op := &Cutout{NHoles: 1, Length: 112, Rand: b.rng}
		setInt(&op.NHoles, params.NHoles)
		setInt(&op.Length, params.Length)
		return op, nil
	case "RandomApply":
		params := struct {
			P          *float64         `yaml:"p"`
			Transforms []map[string]any `yaml:"transforms"`
		}{}
		if err := DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		inner, err := ParseSpecs(params.Transforms)
		if err != nil {
			return nil, err
		}
		op := &RandomApply{P: 0.5, Rand: b.rng}
		setFloat(&op.P, params.P)
		for _, s := range inner {
			child, err := b.imageOp(s)
			if err != nil {
				return nil, errors.Wrap(err, "preprocess: RandomApply")
			}
			op.Transforms = append(op.Transforms, child)
		}
		return op, nil
	}
	return nil, fmt.Errorf("%w: %s (known: %s)", ErrUnknownOp, spec.Name, strings.Join(KnownOps(), ", "))
}

// KnownOps lists every operator name Build accepts.
func KnownOps() []string {
	names := []string{
		"DecodeImage", "NormalizeImage", "ResizeImage", "CropImage", "RandCropImage",
		"RandFlipImage", "ColorJitter", "RandomGrayscale", "RandomRotation", "Pad",
		"RandAugment", "RandAugmentV2", "AutoAugment", "ImageNetPolicy", "Cutout",
		"RandomApply", "RandomErasing", "HideAndSeek", "GridMask",
	}
	sort.Strings(names)
	return names
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setRange(dst *[2]float64, v *[]float64, name string) error {
	if v == nil {
		return nil
	}
	if len(*v) != 2 || (*v)[0] > (*v)[1] {
		return errors.Errorf("preprocess: %s must be an ascending pair", name)
	}
	*dst = [2]float64{(*v)[0], (*v)[1]}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
