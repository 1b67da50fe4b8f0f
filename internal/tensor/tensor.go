// Package tensor holds the small data containers passed between the input
// pipeline, the network and the loss.
package tensor

import "github.com/pkg/errors"

// Image is a float32 image in CHW layout.
type Image struct {
	C, H, W int
	Data    []float32
}

// NewImage allocates a zeroed CHW image.
func NewImage(c, h, w int) *Image {
	return &Image{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// Index returns the flat offset of (c, y, x).
func (im *Image) Index(c, y, x int) int {
	return (c*im.H+y)*im.W + x
}

// At returns the value at (c, y, x).
func (im *Image) At(c, y, x int) float32 {
	return im.Data[im.Index(c, y, x)]
}

// Set stores v at (c, y, x).
func (im *Image) Set(c, y, x int, v float32) {
	im.Data[im.Index(c, y, x)] = v
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := &Image{C: im.C, H: im.H, W: im.W, Data: make([]float32, len(im.Data))}
	copy(out.Data, im.Data)
	return out
}

// SameShape reports whether both images share C, H and W.
func (im *Image) SameShape(other *Image) bool {
	return im.C == other.C && im.H == other.H && im.W == other.W
}

// Mix describes a pairwise label mix: target = Lam*LabelsA + (1-Lam)*LabelsB.
type Mix struct {
	LabelsA []int
	LabelsB []int
	Lam     float64
}

// Batch is a minibatch after per-image and batch-level transforms.
type Batch struct {
	Images []*Image
	Labels []int
	// Mix is set by pairwise mixing operators.
	Mix *Mix
	// Soft holds per-sample class distributions. When non-nil it takes
	// precedence over Labels and Mix.
	Soft [][]float64
}

// Len returns the number of samples.
func (b *Batch) Len() int {
	return len(b.Images)
}

// Validate checks that labels line up with images.
func (b *Batch) Validate() error {
	n := len(b.Images)
	if n == 0 {
		return errors.New("tensor: empty batch")
	}
	if b.Soft != nil {
		if len(b.Soft) != n {
			return errors.Errorf("tensor: %d soft targets for %d images", len(b.Soft), n)
		}
		return nil
	}
	if len(b.Labels) != n {
		return errors.Errorf("tensor: %d labels for %d images", len(b.Labels), n)
	}
	if b.Mix != nil && (len(b.Mix.LabelsA) != n || len(b.Mix.LabelsB) != n) {
		return errors.New("tensor: mixed labels do not match batch size")
	}
	for i, img := range b.Images {
		if !img.SameShape(b.Images[0]) {
			return errors.Errorf("tensor: image %d shape %dx%dx%d differs from %dx%dx%d",
				i, img.C, img.H, img.W, b.Images[0].C, b.Images[0].H, b.Images[0].W)
		}
	}
	return nil
}

// Output is the forward result of a network. Backward is installed by the
// network and consumes dLoss/dLogits.
type Output struct {
	Logits   [][]float64
	Backward func(grad [][]float64) error
}

// Scalar is a differentiable scalar. Scaling keeps track of the chain-rule
// coefficient so Backward delivers d(scaled)/d(logits).
type Scalar struct {
	Value    float64
	coeff    float64
	backward func(coeff float64) error
}

// NewScalar wraps v with a backward closure that receives the accumulated
// coefficient.
func NewScalar(v float64, backward func(coeff float64) error) Scalar {
	return Scalar{Value: v, coeff: 1, backward: backward}
}

// Constant returns a scalar without a gradient path.
func Constant(v float64) Scalar {
	return Scalar{Value: v, coeff: 1}
}

// Mul scales the scalar by f.
func (s Scalar) Mul(f float64) Scalar {
	s.Value *= f
	s.coeff *= f
	return s
}

// Div divides the scalar by d.
func (s Scalar) Div(d float64) Scalar {
	return s.Mul(1 / d)
}

// Add sums two scalars; the result backpropagates into both.
func (s Scalar) Add(o Scalar) Scalar {
	left, right := s, o
	return Scalar{
		Value: s.Value + o.Value,
		coeff: 1,
		backward: func(coeff float64) error {
			if err := left.Mul(coeff).Backward(); err != nil {
				return err
			}
			return right.Mul(coeff).Backward()
		},
	}
}

// Backward propagates the gradient. A constant scalar is a no-op.
func (s Scalar) Backward() error {
	if s.backward == nil {
		return nil
	}
	return s.backward(s.coeff)
}
