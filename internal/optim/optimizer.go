package optim

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Optimizer updates the parameters it owns from their gradients.
type Optimizer interface {
	Step() error
	ClearGrad()
	Parameters() []*Parameter
	LR() float64
	SetLR(lr float64)
}

type base struct {
	lr     float64
	params []*Parameter
}

func (b *base) LR() float64 { return b.lr }

func (b *base) SetLR(lr float64) { b.lr = lr }

func (b *base) Parameters() []*Parameter { return b.params }

func (b *base) ClearGrad() {
	for _, p := range b.params {
		p.ZeroGrad()
	}
}

func validateParams(params []*Parameter) error {
	if len(params) == 0 {
		return errors.New("optim: no parameters")
	}
	for _, p := range params {
		if len(p.Data) != len(p.Grad) {
			return errors.Errorf("optim: parameter %s has %d values and %d grads", p.Name, len(p.Data), len(p.Grad))
		}
	}
	return nil
}

// SGD is plain gradient descent with optional L2 weight decay.
type SGD struct {
	base
	WeightDecay float64
}

// NewSGD constructs an SGD optimizer over params.
func NewSGD(params []*Parameter, lr, weightDecay float64) (*SGD, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	return &SGD{base: base{lr: lr, params: params}, WeightDecay: weightDecay}, nil
}

// Step applies W = W - lr * (grad + wd * W).
func (o *SGD) Step() error {
	for _, p := range o.params {
		if o.WeightDecay > 0 && !p.NoDecay {
			floats.AddScaled(p.Data, -o.lr*o.WeightDecay, p.Data)
		}
		floats.AddScaled(p.Data, -o.lr, p.Grad)
	}
	return nil
}

// Momentum is SGD with a velocity buffer per parameter.
type Momentum struct {
	base
	Mu          float64
	WeightDecay float64
	Nesterov    bool

	velocity [][]float64
	scratch  []float64
}

// NewMomentum constructs a momentum optimizer. mu defaults to 0.9.
func NewMomentum(params []*Parameter, lr, mu, weightDecay float64, nesterov bool) (*Momentum, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if mu == 0 {
		mu = 0.9
	}
	velocity := make([][]float64, len(params))
	maxLen := 0
	for i, p := range params {
		velocity[i] = make([]float64, len(p.Data))
		maxLen = max(maxLen, len(p.Data))
	}
	return &Momentum{
		base:        base{lr: lr, params: params},
		Mu:          mu,
		WeightDecay: weightDecay,
		Nesterov:    nesterov,
		velocity:    velocity,
		scratch:     make([]float64, maxLen),
	}, nil
}

// Step applies v = mu*v + g; W -= lr*v (or lr*(g + mu*v) with Nesterov).
func (o *Momentum) Step() error {
	for i, p := range o.params {
		g := o.scratch[:len(p.Grad)]
		copy(g, p.Grad)
		if o.WeightDecay > 0 && !p.NoDecay {
			floats.AddScaled(g, o.WeightDecay, p.Data)
		}
		v := o.velocity[i]
		floats.Scale(o.Mu, v)
		floats.Add(v, g)
		if o.Nesterov {
			floats.AddScaled(g, o.Mu, v)
			floats.AddScaled(p.Data, -o.lr, g)
			continue
		}
		floats.AddScaled(p.Data, -o.lr, v)
	}
	return nil
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	base
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64

	t    int
	m, v [][]float64
}

// NewAdamW constructs an AdamW optimizer. Zero betas and epsilon use the
// usual defaults.
func NewAdamW(params []*Parameter, lr, beta1, beta2, eps, weightDecay float64) (*AdamW, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if beta1 == 0 {
		beta1 = 0.9
	}
	if beta2 == 0 {
		beta2 = 0.999
	}
	if eps == 0 {
		eps = 1e-8
	}
	if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
		return nil, errors.Errorf("optim: adamw betas must be in [0,1) (got %g, %g)", beta1, beta2)
	}
	o := &AdamW{
		base:        base{lr: lr, params: params},
		Beta1:       beta1,
		Beta2:       beta2,
		Epsilon:     eps,
		WeightDecay: weightDecay,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
	return o, nil
}

// Step applies one bias-corrected Adam update after decoupled decay.
func (o *AdamW) Step() error {
	o.t++
	t := float64(o.t)
	correction1 := 1 - math.Pow(o.Beta1, t)
	correction2 := 1 - math.Pow(o.Beta2, t)
	for i, p := range o.params {
		if o.WeightDecay > 0 && !p.NoDecay {
			floats.Scale(1-o.lr*o.WeightDecay, p.Data)
		}
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			mHat := m[j] / correction1
			vHat := v[j] / correction2
			p.Data[j] -= o.lr * mHat / (math.Sqrt(vHat) + o.Epsilon)
		}
	}
	return nil
}

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }
