package batchops

import (
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"

	"clsforge/internal/preprocess"
	"clsforge/internal/tensor"
)

// Chain applies operators in order.
type Chain []Operator

func (c Chain) Apply(batch *tensor.Batch) error {
	for _, op := range c {
		if err := op.Apply(batch); err != nil {
			return err
		}
	}
	return nil
}

// Build constructs the configured batch operators. It returns nil when specs
// is empty. numClasses feeds the hybrid operator's soft targets.
func Build(specs []preprocess.OpSpec, numClasses int, rng *rand.Rand) (Operator, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	var chain Chain
	for _, spec := range specs {
		op, err := build(spec, numClasses, rng)
		if err != nil {
			return nil, err
		}
		chain = append(chain, op)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func build(spec preprocess.OpSpec, numClasses int, rng *rand.Rand) (Operator, error) {
	switch spec.Name {
	case "MixupOperator":
		var p struct {
			Alpha float64 `yaml:"alpha"`
		}
		if err := preprocess.DecodeParams(spec.Name, spec.Params, &p); err != nil {
			return nil, err
		}
		return NewMixup(p.Alpha, rng)
	case "CutmixOperator":
		var p struct {
			Alpha float64 `yaml:"alpha"`
		}
		if err := preprocess.DecodeParams(spec.Name, spec.Params, &p); err != nil {
			return nil, err
		}
		return NewCutmix(p.Alpha, rng)
	case "FmixOperator":
		p := struct {
			Alpha       float64 `yaml:"alpha"`
			DecayPower  float64 `yaml:"decay_power"`
			MaxSoft     float64 `yaml:"max_soft"`
			Reformulate bool    `yaml:"reformulate"`
		}{Alpha: 1, DecayPower: 3}
		if err := preprocess.DecodeParams(spec.Name, spec.Params, &p); err != nil {
			return nil, err
		}
		return NewFmix(p.Alpha, p.DecayPower, p.MaxSoft, p.Reformulate, rng)
	case "MixupCutmixHybrid":
		p := struct {
			MixupAlpha     float64 `yaml:"mixup_alpha"`
			CutmixAlpha    float64 `yaml:"cutmix_alpha"`
			Prob           float64 `yaml:"prob"`
			SwitchProb     float64 `yaml:"switch_prob"`
			LabelSmoothing float64 `yaml:"label_smoothing"`
			NumClasses     int     `yaml:"num_classes"`
			CorrectLam     bool    `yaml:"correct_lam"`
		}{MixupAlpha: 1, Prob: 1, SwitchProb: 0.5, LabelSmoothing: 0.1, NumClasses: numClasses, CorrectLam: true}
		if err := preprocess.DecodeParams(spec.Name, spec.Params, &p); err != nil {
			return nil, err
		}
		return NewMixupCutmixHybrid(HybridOptions(p), rng)
	case "OpSampler":
		names := make([]string, 0, len(spec.Params))
		for name := range spec.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		var ops []Weighted
		for _, name := range names {
			params, ok := spec.Params[name].(map[string]any)
			if !ok {
				return nil, errors.Errorf("batchops: OpSampler entry %s must be a map", name)
			}
			var prob float64
			switch v := params["prob"].(type) {
			case float64:
				prob = v
			case int:
				prob = float64(v)
			}
			inner := make(map[string]any, len(params))
			for k, v := range params {
				if k != "prob" {
					inner[k] = v
				}
			}
			op, err := build(preprocess.OpSpec{Name: name, Params: inner}, numClasses, rng)
			if err != nil {
				return nil, errors.Wrapf(err, "batchops: OpSampler %s", name)
			}
			ops = append(ops, Weighted{Op: op, Prob: prob})
		}
		return NewOpSampler(ops, rng)
	}
	return nil, errors.Wrapf(preprocess.ErrUnknownOp, "batch op %s", spec.Name)
}
