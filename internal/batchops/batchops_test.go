package batchops

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"clsforge/internal/preprocess"
	"clsforge/internal/tensor"
)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// constBatch gives image i the constant value i.
func constBatch(n, h, w int) *tensor.Batch {
	b := &tensor.Batch{}
	for i := 0; i < n; i++ {
		img := tensor.NewImage(3, h, w)
		for k := range img.Data {
			img.Data[k] = float32(i)
		}
		b.Images = append(b.Images, img)
		b.Labels = append(b.Labels, i)
	}
	return b
}

func TestAlphaMustBePositive(t *testing.T) {
	rng := newRand(1)
	if _, err := NewMixup(0, rng); err == nil {
		t.Fatalf("mixup accepted alpha 0")
	}
	if _, err := NewCutmix(-1, rng); err == nil {
		t.Fatalf("cutmix accepted alpha -1")
	}
	if _, err := NewFmix(0, 3, 0, false, rng); err == nil {
		t.Fatalf("fmix accepted alpha 0")
	}
}

func TestMixupBlendsWithPartner(t *testing.T) {
	op, err := NewMixup(0.4, newRand(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b := constBatch(6, 4, 4)
	if err := op.Apply(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	mix := b.Mix
	if mix == nil || mix.Lam < 0 || mix.Lam > 1 {
		t.Fatalf("bad mix %+v", mix)
	}
	for i, img := range b.Images {
		want := mix.Lam*float64(mix.LabelsA[i]) + (1-mix.Lam)*float64(mix.LabelsB[i])
		if math.Abs(float64(img.Data[0])-want) > 1e-4 {
			t.Fatalf("image %d = %v, want %v", i, img.Data[0], want)
		}
	}
	if err := op.Apply(b); err == nil {
		t.Fatalf("expected error mixing an already mixed batch")
	}
}

func TestCutmixLamMatchesArea(t *testing.T) {
	op, err := NewCutmix(1, newRand(3))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for trial := 0; trial < 10; trial++ {
		b := constBatch(4, 10, 10)
		if err := op.Apply(b); err != nil {
			t.Fatalf("apply: %v", err)
		}
		for i, img := range b.Images {
			if b.Mix.LabelsA[i] == b.Mix.LabelsB[i] {
				continue
			}
			kept := 0
			for _, v := range img.Data {
				if int(v) == b.Mix.LabelsA[i] {
					kept++
				}
			}
			got := float64(kept) / float64(len(img.Data))
			if math.Abs(got-b.Mix.Lam) > 1e-9 {
				t.Fatalf("trial %d image %d: kept share %v, lam %v", trial, i, got, b.Mix.Lam)
			}
		}
	}
}

func TestFmixMaskShare(t *testing.T) {
	op, err := NewFmix(1, 3, 0, false, newRand(4))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b := constBatch(2, 16, 16)
	b.Labels = []int{0, 1}
	if err := op.Apply(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if b.Mix.LabelsA[0] == b.Mix.LabelsB[0] {
		return
	}
	kept := 0
	for _, v := range b.Images[0].Data[:256] {
		if v == 0 {
			kept++
		}
	}
	share := float64(kept) / 256
	if math.Abs(share-b.Mix.Lam) > 1.0/256+1e-9 {
		t.Fatalf("mask share %v, lam %v", share, b.Mix.Lam)
	}
}

func TestBinariseSoftEdge(t *testing.T) {
	mask := make([]float64, 100)
	for i := range mask {
		mask[i] = float64(i) / 100
	}
	out := binarise(mask, 0.5, 0.1, newRand(5))
	ones, zeros := 0, 0
	for _, v := range out {
		switch v {
		case 1:
			ones++
		case 0:
			zeros++
		}
	}
	if ones < 39 || ones > 41 || zeros < 39 || zeros > 41 {
		t.Fatalf("ones %d zeros %d, want about 40 each", ones, zeros)
	}
	if out[99] != 1 || out[0] != 0 {
		t.Fatalf("highest values must be kept")
	}
}

func TestOpSampler(t *testing.T) {
	mix, _ := NewMixup(1, newRand(6))
	if _, err := NewOpSampler([]Weighted{{mix, 0.7}, {mix, 0.6}}, newRand(6)); err == nil {
		t.Fatalf("expected error for probs > 1")
	}
	s, err := NewOpSampler([]Weighted{{mix, 0.5}}, newRand(7))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	mixed := 0
	for i := 0; i < 200; i++ {
		b := constBatch(2, 2, 2)
		if err := s.Apply(b); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if b.Mix != nil {
			mixed++
		}
	}
	if mixed < 70 || mixed > 130 {
		t.Fatalf("mixed %d of 200, want about half", mixed)
	}
}

func TestHybridSoftTargets(t *testing.T) {
	op, err := NewMixupCutmixHybrid(HybridOptions{
		MixupAlpha: 0.8, CutmixAlpha: 1, Prob: 1, SwitchProb: 0.5,
		LabelSmoothing: 0.1, NumClasses: 5, CorrectLam: true,
	}, newRand(8))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b := constBatch(4, 6, 6)
	if err := op.Apply(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(b.Soft) != 4 {
		t.Fatalf("expected soft targets")
	}
	for i, row := range b.Soft {
		sum := 0.0
		for _, p := range row {
			sum += p
			if p < 0.1/5-1e-12 {
				t.Fatalf("row %d has %v below the smoothing floor", i, p)
			}
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("row %d sums to %v", i, sum)
		}
	}
	if err := op.Apply(constBatch(3, 2, 2)); err == nil {
		t.Fatalf("expected error for odd batch")
	}
}

func TestBuild(t *testing.T) {
	op, err := Build([]preprocess.OpSpec{{
		Name: "OpSampler",
		Params: map[string]any{
			"MixupOperator":  map[string]any{"alpha": 0.8, "prob": 0.5},
			"CutmixOperator": map[string]any{"alpha": 1.0, "prob": 0.5},
		},
	}}, 10, newRand(9))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sampler, ok := op.(*OpSampler)
	if !ok || len(sampler.ops) != 2 {
		t.Fatalf("unexpected operator %T", op)
	}
	if op, err := Build(nil, 10, newRand(9)); op != nil || err != nil {
		t.Fatalf("empty specs: %v %v", op, err)
	}
	_, err = Build([]preprocess.OpSpec{{Name: "Mosaic"}}, 10, newRand(9))
	if !errors.Is(err, preprocess.ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}
