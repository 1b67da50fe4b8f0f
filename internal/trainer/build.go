package trainer

import (
	"io"
	"log"
	"math/rand"
	randv2 "math/rand/v2"
	"strings"

	"github.com/pkg/errors"

	"clsforge/internal/amp"
	"clsforge/internal/batchops"
	"clsforge/internal/checkpoint"
	"clsforge/internal/config"
	"clsforge/internal/dataset"
	"clsforge/internal/ema"
	"clsforge/internal/loss"
	"clsforge/internal/metrics"
	"clsforge/internal/model"
	"clsforge/internal/optim"
	"clsforge/internal/preprocess"
	"clsforge/internal/profiler"
)

// FromConfig wires a validated config into an Engine: model, losses,
// metrics, optimizers with their schedules, mixed precision, EMA, the data
// loader and the profiler. A configured checkpoint is resumed.
func FromConfig(cfg *config.Config, runID string, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}
	g := cfg.Global
	e := &Engine{
		Epochs:         g.Epochs,
		UpdateFreq:     g.UpdateFreq,
		IterPerEpoch:   g.IterPerEpoch,
		PrintBatchStep: g.PrintBatchStep,
		UseMultilabel:  g.UseMultilabel,
		IsRec:          cfg.Arch.IsRec,
		SaveInterval:   g.SaveInterval,
		OutputDir:      g.OutputDir,
		RunID:          runID,
		Logger:         logger,
	}

	net, err := buildModel(cfg.Arch, g.Seed)
	if err != nil {
		return nil, err
	}
	e.Model = net
	if e.IsRec {
		if _, ok := net.(model.RecNetwork); !ok {
			return nil, errors.Errorf("trainer: arch %s does not take labels in forward", cfg.Arch.Name)
		}
	}
	if e.LossFunc, err = buildLoss(cfg.Loss.Train); err != nil {
		return nil, err
	}
	if e.Metric, err = buildMetric(cfg.Metric.Train, g.UseMultilabel); err != nil {
		return nil, err
	}
	if len(cfg.DataLoader.Train.Dataset.BatchTransformOps) > 0 && scoresTopk(cfg.Metric.Train, g.UseMultilabel) {
		logger.Printf("trainer: TopkAcc on mixed batches scores the dominant label, train accuracy is approximate")
	}

	loader, err := buildLoader(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.Loader = loader
	if e.IterPerEpoch == 0 {
		if e.IterPerEpoch, err = countIters(cfg, loader.roots); err != nil {
			loader.Close()
			return nil, err
		}
	}

	stepsPerEpoch := max(1, e.IterPerEpoch/e.updateFreq())
	for i, oc := range cfg.Optimizer {
		opt, sched, err := buildOptimizer(oc, net.Parameters(), g.Epochs, stepsPerEpoch)
		if err != nil {
			loader.Close()
			return nil, errors.Wrapf(err, "trainer: optimizer %d", i)
		}
		e.Optimizers = append(e.Optimizers, opt)
		e.Schedulers = append(e.Schedulers, sched)
	}
	if err := checkOwnership(e.Optimizers); err != nil {
		loader.Close()
		return nil, err
	}

	if cfg.AMP != nil {
		if e.Scaler, e.Autocast, err = buildAMP(*cfg.AMP); err != nil {
			loader.Close()
			return nil, err
		}
	}
	if cfg.EMA != nil {
		if e.EMA, err = ema.New(net, cfg.EMA.Decay); err != nil {
			loader.Close()
			return nil, err
		}
	}

	popts, err := profiler.Parse(g.ProfilerOptions)
	if err != nil {
		loader.Close()
		return nil, err
	}
	e.Profiler = profiler.New(popts, logger)

	if g.Checkpoints != "" {
		state, err := checkpoint.Load(g.Checkpoints)
		if err != nil {
			loader.Close()
			return nil, err
		}
		if err := e.Resume(state); err != nil {
			loader.Close()
			return nil, err
		}
	}
	return e, nil
}

// Close releases the loader's background readers.
func (e *Engine) Close() error {
	if c, ok := e.Loader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func buildModel(arch config.Arch, seed int64) (model.Network, error) {
	switch arch.Name {
	case "Linear":
		return model.NewLinear(arch.ClassNum, arch.Channels, arch.Grid, seed)
	default:
		return nil, errors.Errorf("trainer: unknown arch %s", arch.Name)
	}
}

func buildLoss(specs []config.Component) (loss.Func, error) {
	var parts []loss.Weighted
	for _, spec := range specs {
		params := struct {
			Weight  *float64 `yaml:"weight"`
			Epsilon float64  `yaml:"epsilon"`
		}{}
		if err := preprocess.DecodeParams(spec.Name, spec.Params, &params); err != nil {
			return nil, err
		}
		weight := 1.0
		if params.Weight != nil {
			weight = *params.Weight
		}
		var (
			fn  loss.Func
			err error
		)
		switch spec.Name {
		case "CELoss":
			fn, err = loss.CELoss(params.Epsilon)
		case "MultiLabelLoss":
			fn, err = loss.MultiLabelLoss(params.Epsilon)
		default:
			return nil, errors.Errorf("trainer: unknown loss %s", spec.Name)
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, loss.Weighted{Weight: weight, Func: fn})
	}
	return loss.Combined(parts...)
}

// buildMetric defaults to top-1/top-5 accuracy, or Hamming distance for
// multilabel runs.
func buildMetric(specs []config.Component, multilabel bool) (metrics.Func, error) {
	if len(specs) == 0 {
		if multilabel {
			return metrics.HammingDistance(), nil
		}
		return metrics.TopkAcc(1, 5)
	}
	var fns []metrics.Func
	for _, spec := range specs {
		switch spec.Name {
		case "TopkAcc":
			params := struct {
				Topk []int `yaml:"topk"`
			}{}
			if err := preprocess.DecodeParams(spec.Name, spec.Params, &params); err != nil {
				return nil, err
			}
			fn, err := metrics.TopkAcc(params.Topk...)
			if err != nil {
				return nil, err
			}
			fns = append(fns, fn)
		case "HammingDistance":
			fns = append(fns, metrics.HammingDistance())
		default:
			return nil, errors.Errorf("trainer: unknown metric %s", spec.Name)
		}
	}
	if len(fns) == 1 {
		return fns[0], nil
	}
	return metrics.Combine(fns...), nil
}

// scoresTopk reports whether the train metric built from specs includes TopkAcc.
func scoresTopk(specs []config.Component, multilabel bool) bool {
	if len(specs) == 0 {
		return !multilabel
	}
	for _, spec := range specs {
		if spec.Name == "TopkAcc" {
			return true
		}
	}
	return false
}

type trainLoader struct {
	*dataset.Loader
	roots map[string][]string
}

func buildLoader(cfg *config.Config, logger *log.Logger) (*trainLoader, error) {
	dl := cfg.DataLoader.Train
	roots, err := dataset.DiscoverByRoot(dl.Dataset.Roots, dl.Dataset.ShardPattern)
	if err != nil {
		return nil, err
	}
	seed := cfg.Global.Seed
	batchOp, err := batchops.Build(dl.Dataset.BatchTransformOps, cfg.Arch.ClassNum,
		randv2.New(randv2.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)))
	if err != nil {
		return nil, err
	}
	specs := dl.Dataset.TransformOps
	// fail fast on a bad pipeline before any worker starts
	if _, err := preprocess.Build(specs, rand.New(rand.NewSource(seed))); err != nil {
		return nil, err
	}
	loader, err := dataset.NewLoader(dataset.LoaderOptions{
		Roots:         roots,
		Seed:          seed,
		ShardWorkers:  dl.Loader.ShardWorkers,
		PendingCap:    dl.Loader.PendingCap,
		Workers:       dl.Loader.NumWorkers,
		BatchSize:     dl.Sampler.BatchSize,
		DropLast:      dl.Sampler.DropLast,
		ShuffleBuffer: dl.Sampler.ShuffleBuffer,
		NumClasses:    cfg.Arch.ClassNum,
		NewTransformer: func(rng *rand.Rand) (dataset.Transformer, error) {
			p, err := preprocess.Build(specs, rng)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		BatchOp: batchOp,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &trainLoader{Loader: loader, roots: roots}, nil
}

func countIters(cfg *config.Config, roots map[string][]string) (int, error) {
	n, err := dataset.CountSamples(roots)
	if err != nil {
		return 0, err
	}
	s := cfg.DataLoader.Train.Sampler
	iters := n / s.BatchSize
	if !s.DropLast && n%s.BatchSize != 0 {
		iters++
	}
	if iters == 0 {
		return 0, errors.Errorf("trainer: %d samples do not fill one batch of %d", n, s.BatchSize)
	}
	return iters, nil
}

// selectParams returns the parameters whose name starts with one of the
// prefixes, or all of them when no prefix is given.
func selectParams(all []*optim.Parameter, prefixes []string) []*optim.Parameter {
	if len(prefixes) == 0 {
		return all
	}
	var out []*optim.Parameter
	for _, p := range all {
		for _, prefix := range prefixes {
			if strings.HasPrefix(p.Name, prefix) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func checkOwnership(opts []optim.Optimizer) error {
	owner := map[*optim.Parameter]int{}
	for i, opt := range opts {
		for _, p := range opt.Parameters() {
			if j, ok := owner[p]; ok {
				return errors.Errorf("trainer: parameter %s is claimed by optimizers %d and %d", p.Name, j, i)
			}
			owner[p] = i
		}
	}
	return nil
}

func buildOptimizer(oc config.Optimizer, all []*optim.Parameter, epochs, stepsPerEpoch int) (optim.Optimizer, optim.Scheduler, error) {
	params := selectParams(all, oc.Params)
	if len(params) == 0 {
		return nil, nil, errors.Errorf("no parameter matches %v", oc.Params)
	}
	lr := oc.LR.LearningRate
	if oc.LR.Name == "Piecewise" && len(oc.LR.Values) > 0 {
		lr = oc.LR.Values[0]
	}
	var (
		opt optim.Optimizer
		err error
	)
	switch oc.Name {
	case "SGD":
		opt, err = optim.NewSGD(params, lr, oc.WeightDecay)
	case "Momentum":
		opt, err = optim.NewMomentum(params, lr, oc.Momentum, oc.WeightDecay, oc.Nesterov)
	case "AdamW":
		opt, err = optim.NewAdamW(params, lr, oc.Beta1, oc.Beta2, oc.Epsilon, oc.WeightDecay)
	default:
		return nil, nil, errors.Errorf("unknown optimizer %s", oc.Name)
	}
	if err != nil {
		return nil, nil, err
	}
	sched, err := buildSchedule(oc.LR, opt, epochs, stepsPerEpoch)
	if err != nil {
		return nil, nil, err
	}
	return opt, sched, nil
}

// buildSchedule converts epoch-valued settings to optimizer steps unless the
// schedule is stepped per epoch.
func buildSchedule(c config.LR, opt optim.Optimizer, epochs, stepsPerEpoch int) (optim.Scheduler, error) {
	unit := stepsPerEpoch
	if c.ByEpoch {
		unit = 1
	}
	switch c.Name {
	case "", "Constant":
		return optim.NewConstant(opt, c.LearningRate, c.ByEpoch), nil
	case "Cosine":
		return optim.NewCosine(opt, optim.CosineOptions{
			LR:          c.LearningRate,
			EtaMin:      c.EtaMin,
			TMax:        epochs * unit,
			Warmup:      c.WarmupEpoch * unit,
			WarmupStart: c.WarmupStartLR,
			ByEpoch:     c.ByEpoch,
		})
	case "Piecewise":
		bounds := make([]int, len(c.DecayEpochs))
		for i, ep := range c.DecayEpochs {
			bounds[i] = ep * unit
		}
		return optim.NewPiecewise(opt, bounds, c.Values, c.ByEpoch)
	case "Step":
		return optim.NewStepDecay(opt, c.LearningRate, c.StepSize*unit, c.Gamma, c.ByEpoch)
	case "ReduceOnPlateau":
		factor := c.Factor
		if factor == 0 {
			factor = 0.1
		}
		p, err := optim.NewReduceOnPlateau(opt, c.LearningRate, factor, c.Patience, c.Threshold, c.Mode)
		if err != nil {
			return nil, err
		}
		p.Cooldown = c.Cooldown
		p.MinLR = c.MinLR
		return p, nil
	default:
		return nil, errors.Errorf("unknown lr schedule %s", c.Name)
	}
}

func buildAMP(c config.AMP) (*amp.GradScaler, amp.Options, error) {
	level, err := amp.ParseLevel(c.Level)
	if err != nil {
		return nil, amp.Options{}, err
	}
	dynamic := true
	if c.UseDynamicLossScaling != nil {
		dynamic = *c.UseDynamicLossScaling
	}
	scaler, err := amp.NewGradScaler(amp.ScalerOptions{
		InitLossScaling:       c.ScaleLoss,
		IncrRatio:             c.IncrRatio,
		DecrRatio:             c.DecrRatio,
		IncrEveryNSteps:       c.IncrEveryNSteps,
		DecrEveryNNanOrInf:    c.DecrEveryNNanOrInf,
		UseDynamicLossScaling: dynamic,
	})
	if err != nil {
		return nil, amp.Options{}, err
	}
	return scaler, amp.Options{
		Level:           level,
		CustomBlackList: c.CustomBlackList,
		CustomWhiteList: c.CustomWhiteList,
	}, nil
}
