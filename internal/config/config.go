// Package config loads the YAML training configuration, applies command
// line overrides and fills defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/yaml.v3"

	"clsforge/internal/preprocess"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Global     Global          `yaml:"Global"`
	Arch       Arch            `yaml:"Arch"`
	AMP        *AMP            `yaml:"AMP,omitempty"`
	EMA        *EMA            `yaml:"EMA,omitempty"`
	Loss       Loss            `yaml:"Loss"`
	Metric     Metric          `yaml:"Metric"`
	Optimizer  OptimizerList   `yaml:"Optimizer"`
	DataLoader DataLoaderGroup `yaml:"DataLoader"`
}

// Global holds run-wide settings.
type Global struct {
	Epochs          int    `yaml:"epochs"`
	PrintBatchStep  int    `yaml:"print_batch_step"`
	UpdateFreq      int    `yaml:"update_freq"`
	IterPerEpoch    int    `yaml:"iter_per_epoch"`
	Seed            int64  `yaml:"seed"`
	SaveInterval    int    `yaml:"save_interval"`
	OutputDir       string `yaml:"output_dir"`
	UseMultilabel   bool   `yaml:"use_multilabel"`
	ProfilerOptions string `yaml:"profiler_options"`
	Checkpoints     string `yaml:"checkpoints"`
}

// Arch selects the network.
type Arch struct {
	Name     string `yaml:"name"`
	ClassNum int    `yaml:"class_num"`
	Channels int    `yaml:"channels"`
	Grid     int    `yaml:"grid"`
	IsRec    bool   `yaml:"is_rec"`
}

// AMP enables mixed precision when present.
type AMP struct {
	Level                 string   `yaml:"level"`
	ScaleLoss             float64  `yaml:"scale_loss"`
	UseDynamicLossScaling *bool    `yaml:"use_dynamic_loss_scaling"`
	IncrEveryNSteps       int      `yaml:"incr_every_n_steps"`
	DecrEveryNNanOrInf    int      `yaml:"decr_every_n_nan_or_inf"`
	IncrRatio             float64  `yaml:"incr_ratio"`
	DecrRatio             float64  `yaml:"decr_ratio"`
	CustomBlackList       []string `yaml:"custom_black_list"`
	CustomWhiteList       []string `yaml:"custom_white_list"`
}

// EMA enables a moving average of the weights when present.
type EMA struct {
	Decay float64 `yaml:"decay"`
}

// Component is a named entry with free-form parameters, written in the
// config as {Name: {params}}.
type Component = preprocess.OpSpec

// Loss lists the training loss terms.
type Loss struct {
	Train []Component `yaml:"Train"`
}

// Metric lists the training metrics.
type Metric struct {
	Train []Component `yaml:"Train"`
}

// Optimizer configures one optimizer and its schedule.
type Optimizer struct {
	Name        string   `yaml:"name"`
	Momentum    float64  `yaml:"momentum"`
	Nesterov    bool     `yaml:"use_nesterov"`
	Beta1       float64  `yaml:"beta1"`
	Beta2       float64  `yaml:"beta2"`
	Epsilon     float64  `yaml:"epsilon"`
	WeightDecay float64  `yaml:"weight_decay"`
	Params      []string `yaml:"params"`
	LR          LR       `yaml:"lr"`
}

// LR configures a learning rate schedule. Epoch-valued fields are converted
// to steps when ByEpoch is false.
type LR struct {
	Name          string    `yaml:"name"`
	LearningRate  float64   `yaml:"learning_rate"`
	ByEpoch       bool      `yaml:"by_epoch"`
	WarmupEpoch   int       `yaml:"warmup_epoch"`
	WarmupStartLR float64   `yaml:"warmup_start_lr"`
	EtaMin        float64   `yaml:"eta_min"`
	StepSize      int       `yaml:"step_size"`
	Gamma         float64   `yaml:"gamma"`
	DecayEpochs   []int     `yaml:"decay_epochs"`
	Values        []float64 `yaml:"values"`
	Factor        float64   `yaml:"factor"`
	Patience      int       `yaml:"patience"`
	Threshold     float64   `yaml:"threshold"`
	Mode          string    `yaml:"mode"`
	Cooldown      int       `yaml:"cooldown"`
	MinLR         float64   `yaml:"min_lr"`
}

// OptimizerList accepts either a single optimizer mapping or a list.
type OptimizerList []Optimizer

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *OptimizerList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var one Optimizer
		if err := node.Decode(&one); err != nil {
			return err
		}
		*l = OptimizerList{one}
		return nil
	}
	var many []Optimizer
	if err := node.Decode(&many); err != nil {
		return err
	}
	*l = many
	return nil
}

// DataLoaderGroup holds the loaders by split.
type DataLoaderGroup struct {
	Train DataLoader `yaml:"Train"`
}

// DataLoader configures one split.
type DataLoader struct {
	Dataset Dataset       `yaml:"dataset"`
	Sampler SamplerConfig `yaml:"sampler"`
	Loader  LoaderConfig  `yaml:"loader"`
}

// Dataset names the shard roots and the transforms.
type Dataset struct {
	Roots             []string    `yaml:"roots"`
	ShardPattern      string      `yaml:"shard_pattern"`
	TransformOps      []Component `yaml:"transform_ops"`
	BatchTransformOps []Component `yaml:"batch_transform_ops"`
}

// SamplerConfig shapes batches.
type SamplerConfig struct {
	BatchSize     int  `yaml:"batch_size"`
	DropLast      bool `yaml:"drop_last"`
	ShuffleBuffer int  `yaml:"shuffle_buffer"`
}

// LoaderConfig sets loader parallelism.
type LoaderConfig struct {
	NumWorkers   int `yaml:"num_workers"`
	ShardWorkers int `yaml:"shard_workers"`
	PendingCap   int `yaml:"pending_cap"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Roots          []string
	Epochs         int
	BatchSize      int
	NumWorkers     int
	Seed           int64
	PrintBatchStep int
	UpdateFreq     int
	OutputDir      string
	AMPLevel       string
	// Set holds dotted assignments such as "Global.epochs=3", applied to the
	// YAML tree before decoding.
	Set []string
}

// Load reads a Config from YAML, applying dotted assignments first. The
// result is not validated.
func Load(path string, sets ...string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return Parse(raw, sets...)
}

// Parse decodes YAML bytes, applying dotted assignments first.
func Parse(raw []byte, sets ...string) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if root.Kind == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	for _, set := range sets {
		if err := assign(&root, set); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := root.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// assign sets a dotted key path to a YAML-parsed value, creating
// intermediate mappings as needed.
func assign(root *yaml.Node, set string) error {
	key, value, ok := strings.Cut(set, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("override %q: want key=value", set)
	}
	var valNode yaml.Node
	if err := yaml.Unmarshal([]byte(value), &valNode); err != nil {
		return fmt.Errorf("override %q: %w", set, err)
	}
	newVal := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
	if len(valNode.Content) > 0 {
		newVal = valNode.Content[0]
	}

	node := root.Content[0]
	parts := strings.Split(strings.TrimSpace(key), ".")
	for i, part := range parts {
		if node.Kind != yaml.MappingNode {
			return fmt.Errorf("override %q: %s is not a mapping", set, strings.Join(parts[:i], "."))
		}
		var child *yaml.Node
		for j := 0; j+1 < len(node.Content); j += 2 {
			if node.Content[j].Value == part {
				child = node.Content[j+1]
				if i == len(parts)-1 {
					node.Content[j+1] = newVal
				}
				break
			}
		}
		if i == len(parts)-1 {
			if child == nil {
				node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: part}, newVal)
			}
			return nil
		}
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: part}, child)
		}
		node = child
	}
	return nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.Roots) > 0 {
		c.DataLoader.Train.Dataset.Roots = append([]string(nil), o.Roots...)
	}
	if o.Epochs > 0 {
		c.Global.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.DataLoader.Train.Sampler.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.DataLoader.Train.Loader.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Global.Seed = o.Seed
	}
	if o.PrintBatchStep > 0 {
		c.Global.PrintBatchStep = o.PrintBatchStep
	}
	if o.UpdateFreq > 0 {
		c.Global.UpdateFreq = o.UpdateFreq
	}
	if o.OutputDir != "" {
		c.Global.OutputDir = o.OutputDir
	}
	if o.AMPLevel != "" {
		if c.AMP == nil {
			c.AMP = &AMP{}
		}
		c.AMP.Level = o.AMPLevel
	}
}

// DefaultWorkers picks a loader worker count from the physical core count.
func DefaultWorkers() int {
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = cpuid.CPU.LogicalCores
	}
	return max(1, min(8, n))
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	g := &c.Global
	if g.Epochs <= 0 {
		return fmt.Errorf("Global.epochs must be > 0 (got %d)", g.Epochs)
	}
	if g.PrintBatchStep <= 0 {
		g.PrintBatchStep = 10
	}
	if g.UpdateFreq <= 0 {
		g.UpdateFreq = 1
	}
	if g.IterPerEpoch < 0 {
		return fmt.Errorf("Global.iter_per_epoch must be >= 0 (got %d)", g.IterPerEpoch)
	}
	if g.Seed == 0 {
		g.Seed = 42
	}
	if g.OutputDir == "" {
		g.OutputDir = "./output"
	}

	if c.Arch.Name == "" {
		c.Arch.Name = "Linear"
	}
	if c.Arch.ClassNum <= 0 {
		return fmt.Errorf("Arch.class_num must be > 0 (got %d)", c.Arch.ClassNum)
	}
	if c.Arch.Channels <= 0 {
		c.Arch.Channels = 3
	}
	if c.Arch.Grid <= 0 {
		c.Arch.Grid = 4
	}

	if err := c.validateAMP(); err != nil {
		return err
	}
	if c.EMA != nil && (c.EMA.Decay <= 0 || c.EMA.Decay >= 1) {
		return fmt.Errorf("EMA.decay must be in (0, 1) (got %g)", c.EMA.Decay)
	}
	if len(c.Loss.Train) == 0 {
		c.Loss.Train = []Component{{Name: "CELoss", Params: map[string]any{"weight": 1.0}}}
	}
	if len(c.Optimizer) == 0 {
		return errors.New("at least one Optimizer must be configured")
	}
	for i := range c.Optimizer {
		if err := c.Optimizer[i].validate(); err != nil {
			return fmt.Errorf("Optimizer[%d]: %w", i, err)
		}
	}

	ds := &c.DataLoader.Train
	if len(ds.Dataset.Roots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if ds.Sampler.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", ds.Sampler.BatchSize)
	}
	if ds.Loader.NumWorkers <= 0 {
		ds.Loader.NumWorkers = DefaultWorkers()
	}
	if ds.Loader.ShardWorkers <= 0 {
		ds.Loader.ShardWorkers = 2
	}
	if g.SaveInterval < 0 {
		return fmt.Errorf("Global.save_interval must be >= 0 (got %d)", g.SaveInterval)
	}
	return nil
}

func (c *Config) validateAMP() error {
	a := c.AMP
	if a == nil {
		return nil
	}
	a.Level = strings.ToUpper(a.Level)
	if a.Level == "" {
		a.Level = "O1"
	}
	if a.Level != "O1" && a.Level != "O2" {
		return fmt.Errorf("AMP.level must be O1 or O2 (got %s)", a.Level)
	}
	if a.ScaleLoss < 0 || a.IncrRatio < 0 || a.DecrRatio < 0 || a.DecrRatio >= 1 {
		return errors.New("AMP scale_loss, incr_ratio and decr_ratio must be positive (decr_ratio < 1)")
	}
	return nil
}

func (o *Optimizer) validate() error {
	switch o.Name {
	case "SGD", "Momentum", "AdamW":
	case "":
		o.Name = "Momentum"
	default:
		return fmt.Errorf("unknown optimizer %s", o.Name)
	}
	if o.Name == "Momentum" && o.Momentum == 0 {
		o.Momentum = 0.9
	}
	if o.Name == "AdamW" {
		if o.Beta1 == 0 {
			o.Beta1 = 0.9
		}
		if o.Beta2 == 0 {
			o.Beta2 = 0.999
		}
		if o.Epsilon == 0 {
			o.Epsilon = 1e-8
		}
	}
	if o.LR.Name == "" {
		o.LR.Name = "Constant"
	}
	switch o.LR.Name {
	case "Constant", "Cosine", "Piecewise", "Step", "ReduceOnPlateau":
	default:
		return fmt.Errorf("unknown lr schedule %s", o.LR.Name)
	}
	if o.LR.Name != "Piecewise" && o.LR.LearningRate <= 0 {
		return fmt.Errorf("lr.learning_rate must be > 0 (got %g)", o.LR.LearningRate)
	}
	return nil
}
