package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"

	"clsforge/internal/batchops"
	"clsforge/internal/tensor"
)

// Transformer turns an encoded image into a normalized tensor.
type Transformer interface {
	Transform(raw []byte) (*tensor.Image, error)
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Roots        map[string][]string
	Seed         int64
	ShardWorkers int
	PendingCap   int
	// Workers is the number of decode and augment goroutines.
	Workers       int
	BatchSize     int
	DropLast      bool
	ShuffleBuffer int
	// NumClasses, when positive, drops samples whose label is out of range.
	NumClasses int
	// NewTransformer builds one transformer per worker around the worker's
	// random source. The loader reseeds that source before every sample.
	NewTransformer func(rng *rand.Rand) (Transformer, error)
	BatchOp        batchops.Operator
	Logger         *log.Logger
}

// Loader turns the shard stream into preprocessed minibatches. A pass ends
// with io.EOF; Reset starts the next pass with a fresh shuffle.
type Loader struct {
	opts         LoaderOptions
	logger       *log.Logger
	transformers []Transformer
	rngs         []*rand.Rand

	pass    int
	cancel  context.CancelFunc
	stream  <-chan Sample
	errCh   <-chan error
	buffer  []Sample
	shuffle *rand.Rand
	drained bool

	sampleIndex int64
	batches     int
	length      int
	dropped     int
}

// NewLoader validates opts and builds the per-worker transformers. No
// goroutines start until the first Next.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.New("loader: batch size must be > 0")
	}
	if opts.NewTransformer == nil {
		return nil, errors.New("loader: no transformer factory")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ShuffleBuffer < 0 {
		opts.ShuffleBuffer = 0
	}
	l := &Loader{opts: opts, logger: opts.Logger}
	if l.logger == nil {
		l.logger = log.Default()
	}
	for w := 0; w < opts.Workers; w++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
		tr, err := opts.NewTransformer(rng)
		if err != nil {
			return nil, fmt.Errorf("loader: build transformer: %w", err)
		}
		l.transformers = append(l.transformers, tr)
		l.rngs = append(l.rngs, rng)
	}
	return l, nil
}

func (l *Loader) passSeed() int64 {
	return l.opts.Seed + int64(l.pass)
}

func (l *Loader) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	stream, errCh, err := StartSampler(ctx, SamplerOptions{
		Roots:      l.opts.Roots,
		Seed:       l.passSeed(),
		NumWorkers: l.opts.ShardWorkers,
		PendingCap: l.opts.PendingCap,
	})
	if err != nil {
		cancel()
		return err
	}
	l.cancel, l.stream, l.errCh = cancel, stream, errCh
	l.buffer = l.buffer[:0]
	l.shuffle = rand.New(rand.NewSource(l.passSeed()))
	l.drained = false
	l.sampleIndex, l.batches, l.dropped = 0, 0, 0
	l.logger.Printf("loader: pass=%d seed=%d roots=%d", l.pass, l.passSeed(), len(l.opts.Roots))
	return nil
}

// next returns the following raw sample, drawing uniformly from the shuffle
// buffer once it is full. ok is false at the end of the pass.
func (l *Loader) next(ctx context.Context) (Sample, bool, error) {
	for !l.drained && len(l.buffer) <= l.opts.ShuffleBuffer {
		select {
		case <-ctx.Done():
			return Sample{}, false, ctx.Err()
		case sample, ok := <-l.stream:
			if !ok {
				l.drained = true
				if err, ok := <-l.errCh; ok && err != nil {
					return Sample{}, false, err
				}
				break
			}
			l.buffer = append(l.buffer, sample)
		}
	}
	if len(l.buffer) == 0 {
		return Sample{}, false, nil
	}
	i := 0
	if len(l.buffer) > 1 {
		i = l.shuffle.Intn(len(l.buffer))
	}
	sample := l.buffer[i]
	last := len(l.buffer) - 1
	l.buffer[i] = l.buffer[last]
	l.buffer = l.buffer[:last]
	return sample, true, nil
}

// Next returns the following batch, or io.EOF once the pass is exhausted.
func (l *Loader) Next(ctx context.Context) (tensor.Batch, error) {
	if l.stream == nil {
		if err := l.start(); err != nil {
			return tensor.Batch{}, err
		}
	}
	var batch tensor.Batch
	for batch.Len() < l.opts.BatchSize {
		need := l.opts.BatchSize - batch.Len()
		raw := make([]Sample, 0, need)
		for len(raw) < need {
			sample, ok, err := l.next(ctx)
			if err != nil {
				return tensor.Batch{}, err
			}
			if !ok {
				break
			}
			if l.opts.NumClasses > 0 && sample.Label >= l.opts.NumClasses {
				l.dropped++
				l.logger.Printf("loader: drop key=%s shard=%s label=%d num_classes=%d", sample.Key, sample.Shard, sample.Label, l.opts.NumClasses)
				continue
			}
			raw = append(raw, sample)
		}
		if len(raw) == 0 {
			break
		}
		images := l.transform(raw)
		for i, img := range images {
			if img == nil {
				continue
			}
			batch.Images = append(batch.Images, img)
			batch.Labels = append(batch.Labels, raw[i].Label)
		}
	}

	if batch.Len() == 0 || (batch.Len() < l.opts.BatchSize && l.opts.DropLast) {
		if l.length == 0 {
			l.length = l.batches
		}
		return tensor.Batch{}, io.EOF
	}
	if l.opts.BatchOp != nil {
		if err := l.opts.BatchOp.Apply(&batch); err != nil {
			return tensor.Batch{}, err
		}
	}
	l.batches++
	return batch, nil
}

// transform preprocesses samples in parallel. Each sample's random source is
// seeded from the pass and its position, so output does not depend on
// worker scheduling. Samples that fail are logged and left nil.
func (l *Loader) transform(samples []Sample) []*tensor.Image {
	images := make([]*tensor.Image, len(samples))
	base := l.sampleIndex
	l.sampleIndex += int64(len(samples))
	workers := len(l.transformers)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(samples); i += workers {
				l.rngs[w].Seed(l.passSeed()*1_000_003 + base + int64(i))
				img, err := l.transformers[w].Transform(samples[i].Image)
				if err != nil {
					mu.Lock()
					l.dropped++
					l.logger.Printf("loader: drop key=%s shard=%s err=%v", samples[i].Key, samples[i].Shard, err)
					mu.Unlock()
					continue
				}
				images[i] = img
			}
		}(w)
	}
	wg.Wait()
	return images
}

// Reset abandons the current pass. The next call to Next starts pass+1.
func (l *Loader) Reset() error {
	l.stop()
	l.pass++
	return nil
}

func (l *Loader) stop() {
	if l.cancel != nil {
		l.cancel()
		// let the sampler goroutines observe the cancel and exit
		for range l.stream {
		}
	}
	l.cancel, l.stream, l.errCh = nil, nil, nil
}

// Close stops any background readers.
func (l *Loader) Close() error {
	l.stop()
	return nil
}

// Len reports full batches per pass once a pass has completed, or 0.
func (l *Loader) Len() int {
	return l.length
}

// Pass returns the zero-based index of the current pass.
func (l *Loader) Pass() int {
	return l.pass
}

// Dropped reports samples discarded in the current pass.
func (l *Loader) Dropped() int {
	return l.dropped
}
