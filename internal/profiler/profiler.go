// Package profiler captures a CPU profile over a fixed range of training
// steps, configured by a "key=value; key=value" options string.
package profiler

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Options selects the profiled steps. Steps are counted from 1; profiling
// covers [Start, End).
type Options struct {
	Start, End     int
	Path           string
	State          string
	ExitOnFinished bool
}

// Parse reads an options string such as
// "batch_range=[10,20]; profile_path=/tmp/train.prof". An empty string
// returns nil, nil.
func Parse(s string) (*Options, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	opts := &Options{Start: 10, End: 20, Path: "clsforge.prof", State: "CPU", ExitOnFinished: true}
	for _, field := range strings.Split(s, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, errors.Errorf("profiler: option %q is not key=value", field)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "batch_range":
			inner := strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
			lo, hi, ok := strings.Cut(inner, ",")
			if !ok {
				return nil, errors.Errorf("profiler: batch_range %q needs two values", value)
			}
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, errors.Wrap(err, "profiler: batch_range start")
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, errors.Wrap(err, "profiler: batch_range end")
			}
			if start < 0 || end <= start {
				return nil, errors.Errorf("profiler: batch_range [%d,%d] is empty", start, end)
			}
			opts.Start, opts.End = start, end
		case "profile_path":
			opts.Path = value
		case "state":
			state := strings.ToUpper(value)
			if state != "CPU" && state != "ALL" {
				return nil, errors.Errorf("profiler: state %q not supported (CPU or All)", value)
			}
			opts.State = state
		case "exit_on_finished":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, errors.Wrap(err, "profiler: exit_on_finished")
			}
			opts.ExitOnFinished = b
		case "sorted_key", "tracer_option", "timer_only":
			// accepted for config compatibility
		default:
			return nil, errors.Errorf("profiler: unknown option %q", key)
		}
	}
	return opts, nil
}

// Profiler counts steps and toggles the CPU profile at the range bounds.
// A nil *Profiler is valid and does nothing.
type Profiler struct {
	opts    Options
	steps   int
	file    *os.File
	done    bool
	logger  *log.Logger
	lastErr error
}

// New returns nil when opts is nil.
func New(opts *Options, logger *log.Logger) *Profiler {
	if opts == nil {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Profiler{opts: *opts, logger: logger}
}

// Step advances the counter, starting or stopping the profile as needed.
func (p *Profiler) Step() {
	if p == nil || p.done {
		return
	}
	p.steps++
	switch p.steps {
	case p.opts.Start:
		if err := p.start(); err != nil {
			p.fail(err)
		}
	case p.opts.End:
		if err := p.stop(); err != nil {
			p.fail(err)
		}
	}
}

func (p *Profiler) start() error {
	f, err := os.Create(p.opts.Path)
	if err != nil {
		return errors.Wrap(err, "profiler: create profile")
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return errors.Wrap(err, "profiler: start cpu profile")
	}
	p.file = f
	p.logger.Printf("profiler: start step=%d path=%s", p.steps, p.opts.Path)
	return nil
}

func (p *Profiler) stop() error {
	p.done = true
	if p.file == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := p.file.Close()
	p.file = nil
	if err != nil {
		return errors.Wrap(err, "profiler: close profile")
	}
	if p.opts.State == "ALL" {
		if err := writeHeap(p.opts.Path + ".heap"); err != nil {
			return err
		}
	}
	p.logger.Printf("profiler: stop step=%d path=%s", p.steps, p.opts.Path)
	return nil
}

func writeHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "profiler: create heap profile")
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return errors.Wrap(err, "profiler: write heap profile")
	}
	return nil
}

func (p *Profiler) fail(err error) {
	p.done = true
	p.lastErr = err
	p.logger.Printf("profiler: disabled err=%v", err)
}

// Finished reports whether the range has been captured and the run was
// configured to stop afterwards.
func (p *Profiler) Finished() bool {
	return p != nil && p.done && p.lastErr == nil && p.opts.ExitOnFinished
}

// Err returns the error that disabled profiling, if any.
func (p *Profiler) Err() error {
	if p == nil {
		return nil
	}
	return p.lastErr
}

// Close stops a profile still in progress.
func (p *Profiler) Close() error {
	if p == nil || p.file == nil {
		return nil
	}
	return p.stop()
}
