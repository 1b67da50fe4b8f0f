// Package amp provides the pieces of automatic mixed precision used by the
// training engine: an autocast scope carried in a context and a dynamic
// gradient scaler.
package amp

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Level selects how aggressively operations run in reduced precision.
type Level string

const (
	// O1 runs white-listed ops in float16 and keeps everything else in float32.
	O1 Level = "O1"
	// O2 runs everything in float16 except black-listed ops.
	O2 Level = "O2"
)

// ParseLevel normalizes a config level. Empty defaults to O1.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "O1":
		return O1, nil
	case "O2":
		return O2, nil
	default:
		return "", errors.Errorf("amp: unknown level %q", s)
	}
}

// DefaultBlackList lists ops that always stay in float32 during training.
var DefaultBlackList = []string{"flatten_contiguous_range", "greater_than"}

// DefaultWhiteList lists ops that run in float16 under O1.
var DefaultWhiteList = []string{"matmul", "conv2d"}

// Options describes one autocast scope.
type Options struct {
	Level           Level
	CustomBlackList []string
	CustomWhiteList []string
}

// Enabled reports whether op should run in reduced precision.
func (o Options) Enabled(op string) bool {
	for _, b := range o.CustomBlackList {
		if b == op {
			return false
		}
	}
	for _, b := range DefaultBlackList {
		if b == op {
			return false
		}
	}
	if o.Level == O2 {
		return true
	}
	for _, w := range o.CustomWhiteList {
		if w == op {
			return true
		}
	}
	for _, w := range DefaultWhiteList {
		if w == op {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// WithAutocast returns a context in which FromContext reports opts.
func WithAutocast(ctx context.Context, opts Options) context.Context {
	return context.WithValue(ctx, ctxKey{}, opts)
}

// FromContext returns the active autocast options, if any.
func FromContext(ctx context.Context) (Options, bool) {
	if ctx == nil {
		return Options{}, false
	}
	opts, ok := ctx.Value(ctxKey{}).(Options)
	return opts, ok
}

// Active reports whether op should run in reduced precision under ctx.
func Active(ctx context.Context, op string) bool {
	opts, ok := FromContext(ctx)
	return ok && opts.Enabled(op)
}
