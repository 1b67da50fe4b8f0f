// Package checkpoint persists training state between runs.
package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"clsforge/internal/optim"
)

// State is everything needed to resume training.
type State struct {
	RunID      string
	SavedAt    time.Time
	Epoch      int
	GlobalStep int
	LossScale  float64
	LRs        []float64
	// SchedulerSteps counts Step calls per scheduler, in engine order.
	SchedulerSteps []int
	Params         map[string][]float64
	// EMA holds the shadow weights in parameter order, or nil.
	EMA [][]float64
	// Plateau is keyed by scheduler index.
	Plateau map[int]optim.PlateauState
}

// Capture copies the current parameter values keyed by name.
func Capture(params []*optim.Parameter) map[string][]float64 {
	out := make(map[string][]float64, len(params))
	for _, p := range params {
		out[p.Name] = append([]float64(nil), p.Data...)
	}
	return out
}

// Restore writes saved values back into params. Every parameter must be
// present with a matching length.
func Restore(params []*optim.Parameter, saved map[string][]float64) error {
	for _, p := range params {
		data, ok := saved[p.Name]
		if !ok {
			return errors.Errorf("checkpoint: missing parameter %s", p.Name)
		}
		if len(data) != len(p.Data) {
			return errors.Errorf("checkpoint: parameter %s has %d values, model expects %d", p.Name, len(data), len(p.Data))
		}
		copy(p.Data, data)
	}
	return nil
}

// Save writes state to dir/prefix.ckpt atomically and returns the path.
func Save(dir, prefix string, state State) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "checkpoint: create dir")
	}
	path := filepath.Join(dir, prefix+".ckpt")
	tmp, err := os.CreateTemp(dir, prefix+".*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "checkpoint: create temp")
	}
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}
	if err := gob.NewEncoder(tmp).Encode(&state); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "checkpoint: encode")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "checkpoint: close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "checkpoint: rename")
	}
	return path, nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return State{}, errors.Wrap(err, "checkpoint: open")
	}
	defer f.Close()
	var state State
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return State{}, errors.Wrapf(err, "checkpoint: decode %s", path)
	}
	return state, nil
}
