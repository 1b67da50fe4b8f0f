// Package metrics holds running meters, throughput windows and
// classification metrics reported by the training loop.
package metrics

import "fmt"

// AverageMeter tracks the latest value and a count-weighted running mean.
type AverageMeter struct {
	Name    string
	Format  string
	Postfix string

	val   float64
	sum   float64
	count int
}

// NewAverageMeter returns a meter formatting values with format (default "%.5f").
func NewAverageMeter(name, format, postfix string) *AverageMeter {
	if format == "" {
		format = "%.5f"
	}
	return &AverageMeter{Name: name, Format: format, Postfix: postfix}
}

// Update records val observed over n samples.
func (m *AverageMeter) Update(val float64, n int) {
	m.val = val
	m.sum += val * float64(n)
	m.count += n
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	m.val, m.sum, m.count = 0, 0, 0
}

func (m *AverageMeter) Val() float64 { return m.val }

func (m *AverageMeter) Sum() float64 { return m.sum }

func (m *AverageMeter) Count() int { return m.count }

// Avg returns the running mean, or 0 before the first update.
func (m *AverageMeter) Avg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// AvgInfo renders "name: avg" with the meter's format and postfix.
func (m *AverageMeter) AvgInfo() string {
	return fmt.Sprintf("%s: "+m.Format+"%s", m.Name, m.Avg(), m.Postfix)
}

// Meters is an insertion-ordered set of meters keyed by name.
type Meters struct {
	keys   []string
	meters map[string]*AverageMeter
}

// Get returns the named meter, creating it on first use.
func (ms *Meters) Get(name, format, postfix string) *AverageMeter {
	if ms.meters == nil {
		ms.meters = map[string]*AverageMeter{}
	}
	if m, ok := ms.meters[name]; ok {
		return m
	}
	m := NewAverageMeter(name, format, postfix)
	ms.meters[name] = m
	ms.keys = append(ms.keys, name)
	return m
}

// Lookup returns the named meter if it exists.
func (ms *Meters) Lookup(name string) (*AverageMeter, bool) {
	m, ok := ms.meters[name]
	return m, ok
}

// Each visits meters in insertion order.
func (ms *Meters) Each(fn func(*AverageMeter)) {
	for _, k := range ms.keys {
		fn(ms.meters[k])
	}
}

// Reset clears every meter but keeps the key order.
func (ms *Meters) Reset() {
	ms.Each((*AverageMeter).Reset)
}

// Len returns the number of meters.
func (ms *Meters) Len() int { return len(ms.keys) }
