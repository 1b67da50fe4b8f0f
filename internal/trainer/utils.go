package trainer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"clsforge/internal/loss"
	"clsforge/internal/metrics"
	"clsforge/internal/tensor"
)

func (e *Engine) updateMetric(out *tensor.Output, batch *tensor.Batch, batchSize int) error {
	if e.Metric == nil {
		return nil
	}
	values, err := e.Metric(out, batch)
	if err != nil {
		return errors.Wrap(err, "trainer: metric")
	}
	for _, v := range values {
		e.MetricInfo.Get(v.Name, "%.5f", "").Update(v.Value, batchSize)
	}
	return nil
}

func (e *Engine) updateLoss(dict loss.Dict, batchSize int) {
	for _, t := range dict {
		e.OutputInfo.Get(t.Name, "%.5f", "").Update(t.Scalar.Value, batchSize)
		if t.Name == loss.TotalKey {
			e.epochLosses = append(e.epochLosses, t.Scalar.Value)
		}
	}
}

func (e *Engine) lrMessage() string {
	parts := make([]string, 0, len(e.Schedulers))
	for _, s := range e.Schedulers {
		parts = append(parts, fmt.Sprintf("lr(%s): %.8f", s.Name(), s.LR()))
	}
	if len(parts) == 0 && len(e.Optimizers) > 0 {
		parts = append(parts, fmt.Sprintf("lr: %.8f", e.Optimizers[0].LR()))
	}
	return strings.Join(parts, ", ")
}

func (e *Engine) logInfo(batchSize, epochID, iterID int) {
	var msg []string
	if lr := e.lrMessage(); lr != "" {
		msg = append(msg, lr)
	}
	if m := avgInfo(&e.MetricInfo, ", "); m != "" {
		msg = append(msg, m)
	}
	if m := avgInfo(&e.OutputInfo, ", "); m != "" {
		msg = append(msg, m)
	}
	if m := avgInfo(&e.TimeInfo, "s, "); m != "" {
		msg = append(msg, m)
	}

	batchCost := 0.0
	if m, ok := e.TimeInfo.Lookup(BatchCost); ok {
		batchCost = m.Avg()
	}
	ips := 0.0
	if batchCost > 0 {
		ips = float64(batchSize) / batchCost
	}
	msg = append(msg, fmt.Sprintf("ips: %.5f samples/s", ips))

	remaining := (e.Epochs-epochID+1)*e.IterPerEpoch - iterID
	msg = append(msg, "eta: "+formatETA(float64(remaining)*batchCost))

	e.logger().Printf("[Train][Epoch %d/%d][Iter: %d/%d]%s",
		epochID, e.Epochs, iterID, e.IterPerEpoch, strings.Join(msg, ", "))
}

// avgInfo renders every meter average joined by sep.
func avgInfo(ms *metrics.Meters, sep string) string {
	var parts []string
	ms.Each(func(m *metrics.AverageMeter) {
		parts = append(parts, m.AvgInfo())
	})
	return strings.Join(parts, sep)
}

// formatETA renders seconds as H:MM:SS, prefixed with the day count past
// one day.
func formatETA(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	days := total / 86400
	total %= 86400
	hms := fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
	switch days {
	case 0:
		return hms
	case 1:
		return "1 day, " + hms
	default:
		return fmt.Sprintf("%d days, %s", days, hms)
	}
}
