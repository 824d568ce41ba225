package tuner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wllclngn/schedtuned/internal/engine"
)

// KnobStore is the slice of the engine both control paths write through.
type KnobStore interface {
	ReadKnobs() (engine.TuningKnobs, error)
	WriteKnobs(engine.TuningKnobs) error
}

const (
	// A spike must hold across this many consecutive evaluations before any
	// action; filters single-window noise at low core counts.
	spikeDebounce = 2

	// Evaluations suppressed after a tightening action, preventing rapid
	// re-triggering while the new slice takes effect.
	cooldownChecks = 2

	// Slice floor. Allows five 3/4 steps from the 2ms Light baseline.
	minSliceNs = 500_000

	// Idle wakeup so the loop still evaluates shutdown and accumulated
	// samples when the stream goes quiet.
	reflexWakeInterval = 100 * time.Millisecond
)

// Reflex is the fast control path: it consumes every wake-latency sample,
// periodically recomputes P99, and tightens the live knobs when the current
// regime's ceiling is violated on consecutive checks. It runs on its own
// goroutine and shares state with the monitor loop only through Shared and
// the knob record itself.
type Reflex struct {
	shared *Shared
	knobs  KnobStore
	logger *zap.Logger

	cooldown uint32
	spikes   uint32
}

func NewReflex(shared *Shared, knobs KnobStore, logger *zap.Logger) *Reflex {
	return &Reflex{shared: shared, knobs: knobs, logger: logger}
}

// Run consumes samples until ctx is canceled or the channel closes.
func (r *Reflex) Run(ctx context.Context, samples <-chan engine.WakeSample) {
	ticker := time.NewTicker(reflexWakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			r.observe(s)
			r.maybeEvaluate()
		case <-ticker.C:
			r.maybeEvaluate()
		}
	}
}

func (r *Reflex) observe(s engine.WakeSample) {
	r.shared.Hist.Record(s.LatNs)
	if s.SleepNs > 0 {
		r.shared.Sleep.Record(s.SleepNs)
	}
}

// maybeEvaluate drains the histogram once enough samples accumulated,
// publishes the fresh P99, and applies the debounced spike policy.
func (r *Reflex) maybeEvaluate() {
	if r.shared.Hist.Pending() < r.shared.SamplesPerCheck() {
		return
	}

	p99 := r.shared.Hist.DrainP99()
	r.shared.PublishP99(p99)

	if r.cooldown > 0 {
		r.cooldown--
		return
	}

	regime := r.shared.Regime()
	if p99 <= P99Ceiling(regime) {
		r.spikes = 0
		return
	}

	r.spikes++
	if r.spikes < spikeDebounce {
		return
	}

	// Only Mixed gets tightened. Light has no contention to relieve, and
	// Heavy is saturated enough that extra preemption is pure overhead;
	// Mixed is the one regime where shorter slices can help interactive
	// tasks.
	if regime == RegimeMixed {
		if r.tighten() {
			r.shared.AddReflexEvent()
		}
	}
	r.cooldown = cooldownChecks
	r.spikes = 0
}

// tighten cuts the live slice to 3/4 (clamped to the floor) and drags the
// preemption threshold down with it, leaving every other knob untouched.
// Engine write failures are skipped; the next evaluation retries with fresh
// data.
func (r *Reflex) tighten() bool {
	cur, err := r.knobs.ReadKnobs()
	if err != nil {
		r.logger.Debug("reflex knob read failed", zap.Error(err))
		return false
	}

	newSlice := cur.SliceNs * 3 / 4
	if newSlice < minSliceNs {
		newSlice = minSliceNs
	}
	cur.SliceNs = newSlice
	cur.PreemptThreshNs = newSlice

	if err := r.knobs.WriteKnobs(cur); err != nil {
		r.logger.Debug("reflex knob write failed", zap.Error(err))
		return false
	}

	r.logger.Debug("reflex tightened slice",
		zap.Uint64("slice_ns", newSlice),
		zap.String("regime", r.shared.Regime().String()))
	return true
}
