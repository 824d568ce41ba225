package tuner

import "sync/atomic"

// Shared is the cross-goroutine state between the reflex path and the
// monitor loop. No locks: every field is an independent atomic with relaxed
// semantics, and every consumer tolerates a slightly stale combination of
// fields — this is a tuning heuristic, not a correctness-critical path.
type Shared struct {
	Hist  LatencyHistogram
	Sleep SleepHistogram

	p99Ns           atomic.Uint64
	regime          atomic.Uint32
	samplesPerCheck atomic.Uint64
	reflexEvents    atomic.Uint64
}

// NewShared starts in Mixed with its base sample threshold, matching the
// monitor loop's initial regime.
func NewShared() *Shared {
	s := &Shared{}
	s.regime.Store(uint32(RegimeMixed))
	s.samplesPerCheck.Store(BaseSamplesPerCheck(RegimeMixed))
	return s
}

// PublishP99 makes the latest drained estimate visible to the monitor loop.
func (s *Shared) PublishP99(p99Ns uint64) { s.p99Ns.Store(p99Ns) }

func (s *Shared) P99() uint64 { return s.p99Ns.Load() }

func (s *Shared) SetRegime(r Regime) { s.regime.Store(uint32(r)) }

func (s *Shared) Regime() Regime {
	switch v := s.regime.Load(); v {
	case uint32(RegimeLight):
		return RegimeLight
	case uint32(RegimeHeavy):
		return RegimeHeavy
	default:
		return RegimeMixed
	}
}

// SetSamplesPerCheck is written by the monitor loop (stability hibernation)
// and read by the reflex path before every evaluation.
func (s *Shared) SetSamplesPerCheck(n uint64) { s.samplesPerCheck.Store(n) }

func (s *Shared) SamplesPerCheck() uint64 { return s.samplesPerCheck.Load() }

// AddReflexEvent counts one reflex-triggered tightening; the monitor loop
// diffs this counter for its stability score.
func (s *Shared) AddReflexEvent() { s.reflexEvents.Add(1) }

func (s *Shared) ReflexEvents() uint64 { return s.reflexEvents.Load() }
