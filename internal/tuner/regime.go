// Package tuner implements the adaptive control plane: workload regime
// classification, tail-latency tracking, the fast reflex path that tightens
// knobs on P99 spikes, and the 1-second monitor loop that owns regime
// commitment, graduated relaxation and stability scoring.
package tuner

import "github.com/wllclngn/schedtuned/internal/engine"

// Regime is the discrete classification of current system load. Exactly one
// regime is active at a time; it only changes through the monitor loop's
// confirmed-transition procedure.
type Regime uint8

const (
	RegimeLight Regime = iota
	RegimeMixed
	RegimeHeavy
)

func (r Regime) String() string {
	switch r {
	case RegimeLight:
		return "LIGHT"
	case RegimeMixed:
		return "MIXED"
	case RegimeHeavy:
		return "HEAVY"
	default:
		return "MIXED"
	}
}

// Regime transition thresholds (Schmitt trigger). The enter/exit pairs are
// asymmetric on purpose: the dead zones between them stop the classifier
// from flipping every tick when idle% hovers at a boundary.
const (
	heavyEnterPct = 10 // enter Heavy: idle < 10%
	heavyExitPct  = 25 // leave Heavy: idle > 25%
	lightEnterPct = 50 // enter Light: idle > 50%
	lightExitPct  = 30 // leave Light: idle < 30%
)

// Per-regime baseline profiles. preempt_thresh controls when the engine's
// tick preempts batch work with interactive tasks waiting; batch_slice caps
// uninterrupted batch runs when nothing interactive is waiting.
const (
	lightSliceNs   = 2_000_000
	lightPreemptNs = 1_000_000
	lightLagScale  = 6
	lightBatchNs   = 20_000_000
	lightDemoteNs  = 3_500_000 // lenient, little contention
	lightP99CeilNs = 3_000_000

	mixedSliceNs   = 1_000_000
	mixedPreemptNs = 1_000_000
	mixedLagScale  = 4
	mixedBatchNs   = 20_000_000
	mixedDemoteNs  = 2_500_000
	mixedP99CeilNs = 5_000_000 // below a 16ms frame budget

	heavySliceNs   = 4_000_000 // wider under saturation for throughput
	heavyPreemptNs = 2_000_000
	heavyLagScale  = 2
	heavyBatchNs   = 20_000_000
	heavyDemoteNs  = 2_000_000 // aggressive demotion under load
	heavyP99CeilNs = 10_000_000
)

// Tier classification score boundaries exposed as runtime knobs.
const (
	defaultLatCriThreshHigh = 32
	defaultLatCriThreshLow  = 8
)

// DetectRegime maps the measured idle percentage to a next regime. It is
// direction-aware: the current regime selects which thresholds apply, so the
// same idle% can yield different answers depending on where the system is
// coming from. Pure function, no I/O, no state.
func DetectRegime(current Regime, idlePct uint64) Regime {
	switch current {
	case RegimeLight:
		if idlePct < lightExitPct {
			return RegimeMixed
		}
		return RegimeLight
	case RegimeHeavy:
		if idlePct > heavyExitPct {
			return RegimeMixed
		}
		return RegimeHeavy
	default:
		if idlePct > lightEnterPct {
			return RegimeLight
		}
		if idlePct < heavyEnterPct {
			return RegimeHeavy
		}
		return RegimeMixed
	}
}

// BaselineKnobs returns the fixed baseline parameter profile for a regime.
func BaselineKnobs(r Regime) engine.TuningKnobs {
	switch r {
	case RegimeLight:
		return engine.TuningKnobs{
			SliceNs:          lightSliceNs,
			PreemptThreshNs:  lightPreemptNs,
			LagScale:         lightLagScale,
			BatchSliceNs:     lightBatchNs,
			CPUBoundThreshNs: lightDemoteNs,
			LatCriThreshHigh: defaultLatCriThreshHigh,
			LatCriThreshLow:  defaultLatCriThreshLow,
		}
	case RegimeHeavy:
		return engine.TuningKnobs{
			SliceNs:          heavySliceNs,
			PreemptThreshNs:  heavyPreemptNs,
			LagScale:         heavyLagScale,
			BatchSliceNs:     heavyBatchNs,
			CPUBoundThreshNs: heavyDemoteNs,
			LatCriThreshHigh: defaultLatCriThreshHigh,
			LatCriThreshLow:  defaultLatCriThreshLow,
		}
	default:
		return engine.TuningKnobs{
			SliceNs:          mixedSliceNs,
			PreemptThreshNs:  mixedPreemptNs,
			LagScale:         mixedLagScale,
			BatchSliceNs:     mixedBatchNs,
			CPUBoundThreshNs: mixedDemoteNs,
			LatCriThreshHigh: defaultLatCriThreshHigh,
			LatCriThreshLow:  defaultLatCriThreshLow,
		}
	}
}

// P99Ceiling is the tail-latency ceiling the reflex path enforces per regime.
func P99Ceiling(r Regime) uint64 {
	switch r {
	case RegimeLight:
		return lightP99CeilNs
	case RegimeHeavy:
		return heavyP99CeilNs
	default:
		return mixedP99CeilNs
	}
}

// BaseSamplesPerCheck is the per-regime sample count between P99
// evaluations. Quiet regimes check on fewer samples so the estimate stays
// fresh; Heavy batches more to keep reflex overhead down.
func BaseSamplesPerCheck(r Regime) uint64 {
	switch r {
	case RegimeLight:
		return 16
	case RegimeHeavy:
		return 64
	default:
		return 32
	}
}

// Stability scoring. Once the score saturates, the reflex path hibernates:
// its sample threshold is multiplied so P99 recomputation drops to a
// fraction of its active rate.
const (
	stabilityCap        = 10
	hibernateMultiplier = 4
)

// NextStabilityScore advances the stability score for one tick. Any sign of
// churn resets it to zero; an entirely quiet tick with P99 at or below half
// the regime ceiling increments it, capped at stabilityCap.
func NextStabilityScore(prev uint32, regimeChanged bool, guardClamps, reflexEvents, p99Ns, ceilingNs uint64) uint32 {
	if regimeChanged || guardClamps > 0 || reflexEvents > 0 || p99Ns > ceilingNs/2 {
		return 0
	}
	if prev >= stabilityCap {
		return stabilityCap
	}
	return prev + 1
}

// SamplesPerCheck returns the reflex sample threshold for the current regime
// and stability score, applying the hibernation multiplier at the cap.
func SamplesPerCheck(r Regime, stabilityScore uint32) uint64 {
	base := BaseSamplesPerCheck(r)
	if stabilityScore >= stabilityCap {
		return base * hibernateMultiplier
	}
	return base
}

// EmitTelemetry gates the per-tick summary line: every tick while unstable,
// every other tick once the stability score saturates.
func EmitTelemetry(tick uint64, stabilityScore uint32) bool {
	if stabilityScore >= stabilityCap {
		return tick%2 == 0
	}
	return true
}

// Cache-affinity feedback on the batch slice. A degraded hit rate means
// batch tasks are being migrated off warm caches; widening their slice
// reduces migrations. The up step is larger than the down step so affinity
// recovers quickly and tightens only conservatively.
const (
	affinityLowPct    = 55
	affinityHighPct   = 70
	affinityHoldTicks = 3
	batchStepUpNs     = 2_000_000
	batchStepDownNs   = 1_000_000
	batchMaxNs        = 24_000_000
)

// AdjustBatchSlice runs one tick of the affinity feedback loop. It returns
// the new batch slice and the updated low/high hold counters. Hit rates
// strictly between the thresholds reset both counters without moving the
// slice.
func AdjustBatchSlice(currentNs, baselineNs, hitPct uint64, lowTicks, highTicks uint32) (uint64, uint32, uint32) {
	if hitPct < affinityLowPct {
		lowTicks++
		if lowTicks >= affinityHoldTicks {
			return minU64(currentNs+batchStepUpNs, batchMaxNs), 0, 0
		}
		return currentNs, lowTicks, 0
	}
	if hitPct > affinityHighPct {
		highTicks++
		if highTicks >= affinityHoldTicks {
			next := baselineNs
			if currentNs > baselineNs+batchStepDownNs {
				next = currentNs - batchStepDownNs
			}
			return next, 0, 0
		}
		return currentNs, 0, highTicks
	}
	return currentNs, 0, 0
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
