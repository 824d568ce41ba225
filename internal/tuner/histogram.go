package tuner

import (
	"math"
	"sync/atomic"
)

// histBuckets latency buckets with fixed upper edges. The last edge is a
// +inf sentinel so every sample lands somewhere.
const histBuckets = 12

var histEdgesNs = [histBuckets]uint64{
	10_000,
	25_000,
	50_000,
	100_000,
	250_000,
	500_000,
	1_000_000,
	2_000_000,
	5_000_000,
	10_000_000,
	20_000_000,
	math.MaxUint64,
}

// LatencyHistogram accumulates wake-latency samples with atomic increments
// only, safe from any number of concurrent recorders. Draining is
// best-effort with respect to concurrent records: a sample arriving during
// DrainP99 lands in either the old or the new window, never both.
type LatencyHistogram struct {
	buckets [histBuckets]atomic.Uint64
	samples atomic.Uint64
}

// Record assigns the sample to the first bucket whose edge is >= latNs.
func (h *LatencyHistogram) Record(latNs uint64) {
	for i := range histEdgesNs {
		if latNs <= histEdgesNs[i] {
			h.buckets[i].Add(1)
			break
		}
	}
	h.samples.Add(1)
}

// Pending returns the number of samples recorded since the last drain.
func (h *LatencyHistogram) Pending() uint64 {
	return h.samples.Load()
}

// DrainP99 swaps every bucket to zero and computes the approximate 99th
// percentile of the drained window: the edge of the first bucket where the
// cumulative count reaches ceil(total * 0.99). Returns 0 for an empty
// window. The result is clamped to the second-to-last edge; the +inf
// sentinel must never escape, since comparing it against any finite ceiling
// would make every later latency check wrong.
func (h *LatencyHistogram) DrainP99() uint64 {
	var counts [histBuckets]uint64
	var total uint64
	for i := range h.buckets {
		counts[i] = h.buckets[i].Swap(0)
		total += counts[i]
	}
	h.samples.Store(0)

	if total == 0 {
		return 0
	}

	threshold := (total*99 + 99) / 100
	var cumulative uint64
	for i, c := range counts {
		cumulative += c
		if cumulative >= threshold {
			return minU64(histEdgesNs[i], histEdgesNs[histBuckets-2])
		}
	}
	return histEdgesNs[histBuckets-2]
}

// Sleep-duration buckets classifying what tasks were doing before waking:
// short sleeps are I/O waits, long sleeps are idle/timer/polling.
const sleepBuckets = 4

var sleepEdgesNs = [sleepBuckets]uint64{
	1_000_000,   // fast disk/network/pipe
	10_000_000,  // typical disk read
	100_000_000, // network, user input
	math.MaxUint64,
}

// SleepHistogram classifies pre-wakeup sleep durations into I/O-wait vs
// idle shares. Same lock-free drain contract as LatencyHistogram.
type SleepHistogram struct {
	buckets [sleepBuckets]atomic.Uint64
}

func (h *SleepHistogram) Record(sleepNs uint64) {
	for i := range sleepEdgesNs {
		if sleepNs <= sleepEdgesNs[i] {
			h.buckets[i].Add(1)
			break
		}
	}
}

// DrainShares drains the histogram and returns (ioWaitPct, idlePct):
// the share of sleeps under 10ms and the share over 100ms.
func (h *SleepHistogram) DrainShares() (uint64, uint64) {
	var counts [sleepBuckets]uint64
	var total uint64
	for i := range h.buckets {
		counts[i] = h.buckets[i].Swap(0)
		total += counts[i]
	}
	if total == 0 {
		return 0, 0
	}
	io := counts[0] + counts[1]
	idle := counts[3]
	return io * 100 / total, idle * 100 / total
}
