// Package engine is the userspace side of the kernel-resident scheduling
// engine. The engine itself lives in BPF and makes every dispatch decision;
// this package only reads its cumulative counters, consumes its wake-latency
// sample stream, and writes the shared tuning-knob record it consults on the
// next scheduling decision.
package engine

import (
	"context"
	"encoding/binary"
	"unsafe"
)

// Tier is the per-task scheduling class assigned by the engine.
type Tier uint8

const (
	TierBatch Tier = iota
	TierInteractive
	TierLatCritical
)

func (t Tier) String() string {
	switch t {
	case TierBatch:
		return "batch"
	case TierInteractive:
		return "interactive"
	case TierLatCritical:
		return "lat_critical"
	default:
		return "unknown"
	}
}

// Wakeup dispatch paths reported in wake samples.
const (
	PathIdle     = 0
	PathHardKick = 1
	PathSoftKick = 2
)

// Stats mirrors the engine's per-CPU cumulative counter block. All counters
// are free-running and may wrap over long sessions; consumers must diff with
// DeltaSince, never compare absolute values.
type Stats struct {
	NrDispatches   uint64
	NrIdleHits     uint64
	NrShared       uint64
	NrPreempt      uint64
	NrKeepRunning  uint64
	NrHardKicks    uint64
	NrSoftKicks    uint64
	NrEnqWakeup    uint64
	NrEnqRequeue   uint64
	NrGuardClamps  uint64
	NrAffinityHits uint64
	NrAffinityMiss uint64
	WakeLatSum     uint64
	WakeLatSamples uint64
	WakeLatIdleSum uint64
	WakeLatIdleCnt uint64
	WakeLatKickSum uint64
	WakeLatKickCnt uint64
}

// DeltaSince returns s - prev per field. uint64 subtraction wraps, which is
// exactly the behavior needed for free-running counters that overflow.
func (s Stats) DeltaSince(prev Stats) Stats {
	return Stats{
		NrDispatches:   s.NrDispatches - prev.NrDispatches,
		NrIdleHits:     s.NrIdleHits - prev.NrIdleHits,
		NrShared:       s.NrShared - prev.NrShared,
		NrPreempt:      s.NrPreempt - prev.NrPreempt,
		NrKeepRunning:  s.NrKeepRunning - prev.NrKeepRunning,
		NrHardKicks:    s.NrHardKicks - prev.NrHardKicks,
		NrSoftKicks:    s.NrSoftKicks - prev.NrSoftKicks,
		NrEnqWakeup:    s.NrEnqWakeup - prev.NrEnqWakeup,
		NrEnqRequeue:   s.NrEnqRequeue - prev.NrEnqRequeue,
		NrGuardClamps:  s.NrGuardClamps - prev.NrGuardClamps,
		NrAffinityHits: s.NrAffinityHits - prev.NrAffinityHits,
		NrAffinityMiss: s.NrAffinityMiss - prev.NrAffinityMiss,
		WakeLatSum:     s.WakeLatSum - prev.WakeLatSum,
		WakeLatSamples: s.WakeLatSamples - prev.WakeLatSamples,
		WakeLatIdleSum: s.WakeLatIdleSum - prev.WakeLatIdleSum,
		WakeLatIdleCnt: s.WakeLatIdleCnt - prev.WakeLatIdleCnt,
		WakeLatKickSum: s.WakeLatKickSum - prev.WakeLatKickSum,
		WakeLatKickCnt: s.WakeLatKickCnt - prev.WakeLatKickCnt,
	}
}

// add accumulates one CPU's counter block into the total.
func (s *Stats) add(o Stats) {
	s.NrDispatches += o.NrDispatches
	s.NrIdleHits += o.NrIdleHits
	s.NrShared += o.NrShared
	s.NrPreempt += o.NrPreempt
	s.NrKeepRunning += o.NrKeepRunning
	s.NrHardKicks += o.NrHardKicks
	s.NrSoftKicks += o.NrSoftKicks
	s.NrEnqWakeup += o.NrEnqWakeup
	s.NrEnqRequeue += o.NrEnqRequeue
	s.NrGuardClamps += o.NrGuardClamps
	s.NrAffinityHits += o.NrAffinityHits
	s.NrAffinityMiss += o.NrAffinityMiss
	s.WakeLatSum += o.WakeLatSum
	s.WakeLatSamples += o.WakeLatSamples
	s.WakeLatIdleSum += o.WakeLatIdleSum
	s.WakeLatIdleCnt += o.WakeLatIdleCnt
	s.WakeLatKickSum += o.WakeLatKickSum
	s.WakeLatKickCnt += o.WakeLatKickCnt
}

// TuningKnobs is the shared parameter record the engine reads on every
// scheduling decision. Both the reflex path and the monitor loop write it;
// each writer always writes a complete record it just read and modified, so
// last writer wins without structural corruption.
type TuningKnobs struct {
	SliceNs          uint64
	PreemptThreshNs  uint64
	LagScale         uint64
	BatchSliceNs     uint64
	CPUBoundThreshNs uint64
	LatCriThreshHigh uint64
	LatCriThreshLow  uint64
}

// KnobsSize is the wire size of the knob record in the engine's map.
const KnobsSize = 56

// Marshal encodes the knob record in the engine's native byte order.
func (k TuningKnobs) Marshal() []byte {
	buf := make([]byte, KnobsSize)
	ord := nativeEndian()
	ord.PutUint64(buf[0:], k.SliceNs)
	ord.PutUint64(buf[8:], k.PreemptThreshNs)
	ord.PutUint64(buf[16:], k.LagScale)
	ord.PutUint64(buf[24:], k.BatchSliceNs)
	ord.PutUint64(buf[32:], k.CPUBoundThreshNs)
	ord.PutUint64(buf[40:], k.LatCriThreshHigh)
	ord.PutUint64(buf[48:], k.LatCriThreshLow)
	return buf
}

// UnmarshalKnobs decodes a knob record. Undersized payloads are rejected.
func UnmarshalKnobs(data []byte) (TuningKnobs, bool) {
	if len(data) < KnobsSize {
		return TuningKnobs{}, false
	}
	ord := nativeEndian()
	return TuningKnobs{
		SliceNs:          ord.Uint64(data[0:]),
		PreemptThreshNs:  ord.Uint64(data[8:]),
		LagScale:         ord.Uint64(data[16:]),
		BatchSliceNs:     ord.Uint64(data[24:]),
		CPUBoundThreshNs: ord.Uint64(data[32:]),
		LatCriThreshHigh: ord.Uint64(data[40:]),
		LatCriThreshLow:  ord.Uint64(data[48:]),
	}, true
}

// WakeSample is one per-wakeup latency event from the engine's ring buffer.
type WakeSample struct {
	LatNs   uint64
	SleepNs uint64
	Pid     uint32
	Path    uint8
	Tier    Tier
}

// wakeSampleSize matches the engine's struct: u64 + u64 + u32 + u8 + u8 + pad.
const wakeSampleSize = 24

// DecodeWakeSample parses one ring buffer record. Undersized payloads are
// dropped by returning ok=false; they must not affect accumulated state.
func DecodeWakeSample(data []byte) (WakeSample, bool) {
	if len(data) < wakeSampleSize {
		return WakeSample{}, false
	}
	ord := nativeEndian()
	return WakeSample{
		LatNs:   ord.Uint64(data[0:]),
		SleepNs: ord.Uint64(data[8:]),
		Pid:     ord.Uint32(data[16:]),
		Path:    data[20],
		Tier:    Tier(data[21]),
	}, true
}

// CommKey truncates or zero-pads an executable name to the engine's
// fixed-width 16-byte key. First 16 bytes, zero-padded; exact semantics
// matter because the same key is computed independently on the BPF side.
type CommKey [16]byte

func MakeCommKey(name string) CommKey {
	var k CommKey
	copy(k[:], name)
	return k
}

// String returns the comm with trailing NULs stripped, for logs.
func (k CommKey) String() string {
	for i, b := range k {
		if b == 0 {
			return string(k[:i])
		}
	}
	return string(k[:])
}

// Observation is one behavioral record the engine emits when a task's
// runtime estimate matures.
type Observation struct {
	Comm         CommKey
	Tier         Tier
	AvgRuntimeNs uint64
}

// Prediction seeds the classification of newly spawned tasks whose comm
// matches a learned profile.
type Prediction struct {
	Tier         Tier
	AvgRuntimeNs uint64
}

// classEntrySize matches the engine's table value: u8 tier, 7 pad, u64 runtime.
const classEntrySize = 16

func marshalClassEntry(tier Tier, avgRuntimeNs uint64) []byte {
	buf := make([]byte, classEntrySize)
	buf[0] = byte(tier)
	nativeEndian().PutUint64(buf[8:], avgRuntimeNs)
	return buf
}

// ExitInfo is the engine's final exit-reason record.
type ExitInfo struct {
	Kind     uint32
	ExitCode uint64
	Reason   string
	Msg      string
}

// Exit code bit set by the kernel when the engine wants to be reloaded after
// a transient fault, as opposed to a user-requested stop.
const exitCodeRestartMask = 1 << 16

func (e ExitInfo) RequestsRestart() bool {
	return e.ExitCode&exitCodeRestartMask != 0
}

// Exited reports whether the record describes a real exit (kind 0 means the
// engine is still attached).
func (e ExitInfo) Exited() bool {
	return e.Kind != 0
}

// Engine is the monitor loop's view of the kernel-resident engine.
type Engine interface {
	// ReadStats sums the per-CPU counter blocks. Failures degrade to a zero
	// snapshot; the next tick retries with fresh data.
	ReadStats() Stats

	// ReadKnobs returns the live knob record.
	ReadKnobs() (TuningKnobs, error)

	// WriteKnobs replaces the live knob record. The engine observes it on
	// its next scheduling decision.
	WriteKnobs(TuningKnobs) error

	// Exited reports whether the engine has detached.
	Exited() bool

	// ExitInfo reads the final exit-reason record.
	ExitInfo() (ExitInfo, error)
}

// SampleSource streams wake-latency samples into ch until ctx is canceled.
// Implementations use a bounded wait so cancellation is observed within
// ~100ms even with no traffic.
type SampleSource interface {
	StreamSamples(ctx context.Context, ch chan<- WakeSample) error
}

// ObservationTable is the engine-owned table of matured task observations.
// Drain consumes and deletes every entry.
type ObservationTable interface {
	Drain() ([]Observation, error)
}

// PredictionTable is the engine-visible table consulted when a new task is
// first observed.
type PredictionTable interface {
	Put(CommKey, Prediction) error
	Delete(CommKey) error
}

func nativeEndian() binary.ByteOrder {
	i := uint16(1)
	if *(*byte)(unsafe.Pointer(&i)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
