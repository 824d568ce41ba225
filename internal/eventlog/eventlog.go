// Package eventlog keeps a bounded in-memory history of monitor ticks so a
// session can be reconstructed after the fact without shipping telemetry
// anywhere. The ring records every tick, including the ones telemetry gating
// drops.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/wllclngn/schedtuned/internal/tuner"
)

// DefaultCapacity bounds the ring at a bit over two hours of 1s ticks.
const DefaultCapacity = 8192

// Log is a fixed-capacity ring of tick snapshots. Safe for one writer and
// concurrent readers.
type Log struct {
	mu    sync.Mutex
	buf   []tuner.TickSnapshot
	next  int
	total uint64
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]tuner.TickSnapshot, 0, capacity)}
}

// EmitTick appends one snapshot, overwriting the oldest once full.
func (l *Log) EmitTick(s tuner.TickSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if len(l.buf) < cap(l.buf) {
		l.buf = append(l.buf, s)
		return
	}
	l.buf[l.next] = s
	l.next = (l.next + 1) % cap(l.buf)
}

// Snapshots returns the retained ticks oldest first.
func (l *Log) Snapshots() []tuner.TickSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]tuner.TickSnapshot, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}

// Len reports how many ticks are currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Total reports how many ticks were ever recorded, including overwritten
// ones.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Dump writes the retained history as JSON lines, oldest first.
func (l *Log) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, s := range l.Snapshots() {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode tick %d: %w", s.Tick, err)
		}
	}
	return nil
}

// Summary aggregates the retained window for the end-of-session report.
type Summary struct {
	Ticks        uint64 `json:"ticks"`
	Retained     int    `json:"retained"`
	RegimeTicks  map[string]uint64 `json:"regime_ticks"`
	Transitions  uint64 `json:"transitions"`
	MaxP99Us     uint64 `json:"max_p99_us"`
	TotalClamps  uint64 `json:"guard_clamps"`
	MaxSliceUs   uint64 `json:"max_slice_us"`
	MinSliceUs   uint64 `json:"min_slice_us"`
	LastStable   uint32 `json:"last_stability"`
	LastProfiles int    `json:"last_profiles"`
}

// Summarize walks the retained window once.
func (l *Log) Summarize() Summary {
	snaps := l.Snapshots()
	s := Summary{
		Ticks:       l.Total(),
		Retained:    len(snaps),
		RegimeTicks: make(map[string]uint64),
	}
	prevRegime := ""
	for i, snap := range snaps {
		s.RegimeTicks[snap.Regime]++
		if prevRegime != "" && snap.Regime != prevRegime {
			s.Transitions++
		}
		prevRegime = snap.Regime
		if snap.P99Us > s.MaxP99Us {
			s.MaxP99Us = snap.P99Us
		}
		s.TotalClamps += snap.GuardClamps
		if snap.SliceUs > s.MaxSliceUs {
			s.MaxSliceUs = snap.SliceUs
		}
		if i == 0 || snap.SliceUs < s.MinSliceUs {
			s.MinSliceUs = snap.SliceUs
		}
	}
	if len(snaps) > 0 {
		last := snaps[len(snaps)-1]
		s.LastStable = last.Stability
		s.LastProfiles = last.Profiles
	}
	return s
}
