//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// DefaultPinDir is where the engine pins its userspace-facing maps.
const DefaultPinDir = "/sys/fs/bpf/schedtuned"

// Pinned map names under the pin directory.
const (
	pinKnobs    = "tuning_knobs"
	pinStats    = "stats"
	pinWakeLat  = "wake_lat_events"
	pinObserve  = "task_class_observe"
	pinInit     = "task_class_init"
	pinExitInfo = "exit_info"
)

// samplePollTimeout bounds the ring buffer wait so shutdown is observed
// even with no incoming events.
const samplePollTimeout = 100 * time.Millisecond

// BPFEngine reaches the kernel-resident engine through its pinned maps.
type BPFEngine struct {
	knobs    *ebpf.Map
	stats    *ebpf.Map
	wakeLat  *ebpf.Map
	exitInfo *ebpf.Map
	logger   *zap.Logger
}

// Open attaches to the engine's pinned maps under pinDir. The engine must
// already be loaded; this daemon never loads or attaches BPF programs itself.
func Open(pinDir string, logger *zap.Logger) (*BPFEngine, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}

	e := &BPFEngine{logger: logger}
	for _, m := range []struct {
		name string
		dst  **ebpf.Map
	}{
		{pinKnobs, &e.knobs},
		{pinStats, &e.stats},
		{pinWakeLat, &e.wakeLat},
		{pinExitInfo, &e.exitInfo},
	} {
		mp, err := ebpf.LoadPinnedMap(filepath.Join(pinDir, m.name), nil)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to open pinned map %s: %w", m.name, err)
		}
		*m.dst = mp
	}

	logger.Info("attached to engine maps", zap.String("pin_dir", pinDir))
	return e, nil
}

// Close releases all map handles.
func (e *BPFEngine) Close() {
	for _, m := range []*ebpf.Map{e.knobs, e.stats, e.wakeLat, e.exitInfo} {
		if m != nil {
			m.Close()
		}
	}
}

// ReadStats sums the per-CPU counter blocks into one total. Lookup failures
// degrade to a zero snapshot; the monitor's next tick retries.
func (e *BPFEngine) ReadStats() Stats {
	var perCPU []Stats
	if err := e.stats.Lookup(uint32(0), &perCPU); err != nil {
		e.logger.Debug("stats lookup failed", zap.Error(err))
		return Stats{}
	}
	var total Stats
	for _, s := range perCPU {
		total.add(s)
	}
	return total
}

func (e *BPFEngine) ReadKnobs() (TuningKnobs, error) {
	raw, err := e.knobs.LookupBytes(uint32(0))
	if err != nil {
		return TuningKnobs{}, fmt.Errorf("knobs lookup: %w", err)
	}
	k, ok := UnmarshalKnobs(raw)
	if !ok {
		return TuningKnobs{}, fmt.Errorf("knobs record undersized: %d bytes", len(raw))
	}
	return k, nil
}

func (e *BPFEngine) WriteKnobs(k TuningKnobs) error {
	if err := e.knobs.Update(uint32(0), k.Marshal(), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("knobs update: %w", err)
	}
	return nil
}

// exitInfoRecord mirrors the engine's exit record layout.
type exitInfoRecord struct {
	Kind     uint32
	_        uint32
	ExitCode uint64
	Reason   [128]byte
	Msg      [1024]byte
}

func (e *BPFEngine) ExitInfo() (ExitInfo, error) {
	var rec exitInfoRecord
	if err := e.exitInfo.Lookup(uint32(0), &rec); err != nil {
		return ExitInfo{}, fmt.Errorf("exit info lookup: %w", err)
	}
	return ExitInfo{
		Kind:     rec.Kind,
		ExitCode: rec.ExitCode,
		Reason:   cString(rec.Reason[:]),
		Msg:      cString(rec.Msg[:]),
	}, nil
}

func (e *BPFEngine) Exited() bool {
	info, err := e.ExitInfo()
	if err != nil {
		return false
	}
	return info.Exited()
}

// StreamSamples consumes the wake-latency ring buffer into ch until ctx is
// canceled. Each read is bounded by samplePollTimeout so cancellation is
// observed without traffic. Malformed records are dropped.
func (e *BPFEngine) StreamSamples(ctx context.Context, ch chan<- WakeSample) error {
	rd, err := ringbuf.NewReader(e.wakeLat)
	if err != nil {
		return fmt.Errorf("failed to create ring buffer reader: %w", err)
	}
	defer rd.Close()

	go func() {
		<-ctx.Done()
		rd.Close()
	}()

	for {
		rd.SetDeadline(time.Now().Add(samplePollTimeout))
		rec, err := rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			e.logger.Debug("ring buffer read failed", zap.Error(err))
			continue
		}
		sample, ok := DecodeWakeSample(rec.RawSample)
		if !ok {
			continue
		}
		select {
		case ch <- sample:
		case <-ctx.Done():
			return nil
		}
	}
}

// classEntryRecord mirrors the engine's task_class_entry value layout.
type classEntryRecord struct {
	Tier uint8
	_    [7]byte
	Avg  uint64
}

// BPFObservationTable drains the engine's matured-task observation table.
type BPFObservationTable struct {
	m *ebpf.Map
}

// BPFPredictionTable writes learned classifications back for new tasks.
type BPFPredictionTable struct {
	m *ebpf.Map
}

// OpenClassificationTables opens the observe/init table pair. The tables are
// an optional optimization: callers treat an error as "classification
// disabled", never as fatal.
func OpenClassificationTables(pinDir string) (*BPFObservationTable, *BPFPredictionTable, error) {
	observe, err := ebpf.LoadPinnedMap(filepath.Join(pinDir, pinObserve), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open observation table: %w", err)
	}
	init, err := ebpf.LoadPinnedMap(filepath.Join(pinDir, pinInit), nil)
	if err != nil {
		observe.Close()
		return nil, nil, fmt.Errorf("failed to open prediction table: %w", err)
	}
	return &BPFObservationTable{m: observe}, &BPFPredictionTable{m: init}, nil
}

func (t *BPFObservationTable) Drain() ([]Observation, error) {
	var (
		keys []CommKey
		out  []Observation
		key  CommKey
		val  classEntryRecord
	)
	it := t.m.Iterate()
	for it.Next(&key, &val) {
		tier := Tier(val.Tier)
		if tier > TierLatCritical {
			tier = TierLatCritical
		}
		out = append(out, Observation{Comm: key, Tier: tier, AvgRuntimeNs: val.Avg})
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return out, fmt.Errorf("observation iteration: %w", err)
	}
	// Consumed entries are deleted so the next drain only sees new data.
	// Delete races with the engine's LRU inserts are benign.
	for _, k := range keys {
		_ = t.m.Delete(k)
	}
	return out, nil
}

func (t *BPFObservationTable) Close() { t.m.Close() }

func (t *BPFPredictionTable) Put(comm CommKey, p Prediction) error {
	return t.m.Update(comm, marshalClassEntry(p.Tier, p.AvgRuntimeNs), ebpf.UpdateAny)
}

func (t *BPFPredictionTable) Delete(comm CommKey) error {
	return t.m.Delete(comm)
}

func (t *BPFPredictionTable) Close() { t.m.Close() }

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
