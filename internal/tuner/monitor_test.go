package tuner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wllclngn/schedtuned/internal/engine"
)

// fakeEngine is an in-memory kernel engine for driving the monitor tick by
// tick.
type fakeEngine struct {
	mu     sync.Mutex
	stats  engine.Stats
	knobs  engine.TuningKnobs
	exited bool
	exit   engine.ExitInfo
}

func (f *fakeEngine) ReadStats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeEngine) ReadKnobs() (engine.TuningKnobs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.knobs, nil
}

func (f *fakeEngine) WriteKnobs(k engine.TuningKnobs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.knobs = k
	return nil
}

func (f *fakeEngine) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *fakeEngine) ExitInfo() (engine.ExitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exit, nil
}

// advance adds one second's worth of dispatches at the given idle rate.
func (f *fakeEngine) advance(dispatches, idlePct uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.NrDispatches += dispatches
	f.stats.NrIdleHits += dispatches * idlePct / 100
}

func (f *fakeEngine) advanceAffinity(hits, misses uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.NrAffinityHits += hits
	f.stats.NrAffinityMiss += misses
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeEngine, *Shared) {
	eng := &fakeEngine{}
	shared := NewShared()
	m := NewMonitor(eng, shared, MonitorConfig{Logger: zaptest.NewLogger(t)})
	m.applyRegime(m.regime)
	return m, eng, shared
}

func tickIdle(m *Monitor, eng *fakeEngine, idlePct uint64) {
	eng.advance(10_000, idlePct)
	m.runTick(context.Background())
}

func TestMonitorInitialBaseline(t *testing.T) {
	m, eng, shared := newTestMonitor(t)

	assert.Equal(t, RegimeMixed, m.regime)
	assert.Equal(t, RegimeMixed, shared.Regime())
	k, err := eng.ReadKnobs()
	require.NoError(t, err)
	assert.Equal(t, BaselineKnobs(RegimeMixed), k)
}

func TestMonitorRegimeTransitionNeedsTwoTicks(t *testing.T) {
	m, eng, _ := newTestMonitor(t)

	// One tick of high idle: detected but not committed.
	tickIdle(m, eng, 80)
	assert.Equal(t, RegimeMixed, m.regime)

	// Second consecutive tick commits and writes the new baseline.
	tickIdle(m, eng, 80)
	assert.Equal(t, RegimeLight, m.regime)
	k, _ := eng.ReadKnobs()
	assert.Equal(t, BaselineKnobs(RegimeLight), k)
}

func TestMonitorFlappingDetectionRestartsHold(t *testing.T) {
	m, eng, _ := newTestMonitor(t)

	tickIdle(m, eng, 80) // pending Light, hold 1
	tickIdle(m, eng, 5)  // pending Heavy, hold restarts at 1
	assert.Equal(t, RegimeMixed, m.regime)

	tickIdle(m, eng, 5) // Heavy confirmed
	assert.Equal(t, RegimeHeavy, m.regime)
}

func TestMonitorDeadZoneNeverTransitions(t *testing.T) {
	m, eng, _ := newTestMonitor(t)

	for i := 0; i < 5; i++ {
		tickIdle(m, eng, 30) // between Heavy-enter and Light-enter
	}
	assert.Equal(t, RegimeMixed, m.regime)
}

func TestMonitorDetectsReflexTightening(t *testing.T) {
	m, eng, shared := newTestMonitor(t)

	// The reflex path tightened behind the monitor's back.
	k, _ := eng.ReadKnobs()
	k.SliceNs = 750_000
	k.PreemptThreshNs = 750_000
	require.NoError(t, eng.WriteKnobs(k))

	shared.PublishP99(1_000_000) // good P99
	tickIdle(m, eng, 30)
	assert.True(t, m.tightened)
}

func TestMonitorGraduatedRelaxConverges(t *testing.T) {
	m, eng, shared := newTestMonitor(t)
	baseline := BaselineKnobs(RegimeMixed)

	// Tightened twice by the reflex path: 1ms -> 750us -> 562.5us.
	k, _ := eng.ReadKnobs()
	k.SliceNs = 562_500
	k.PreemptThreshNs = 562_500
	require.NoError(t, eng.WriteKnobs(k))
	shared.PublishP99(1_000_000)

	// Tick 1 flags tightened; relaxation starts counting on tick 2.
	tickIdle(m, eng, 30)
	require.True(t, m.tightened)

	// Two good ticks per step: 562.5us -> 1ms in one clamped step is not
	// allowed; the step is fixed at 500us.
	tickIdle(m, eng, 30)
	tickIdle(m, eng, 30)
	k, _ = eng.ReadKnobs()
	assert.Equal(t, uint64(1_000_000), k.SliceNs) // 562.5us + 500us clamped to baseline
	assert.Equal(t, baseline.PreemptThreshNs, k.PreemptThreshNs)
	assert.False(t, m.tightened)
}

func TestMonitorRelaxStepsWithoutOvershoot(t *testing.T) {
	m, eng, shared := newTestMonitor(t)

	// Light baseline is 2ms; tighten down to 900us.
	tickIdle(m, eng, 80)
	tickIdle(m, eng, 80)
	require.Equal(t, RegimeLight, m.regime)

	k, _ := eng.ReadKnobs()
	k.SliceNs = 900_000
	k.PreemptThreshNs = 900_000
	require.NoError(t, eng.WriteKnobs(k))
	shared.PublishP99(500_000)

	tickIdle(m, eng, 80) // flags tightened
	require.True(t, m.tightened)

	expected := []uint64{1_400_000, 1_900_000, 2_000_000}
	for _, want := range expected {
		tickIdle(m, eng, 80)
		tickIdle(m, eng, 80)
		k, _ = eng.ReadKnobs()
		assert.Equal(t, want, k.SliceNs)
	}
	assert.False(t, m.tightened)

	// Preempt threshold never exceeds the baseline's.
	assert.Equal(t, BaselineKnobs(RegimeLight).PreemptThreshNs, k.PreemptThreshNs)
}

func TestMonitorBadTickResetsRelaxHold(t *testing.T) {
	m, eng, shared := newTestMonitor(t)

	k, _ := eng.ReadKnobs()
	k.SliceNs = 750_000
	require.NoError(t, eng.WriteKnobs(k))
	shared.PublishP99(1_000_000)
	tickIdle(m, eng, 30) // tightened flagged
	require.True(t, m.tightened)

	tickIdle(m, eng, 30) // relaxHold 1
	shared.PublishP99(9_000_000)
	tickIdle(m, eng, 30) // bad tick: hold resets, no reversal
	k, _ = eng.ReadKnobs()
	assert.Equal(t, uint64(750_000), k.SliceNs)

	shared.PublishP99(1_000_000)
	tickIdle(m, eng, 30) // hold 1 again, still no step
	k, _ = eng.ReadKnobs()
	assert.Equal(t, uint64(750_000), k.SliceNs)

	tickIdle(m, eng, 30) // hold 2: step
	k, _ = eng.ReadKnobs()
	assert.Equal(t, uint64(1_000_000), k.SliceNs)
}

func TestMonitorRegimeChangeResetsTightenedState(t *testing.T) {
	m, eng, shared := newTestMonitor(t)

	k, _ := eng.ReadKnobs()
	k.SliceNs = 500_000
	require.NoError(t, eng.WriteKnobs(k))
	shared.PublishP99(1_000_000)
	tickIdle(m, eng, 30)
	require.True(t, m.tightened)

	tickIdle(m, eng, 80)
	tickIdle(m, eng, 80)
	require.Equal(t, RegimeLight, m.regime)
	assert.False(t, m.tightened)
	k, _ = eng.ReadKnobs()
	assert.Equal(t, BaselineKnobs(RegimeLight), k)
}

func TestMonitorAffinityFeedbackRaisesBatchSlice(t *testing.T) {
	m, eng, _ := newTestMonitor(t)

	// 50% hit rate held for three ticks: +2ms.
	for i := 0; i < 3; i++ {
		eng.advanceAffinity(50, 50)
		tickIdle(m, eng, 30)
	}
	k, _ := eng.ReadKnobs()
	assert.Equal(t, uint64(22_000_000), k.BatchSliceNs)

	// Held low again: capped at 24ms.
	for i := 0; i < 6; i++ {
		eng.advanceAffinity(50, 50)
		tickIdle(m, eng, 30)
	}
	k, _ = eng.ReadKnobs()
	assert.Equal(t, uint64(24_000_000), k.BatchSliceNs)
}

func TestMonitorAffinityFeedbackLowersBatchSlice(t *testing.T) {
	m, eng, _ := newTestMonitor(t)

	for i := 0; i < 3; i++ {
		eng.advanceAffinity(50, 50)
		tickIdle(m, eng, 30)
	}
	k, _ := eng.ReadKnobs()
	require.Equal(t, uint64(22_000_000), k.BatchSliceNs)

	// 75% hit rate held for three ticks: -1ms.
	for i := 0; i < 3; i++ {
		eng.advanceAffinity(75, 25)
		tickIdle(m, eng, 30)
	}
	k, _ = eng.ReadKnobs()
	assert.Equal(t, uint64(21_000_000), k.BatchSliceNs)

	// Repeated high hit rate floors at the regime baseline.
	for i := 0; i < 12; i++ {
		eng.advanceAffinity(75, 25)
		tickIdle(m, eng, 30)
	}
	k, _ = eng.ReadKnobs()
	assert.Equal(t, uint64(20_000_000), k.BatchSliceNs)
}

func TestMonitorStabilityHibernatesReflex(t *testing.T) {
	m, eng, shared := newTestMonitor(t)

	shared.PublishP99(1_000_000) // under half the 5ms Mixed ceiling
	for i := 0; i < 10; i++ {
		tickIdle(m, eng, 30)
	}
	assert.Equal(t, uint32(10), m.stability)
	assert.Equal(t, uint64(128), shared.SamplesPerCheck())

	// A reflex event wakes sampling back up.
	shared.AddReflexEvent()
	tickIdle(m, eng, 30)
	assert.Zero(t, m.stability)
	assert.Equal(t, uint64(32), shared.SamplesPerCheck())
}

func TestMonitorStabilityResetOnHighP99(t *testing.T) {
	m, eng, shared := newTestMonitor(t)

	shared.PublishP99(1_000_000)
	for i := 0; i < 5; i++ {
		tickIdle(m, eng, 30)
	}
	require.Equal(t, uint32(5), m.stability)

	shared.PublishP99(2_600_000) // above half the 5ms ceiling
	tickIdle(m, eng, 30)
	assert.Zero(t, m.stability)
}

// recordingEmitter captures emitted snapshots.
type recordingEmitter struct {
	mu    sync.Mutex
	snaps []TickSnapshot
}

func (r *recordingEmitter) EmitTick(s TickSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestMonitorTelemetryGatingWhenStable(t *testing.T) {
	eng := &fakeEngine{}
	shared := NewShared()
	recorder := &recordingEmitter{}
	emitter := &recordingEmitter{}
	m := NewMonitor(eng, shared, MonitorConfig{
		Logger:   zaptest.NewLogger(t),
		Recorder: recorder,
		Emitters: []Emitter{emitter},
	})
	m.applyRegime(m.regime)

	shared.PublishP99(1_000_000)
	for i := 0; i < 14; i++ {
		tickIdle(m, eng, 30)
	}

	// The recorder sees every tick; the gated emitter skips odd ticks once
	// the stability cap is reached at tick 10.
	assert.Equal(t, 14, recorder.count())
	assert.Equal(t, 12, emitter.count())
}

type fakeClassifier struct {
	ingests, flushes, ticks int
}

func (f *fakeClassifier) Ingest()           { f.ingests++ }
func (f *fakeClassifier) FlushPredictions() { f.flushes++ }
func (f *fakeClassifier) Tick()             { f.ticks++ }
func (f *fakeClassifier) Summary() (int, int) {
	return 3, 1
}

func TestMonitorDrivesClassifierOncePerTick(t *testing.T) {
	eng := &fakeEngine{}
	shared := NewShared()
	cls := &fakeClassifier{}
	m := NewMonitor(eng, shared, MonitorConfig{
		Logger:     zaptest.NewLogger(t),
		Classifier: cls,
	})
	m.applyRegime(m.regime)

	for i := 0; i < 3; i++ {
		tickIdle(m, eng, 30)
	}
	assert.Equal(t, 3, cls.ingests)
	assert.Equal(t, 3, cls.flushes)
	assert.Equal(t, 3, cls.ticks)
}

func TestMonitorRunReturnsRestartRequest(t *testing.T) {
	eng := &fakeEngine{exited: true, exit: engine.ExitInfo{Kind: 64, ExitCode: 1 << 16, Reason: "hotplug"}}
	shared := NewShared()
	m := NewMonitor(eng, shared, MonitorConfig{
		Logger:   zaptest.NewLogger(t),
		Interval: time.Millisecond,
	})

	restart, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, restart)
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	eng := &fakeEngine{}
	shared := NewShared()
	m := NewMonitor(eng, shared, MonitorConfig{
		Logger:   zaptest.NewLogger(t),
		Interval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		restart, _ := m.Run(ctx)
		done <- restart
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case restart := <-done:
		assert.False(t, restart)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancellation")
	}
}
