package tuner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/wllclngn/schedtuned/internal/engine"
)

const (
	// Detected regime changes must repeat on consecutive ticks before the
	// switch is committed.
	regimeHoldTicks = 2

	// Graduated relaxation: step the slice back toward baseline by this
	// much after relaxHoldTicks consecutive ticks of good P99.
	relaxStepNs    = 500_000
	relaxHoldTicks = 2

	defaultInterval = time.Second
)

// Classifier is the monitor's view of the process classification store.
type Classifier interface {
	Ingest()
	FlushPredictions()
	Tick()
	Summary() (total, confident int)
}

// TickSnapshot is one tick's telemetry, handed to emitters and the event
// log.
type TickSnapshot struct {
	Tick           uint64 `json:"tick"`
	Regime         string `json:"regime"`
	IdlePct        uint64 `json:"idle_pct"`
	Dispatches     uint64 `json:"dispatches"`
	SharedHits     uint64 `json:"shared"`
	Preempts       uint64 `json:"preempts"`
	KeepRunning    uint64 `json:"keep_running"`
	HardKicks      uint64 `json:"hard_kicks"`
	SoftKicks      uint64 `json:"soft_kicks"`
	EnqWakeups     uint64 `json:"enq_wakeups"`
	EnqRequeues    uint64 `json:"enq_requeues"`
	WakeAvgUs      uint64 `json:"wake_avg_us"`
	P99Us          uint64 `json:"p99_us"`
	LatIdleUs      uint64 `json:"lat_idle_us"`
	LatKickUs      uint64 `json:"lat_kick_us"`
	AffinityHitPct uint64 `json:"affinity_hit_pct"`
	GuardClamps    uint64 `json:"guard_clamps"`
	IOWaitPct      uint64 `json:"io_wait_pct"`
	SliceUs        uint64 `json:"slice_us"`
	BatchSliceUs   uint64 `json:"batch_slice_us"`
	Stability      uint32 `json:"stability"`
	Profiles       int    `json:"profiles"`
	Confident      int    `json:"confident_profiles"`
}

// Emitter receives tick snapshots.
type Emitter interface {
	EmitTick(TickSnapshot)
}

// MonitorConfig wires the monitor's optional collaborators.
type MonitorConfig struct {
	Interval   time.Duration
	Logger     *zap.Logger
	Classifier Classifier // nil disables classification
	Recorder   Emitter    // receives every tick (event log)
	Emitters   []Emitter  // receive gated telemetry ticks
}

// Monitor is the slow control path. Once per interval it polls the engine's
// cumulative counters, commits regime transitions, relaxes tightened knobs,
// runs the affinity feedback loop, scores stability, and drives the
// classification store. All of its mutable state is owned by the single
// goroutine running Run; it talks to the reflex path only through Shared
// and the knob record.
type Monitor struct {
	eng        engine.Engine
	shared     *Shared
	logger     *zap.Logger
	classifier Classifier
	recorder   Emitter
	emitters   []Emitter
	interval   time.Duration

	prev       engine.Stats
	prevReflex uint64

	regime  Regime
	pending Regime
	hold    uint32

	tightened bool
	relaxHold uint32

	batchNs      uint64
	affLowTicks  uint32
	affHighTicks uint32
	lastAffinity uint64

	stability   uint32
	tick        uint64
	regimeTicks [3]uint64

	tickCounter       metric.Int64Counter
	transitionCounter metric.Int64Counter
	p99Gauge          metric.Int64Gauge
}

// NewMonitor creates a monitor starting in Mixed. Metric instrument
// failures are warnings; the control loop never depends on them.
func NewMonitor(eng engine.Engine, shared *Shared, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Monitor{
		eng:        eng,
		shared:     shared,
		logger:     cfg.Logger,
		classifier: cfg.Classifier,
		recorder:   cfg.Recorder,
		emitters:   cfg.Emitters,
		interval:   cfg.Interval,
		regime:     RegimeMixed,
		pending:    RegimeMixed,
	}

	meter := otel.Meter("schedtuned")
	var err error
	if m.tickCounter, err = meter.Int64Counter("schedtuned_ticks_total",
		metric.WithDescription("Monitor loop ticks")); err != nil {
		m.logger.Warn("failed to create tick counter", zap.Error(err))
	}
	if m.transitionCounter, err = meter.Int64Counter("schedtuned_regime_transitions_total",
		metric.WithDescription("Committed regime transitions")); err != nil {
		m.logger.Warn("failed to create transition counter", zap.Error(err))
	}
	if m.p99Gauge, err = meter.Int64Gauge("schedtuned_wake_p99_ns",
		metric.WithDescription("Published wake latency P99")); err != nil {
		m.logger.Warn("failed to create p99 gauge", zap.Error(err))
	}

	return m
}

// Run drives the control loop until ctx is canceled or the engine exits,
// then reads the exit record and reports whether the engine asked to be
// restarted. The caller must cancel the shared context before joining the
// reflex goroutine; the reflex path has no other way to learn of an
// engine-driven exit.
func (m *Monitor) Run(ctx context.Context) (bool, error) {
	m.applyRegime(m.regime)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if m.eng.Exited() {
				break loop
			}
			m.runTick(ctx)
		}
	}

	m.logFinal()

	info, err := m.eng.ExitInfo()
	if err != nil {
		m.logger.Warn("failed to read exit info", zap.Error(err))
		return false, nil
	}
	if info.Exited() {
		m.logger.Info("engine exited",
			zap.Uint32("kind", info.Kind),
			zap.Uint64("code", info.ExitCode),
			zap.String("reason", info.Reason),
			zap.String("msg", info.Msg),
			zap.Bool("restart_requested", info.RequestsRestart()))
	}
	return info.RequestsRestart(), nil
}

// applyRegime writes the baseline profile for r and resets all tightening,
// relaxation and affinity state.
func (m *Monitor) applyRegime(r Regime) {
	baseline := BaselineKnobs(r)
	m.shared.SetRegime(r)
	if err := m.eng.WriteKnobs(baseline); err != nil {
		m.logger.Warn("failed to write baseline knobs", zap.Error(err))
	}
	m.batchNs = baseline.BatchSliceNs
	m.affLowTicks, m.affHighTicks = 0, 0
	m.tightened = false
	m.relaxHold = 0
}

func (m *Monitor) runTick(ctx context.Context) {
	stats := m.eng.ReadStats()
	d := stats.DeltaSince(m.prev)
	m.prev = stats

	var idlePct uint64
	if d.NrDispatches > 0 {
		idlePct = d.NrIdleHits * 100 / d.NrDispatches
	}

	regimeChanged := m.commitRegime(ctx, DetectRegime(m.regime, idlePct))

	p99 := m.shared.P99()
	baseline := BaselineKnobs(m.regime)
	ceiling := P99Ceiling(m.regime)

	m.relaxStep(p99, ceiling, baseline)
	m.detectReflexTightening(baseline)
	m.affinityFeedback(d, baseline)

	reflexNow := m.shared.ReflexEvents()
	reflexDelta := reflexNow - m.prevReflex
	m.prevReflex = reflexNow

	m.stability = NextStabilityScore(m.stability, regimeChanged, d.NrGuardClamps, reflexDelta, p99, ceiling)
	m.shared.SetSamplesPerCheck(SamplesPerCheck(m.regime, m.stability))

	total, confident := 0, 0
	if m.classifier != nil {
		m.classifier.Ingest()
		m.classifier.FlushPredictions()
		m.classifier.Tick()
		total, confident = m.classifier.Summary()
	}

	ioPct, _ := m.shared.Sleep.DrainShares()

	m.tick++
	m.regimeTicks[m.regime]++

	snap := m.snapshot(d, idlePct, p99, ioPct, total, confident)

	if m.tickCounter != nil {
		m.tickCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("regime", m.regime.String())))
	}
	if m.p99Gauge != nil {
		m.p99Gauge.Record(ctx, int64(p99))
	}

	if m.recorder != nil {
		m.recorder.EmitTick(snap)
	}
	if EmitTelemetry(m.tick, m.stability) {
		m.logTick(snap)
		for _, em := range m.emitters {
			em.EmitTick(snap)
		}
	}
}

// commitRegime applies the two-tick confirmation hold: a detected change
// must repeat before the switch is committed, and a different detection
// restarts the hold at one.
func (m *Monitor) commitRegime(ctx context.Context, detected Regime) bool {
	if detected == m.regime {
		m.pending = m.regime
		m.hold = 0
		return false
	}

	if detected == m.pending {
		m.hold++
	} else {
		m.pending = detected
		m.hold = 1
	}
	if m.hold < regimeHoldTicks {
		return false
	}

	from := m.regime
	m.regime = detected
	m.hold = 0
	m.applyRegime(detected)

	m.logger.Info("regime transition",
		zap.String("from", from.String()),
		zap.String("to", detected.String()))
	if m.transitionCounter != nil {
		m.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", detected.String())))
	}
	return true
}

// relaxStep walks a tightened slice back toward baseline: one fixed step
// per relaxHoldTicks consecutive good ticks, never overshooting. A bad tick
// resets the hold without reversing steps already taken.
func (m *Monitor) relaxStep(p99, ceiling uint64, baseline engine.TuningKnobs) {
	if !m.tightened {
		return
	}
	if p99 > ceiling {
		m.relaxHold = 0
		return
	}
	m.relaxHold++
	if m.relaxHold < relaxHoldTicks {
		return
	}
	m.relaxHold = 0

	cur, err := m.eng.ReadKnobs()
	if err != nil {
		m.logger.Debug("relax knob read failed", zap.Error(err))
		return
	}
	if cur.SliceNs >= baseline.SliceNs {
		m.tightened = false
		return
	}

	newSlice := minU64(cur.SliceNs+relaxStepNs, baseline.SliceNs)
	k := baseline
	k.SliceNs = newSlice
	k.PreemptThreshNs = minU64(baseline.PreemptThreshNs, newSlice)
	// Keep the affinity loop's batch ceiling; relaxation only owns the slice.
	k.BatchSliceNs = m.batchNs
	if err := m.eng.WriteKnobs(k); err != nil {
		m.logger.Debug("relax knob write failed", zap.Error(err))
		return
	}
	if newSlice >= baseline.SliceNs {
		m.tightened = false
	}
}

// detectReflexTightening notices that the reflex path tightened the knobs
// behind the monitor's back: a live slice below baseline is the only
// cross-thread signal, so relaxation engages on the following ticks.
func (m *Monitor) detectReflexTightening(baseline engine.TuningKnobs) {
	if m.tightened {
		return
	}
	cur, err := m.eng.ReadKnobs()
	if err != nil {
		return
	}
	if cur.SliceNs < baseline.SliceNs {
		m.tightened = true
		m.relaxHold = 0
	}
}

// affinityFeedback runs one tick of the batch-slice loop against the
// measured cache-affinity hit rate. A tick with no affinity-tagged
// dispatches carries no evidence and leaves the hold counters untouched.
func (m *Monitor) affinityFeedback(d engine.Stats, baseline engine.TuningKnobs) {
	total := d.NrAffinityHits + d.NrAffinityMiss
	if total == 0 {
		return
	}
	hitPct := d.NrAffinityHits * 100 / total
	m.lastAffinity = hitPct

	newBatch, low, high := AdjustBatchSlice(m.batchNs, baseline.BatchSliceNs, hitPct, m.affLowTicks, m.affHighTicks)
	m.affLowTicks, m.affHighTicks = low, high
	if newBatch == m.batchNs {
		return
	}
	m.batchNs = newBatch

	cur, err := m.eng.ReadKnobs()
	if err != nil {
		m.logger.Debug("affinity knob read failed", zap.Error(err))
		return
	}
	cur.BatchSliceNs = newBatch
	if err := m.eng.WriteKnobs(cur); err != nil {
		m.logger.Debug("affinity knob write failed", zap.Error(err))
		return
	}
	m.logger.Info("batch slice adjusted",
		zap.Uint64("batch_slice_ns", newBatch),
		zap.Uint64("affinity_hit_pct", hitPct))
}

func (m *Monitor) snapshot(d engine.Stats, idlePct, p99, ioPct uint64, profiles, confident int) TickSnapshot {
	var wakeAvgUs, latIdleUs, latKickUs uint64
	if d.WakeLatSamples > 0 {
		wakeAvgUs = d.WakeLatSum / d.WakeLatSamples / 1000
	}
	if d.WakeLatIdleCnt > 0 {
		latIdleUs = d.WakeLatIdleSum / d.WakeLatIdleCnt / 1000
	}
	if d.WakeLatKickCnt > 0 {
		latKickUs = d.WakeLatKickSum / d.WakeLatKickCnt / 1000
	}

	var sliceUs, batchUs uint64
	if cur, err := m.eng.ReadKnobs(); err == nil {
		sliceUs = cur.SliceNs / 1000
		batchUs = cur.BatchSliceNs / 1000
	}

	return TickSnapshot{
		Tick:           m.tick,
		Regime:         m.regime.String(),
		IdlePct:        idlePct,
		Dispatches:     d.NrDispatches,
		SharedHits:     d.NrShared,
		Preempts:       d.NrPreempt,
		KeepRunning:    d.NrKeepRunning,
		HardKicks:      d.NrHardKicks,
		SoftKicks:      d.NrSoftKicks,
		EnqWakeups:     d.NrEnqWakeup,
		EnqRequeues:    d.NrEnqRequeue,
		WakeAvgUs:      wakeAvgUs,
		P99Us:          p99 / 1000,
		LatIdleUs:      latIdleUs,
		LatKickUs:      latKickUs,
		AffinityHitPct: m.lastAffinity,
		GuardClamps:    d.NrGuardClamps,
		IOWaitPct:      ioPct,
		SliceUs:        sliceUs,
		BatchSliceUs:   batchUs,
		Stability:      m.stability,
		Profiles:       profiles,
		Confident:      confident,
	}
}

func (m *Monitor) logTick(s TickSnapshot) {
	m.logger.Info("tick",
		zap.String("regime", s.Regime),
		zap.Uint64("dispatches", s.Dispatches),
		zap.Uint64("idle_pct", s.IdlePct),
		zap.Uint64("shared", s.SharedHits),
		zap.Uint64("preempts", s.Preempts),
		zap.Uint64("keep", s.KeepRunning),
		zap.Uint64("kicks_hard", s.HardKicks),
		zap.Uint64("kicks_soft", s.SoftKicks),
		zap.Uint64("wake_avg_us", s.WakeAvgUs),
		zap.Uint64("p99_us", s.P99Us),
		zap.Uint64("lat_idle_us", s.LatIdleUs),
		zap.Uint64("lat_kick_us", s.LatKickUs),
		zap.Uint64("affinity_pct", s.AffinityHitPct),
		zap.Uint64("io_wait_pct", s.IOWaitPct),
		zap.Uint64("slice_us", s.SliceUs),
		zap.Uint64("guard", s.GuardClamps),
		zap.Int("profiles", s.Profiles),
		zap.Int("confident", s.Confident),
		zap.Uint32("stability", s.Stability))
}

// logFinal emits the end-of-session knob summary.
func (m *Monitor) logFinal() {
	knobs, err := m.eng.ReadKnobs()
	if err != nil {
		knobs = engine.TuningKnobs{}
	}
	m.logger.Info("final tuning state",
		zap.String("regime", m.regime.String()),
		zap.Uint64("slice_ns", knobs.SliceNs),
		zap.Uint64("preempt_ns", knobs.PreemptThreshNs),
		zap.Uint64("batch_ns", knobs.BatchSliceNs),
		zap.Uint64("lag_scale", knobs.LagScale),
		zap.Bool("tightened", m.tightened),
		zap.Uint64("reflex_events", m.shared.ReflexEvents()),
		zap.Uint64("ticks_light", m.regimeTicks[RegimeLight]),
		zap.Uint64("ticks_mixed", m.regimeTicks[RegimeMixed]),
		zap.Uint64("ticks_heavy", m.regimeTicks[RegimeHeavy]))
}
