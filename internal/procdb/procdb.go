// Package procdb accumulates the engine's per-comm behavioral observations
// into task profiles and feeds confident classifications back as predictions,
// so freshly spawned tasks start in the right tier instead of relearning it.
package procdb

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wllclngn/schedtuned/internal/engine"
)

const (
	// Publication gates: a profile needs this many observations and this
	// share of votes on one tier before it is trusted.
	minObservations = 3
	// Confidence floor as a ratio: dominant votes * 10 >= total votes * 6.
	confidenceNum   = 6
	confidenceDenom = 10

	// Profiles unseen for this many monitor ticks are dropped.
	staleTicks = 60

	// Hard cap on tracked profiles; the oldest last-seen entries go first.
	maxProfiles = 512
)

// Profile is the learned behavior of one executable name.
type Profile struct {
	Votes        [3]uint64
	Observations uint64
	AvgRuntimeNs uint64
	LastSeenTick uint64
	Published    bool

	dirty bool
}

// DominantTier returns the tier with the most votes. Ties resolve to the
// higher tier index: when the evidence is split, misclassifying upward
// costs throughput, misclassifying downward costs latency.
func (p *Profile) DominantTier() engine.Tier {
	best := engine.TierBatch
	for t := engine.TierInteractive; t <= engine.TierLatCritical; t++ {
		if p.Votes[t] >= p.Votes[best] {
			best = t
		}
	}
	return best
}

// Confidence is the dominant tier's share of all votes.
func (p *Profile) Confidence() float64 {
	total := p.Votes[0] + p.Votes[1] + p.Votes[2]
	if total == 0 {
		return 0
	}
	return float64(p.Votes[p.DominantTier()]) / float64(total)
}

func (p *Profile) confident() bool {
	total := p.Votes[0] + p.Votes[1] + p.Votes[2]
	if p.Observations < minObservations || total == 0 {
		return false
	}
	return p.Votes[p.DominantTier()]*confidenceDenom >= total*confidenceNum
}

// DB is the in-memory profile store. The monitor loop drives it once per
// tick; Save may run from the shutdown path concurrently, hence the lock.
type DB struct {
	mu       sync.Mutex
	logger   *zap.Logger
	obs      engine.ObservationTable
	pred     engine.PredictionTable
	profiles map[engine.CommKey]*Profile
	tick     uint64
}

// New creates an empty store. obs and pred may be nil when the engine's
// classification tables are unavailable; the store then only tracks what it
// is handed directly.
func New(obs engine.ObservationTable, pred engine.PredictionTable, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		logger:   logger,
		obs:      obs,
		pred:     pred,
		profiles: make(map[engine.CommKey]*Profile),
	}
}

// Ingest drains the engine's observation table and folds each record into
// its comm's profile.
func (db *DB) Ingest() {
	if db.obs == nil {
		return
	}
	records, err := db.obs.Drain()
	if err != nil {
		db.logger.Debug("observation drain failed", zap.Error(err))
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, o := range records {
		db.ingestLocked(o)
	}
}

func (db *DB) ingestLocked(o engine.Observation) {
	if o.Tier > engine.TierLatCritical {
		return
	}
	p, ok := db.profiles[o.Comm]
	if !ok {
		p = &Profile{AvgRuntimeNs: o.AvgRuntimeNs}
		db.profiles[o.Comm] = p
	} else {
		// EWMA with a 1/8 gain, matching the engine's own runtime estimator.
		p.AvgRuntimeNs = (p.AvgRuntimeNs*7 + o.AvgRuntimeNs) / 8
	}
	p.Votes[o.Tier]++
	p.Observations++
	p.LastSeenTick = db.tick
	p.dirty = true
}

// Observe records one observation directly, bypassing the engine table.
func (db *DB) Observe(o engine.Observation) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.ingestLocked(o)
}

// FlushPredictions publishes every confident profile whose evidence changed
// since the last flush.
func (db *DB) FlushPredictions() {
	if db.pred == nil {
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for comm, p := range db.profiles {
		if !p.dirty || !p.confident() {
			continue
		}
		p.dirty = false
		err := db.pred.Put(comm, engine.Prediction{
			Tier:         p.DominantTier(),
			AvgRuntimeNs: p.AvgRuntimeNs,
		})
		if err != nil {
			db.logger.Debug("prediction publish failed",
				zap.String("comm", comm.String()), zap.Error(err))
			p.dirty = true
			continue
		}
		if !p.Published {
			p.Published = true
			db.logger.Info("task profile published",
				zap.String("comm", comm.String()),
				zap.String("tier", p.DominantTier().String()),
				zap.Uint64("avg_runtime_ns", p.AvgRuntimeNs),
				zap.Float64("confidence", p.Confidence()))
		}
	}
}

// Tick advances the store's clock, drops stale profiles, and enforces the
// profile cap by evicting the oldest last-seen entries.
func (db *DB) Tick() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tick++

	for comm, p := range db.profiles {
		if db.tick-p.LastSeenTick > staleTicks {
			db.evictLocked(comm, p, "stale")
		}
	}

	if len(db.profiles) <= maxProfiles {
		return
	}
	type aged struct {
		comm engine.CommKey
		p    *Profile
	}
	entries := make([]aged, 0, len(db.profiles))
	for comm, p := range db.profiles {
		entries = append(entries, aged{comm, p})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].p.LastSeenTick < entries[j].p.LastSeenTick
	})
	for _, e := range entries[:len(entries)-maxProfiles] {
		db.evictLocked(e.comm, e.p, "capacity")
	}
}

func (db *DB) evictLocked(comm engine.CommKey, p *Profile, why string) {
	delete(db.profiles, comm)
	if p.Published && db.pred != nil {
		if err := db.pred.Delete(comm); err != nil {
			db.logger.Debug("prediction delete failed",
				zap.String("comm", comm.String()), zap.Error(err))
		}
	}
	db.logger.Debug("profile evicted",
		zap.String("comm", comm.String()), zap.String("why", why))
}

// Summary reports tracked and publication-eligible profile counts.
func (db *DB) Summary() (total, confident int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	total = len(db.profiles)
	for _, p := range db.profiles {
		if p.confident() {
			confident++
		}
	}
	return total, confident
}

// Lookup returns a copy of one profile, for tests and the status command.
func (db *DB) Lookup(comm engine.CommKey) (Profile, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.profiles[comm]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}
