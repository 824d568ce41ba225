package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wllclngn/schedtuned/internal/config"
	"github.com/wllclngn/schedtuned/internal/engine"
	"github.com/wllclngn/schedtuned/internal/eventlog"
	"github.com/wllclngn/schedtuned/internal/procdb"
	"github.com/wllclngn/schedtuned/internal/telemetry"
	"github.com/wllclngn/schedtuned/internal/tuner"
)

// sampleChanDepth absorbs wake-sample bursts between reflex wakeups.
const sampleChanDepth = 1024

// runDaemon runs engine sessions until shutdown, honoring the engine's
// restart-request bit up to the configured attempt cap.
func runDaemon(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	attempts := 0
	for {
		restart, err := runSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if !restart || ctx.Err() != nil {
			return nil
		}

		attempts++
		if attempts > cfg.MaxRestarts {
			return fmt.Errorf("engine requested restart %d times; giving up", attempts)
		}
		logger.Warn("engine requested restart",
			zap.Int("attempt", attempts), zap.Int("max", cfg.MaxRestarts))
		select {
		case <-time.After(cfg.RestartDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession attaches to the engine and runs both control loops until ctx is
// canceled or the engine exits. Returns whether the engine asked to be
// reloaded.
func runSession(ctx context.Context, cfg config.Config, logger *zap.Logger) (bool, error) {
	eng, err := engine.Open(cfg.PinDir, logger)
	if err != nil {
		return false, fmt.Errorf("failed to attach to engine: %w", err)
	}
	defer eng.Close()

	shared := tuner.NewShared()

	var classifier tuner.Classifier
	var db *procdb.DB
	if cfg.Classification {
		obs, pred, err := engine.OpenClassificationTables(cfg.PinDir)
		if err != nil {
			logger.Warn("classification tables unavailable; tier learning disabled",
				zap.Error(err))
		} else {
			defer obs.Close()
			defer pred.Close()
			db = procdb.New(obs, pred, logger)
			if cfg.StatePath != "" {
				if err := db.Load(cfg.StatePath); err != nil {
					logger.Warn("failed to load profile state", zap.Error(err))
				}
			}
			classifier = db
		}
	}

	history := eventlog.New(cfg.EventLogSize)
	var emitters []tuner.Emitter
	if cfg.TelemetryURL != "" {
		pub, err := telemetry.NewPublisher(cfg.TelemetryURL, logger)
		if err != nil {
			logger.Warn("telemetry disabled", zap.Error(err))
		} else {
			defer pub.Close()
			emitters = append(emitters, pub)
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples := make(chan engine.WakeSample, sampleChanDepth)
	reflex := tuner.NewReflex(shared, eng, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := eng.StreamSamples(sessionCtx, samples); err != nil {
			logger.Warn("wake sample stream failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		reflex.Run(sessionCtx, samples)
	}()

	monitor := tuner.NewMonitor(eng, shared, tuner.MonitorConfig{
		Interval:   cfg.TickInterval,
		Logger:     logger,
		Classifier: classifier,
		Recorder:   history,
		Emitters:   emitters,
	})
	restart, err := monitor.Run(sessionCtx)

	// The reflex path only learns of an engine exit through cancellation.
	cancel()
	wg.Wait()

	if db != nil && cfg.StatePath != "" {
		if serr := db.Save(cfg.StatePath); serr != nil {
			logger.Warn("failed to save profile state", zap.Error(serr))
		}
	}
	finishEventLog(history, cfg.EventLogDump, logger)

	return restart, err
}

// finishEventLog logs the session summary and optionally dumps the retained
// tick history as JSON lines.
func finishEventLog(history *eventlog.Log, dumpPath string, logger *zap.Logger) {
	s := history.Summarize()
	logger.Info("session summary",
		zap.Uint64("ticks", s.Ticks),
		zap.Int("retained", s.Retained),
		zap.Any("regime_ticks", s.RegimeTicks),
		zap.Uint64("transitions", s.Transitions),
		zap.Uint64("max_p99_us", s.MaxP99Us),
		zap.Uint64("guard_clamps", s.TotalClamps),
		zap.Uint32("last_stability", s.LastStable),
		zap.Int("last_profiles", s.LastProfiles))

	if dumpPath == "" {
		return
	}
	f, err := os.Create(dumpPath)
	if err != nil {
		logger.Warn("failed to create event log dump", zap.Error(err))
		return
	}
	defer f.Close()
	if err := history.Dump(f); err != nil {
		logger.Warn("failed to write event log dump", zap.Error(err))
		return
	}
	logger.Info("event log dumped", zap.String("path", dumpPath), zap.Int("ticks", s.Retained))
}
