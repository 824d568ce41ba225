//go:build !linux

package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DefaultPinDir is where the engine pins its userspace-facing maps.
const DefaultPinDir = "/sys/fs/bpf/schedtuned"

// BPFEngine requires a Linux kernel with sched_ext; this stub keeps the
// daemon buildable on other platforms for development and tests.
type BPFEngine struct{}

func Open(pinDir string, logger *zap.Logger) (*BPFEngine, error) {
	return nil, fmt.Errorf("BPF engine is only available on linux")
}

func (e *BPFEngine) Close() {}

func (e *BPFEngine) ReadStats() Stats { return Stats{} }

func (e *BPFEngine) ReadKnobs() (TuningKnobs, error) {
	return TuningKnobs{}, fmt.Errorf("BPF engine is only available on linux")
}

func (e *BPFEngine) WriteKnobs(TuningKnobs) error {
	return fmt.Errorf("BPF engine is only available on linux")
}

func (e *BPFEngine) Exited() bool { return true }

func (e *BPFEngine) ExitInfo() (ExitInfo, error) {
	return ExitInfo{}, fmt.Errorf("BPF engine is only available on linux")
}

func (e *BPFEngine) StreamSamples(ctx context.Context, ch chan<- WakeSample) error {
	<-ctx.Done()
	return nil
}

type BPFObservationTable struct{}

type BPFPredictionTable struct{}

func OpenClassificationTables(pinDir string) (*BPFObservationTable, *BPFPredictionTable, error) {
	return nil, nil, fmt.Errorf("BPF engine is only available on linux")
}

func (t *BPFObservationTable) Drain() ([]Observation, error) { return nil, nil }

func (t *BPFObservationTable) Close() {}

func (t *BPFPredictionTable) Put(CommKey, Prediction) error { return nil }

func (t *BPFPredictionTable) Delete(CommKey) error { return nil }

func (t *BPFPredictionTable) Close() {}
