package tuner

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainP99Empty(t *testing.T) {
	var h LatencyHistogram
	assert.Zero(t, h.DrainP99())
}

func TestDrainP99SingleBucket(t *testing.T) {
	var h LatencyHistogram
	for i := 0; i < 100; i++ {
		h.Record(40_000) // 50us bucket
	}
	assert.Equal(t, uint64(50_000), h.DrainP99())
}

func TestDrainP99PicksTailBucket(t *testing.T) {
	var h LatencyHistogram
	// 99 fast samples, 1 slow: ceil(100*0.99)=99 falls in the fast bucket.
	for i := 0; i < 99; i++ {
		h.Record(5_000)
	}
	h.Record(8_000_000)
	assert.Equal(t, uint64(10_000), h.DrainP99())

	// 98 fast, 2 slow: the 99th smallest sample is slow.
	for i := 0; i < 98; i++ {
		h.Record(5_000)
	}
	h.Record(8_000_000)
	h.Record(8_000_000)
	assert.Equal(t, uint64(10_000_000), h.DrainP99())
}

func TestDrainP99NeverReturnsInfinity(t *testing.T) {
	var h LatencyHistogram
	for i := 0; i < 1000; i++ {
		h.Record(math.MaxUint64 - 1) // lands in the +inf bucket
	}
	// Clamped to the second-to-last real edge.
	assert.Equal(t, uint64(20_000_000), h.DrainP99())
}

func TestDrainP99ResetsWindow(t *testing.T) {
	var h LatencyHistogram
	for i := 0; i < 64; i++ {
		h.Record(15_000_000)
	}
	require.Equal(t, uint64(64), h.Pending())
	require.Equal(t, uint64(20_000_000), h.DrainP99())

	// The drained window is gone: new samples define the next estimate.
	assert.Zero(t, h.Pending())
	for i := 0; i < 64; i++ {
		h.Record(20_000)
	}
	assert.Equal(t, uint64(25_000), h.DrainP99())
}

func TestRecordBoundaryAssignment(t *testing.T) {
	var h LatencyHistogram
	// A sample exactly on an edge belongs to that edge's bucket.
	h.Record(10_000)
	assert.Equal(t, uint64(10_000), h.DrainP99())
	h.Record(10_001)
	assert.Equal(t, uint64(25_000), h.DrainP99())
	h.Record(0)
	assert.Equal(t, uint64(10_000), h.DrainP99())
}

func TestRecordConcurrent(t *testing.T) {
	var h LatencyHistogram
	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				h.Record(400_000)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*perGoroutine), h.Pending())
	assert.Equal(t, uint64(500_000), h.DrainP99())
}

func TestSleepHistogramShares(t *testing.T) {
	var h SleepHistogram
	// 6 I/O-wait sleeps (<10ms), 2 moderate, 2 idle (>100ms).
	for i := 0; i < 4; i++ {
		h.Record(500_000)
	}
	for i := 0; i < 2; i++ {
		h.Record(8_000_000)
	}
	for i := 0; i < 2; i++ {
		h.Record(50_000_000)
	}
	for i := 0; i < 2; i++ {
		h.Record(5_000_000_000)
	}

	io, idle := h.DrainShares()
	assert.Equal(t, uint64(60), io)
	assert.Equal(t, uint64(20), idle)

	// Drained.
	io, idle = h.DrainShares()
	assert.Zero(t, io)
	assert.Zero(t, idle)
}
