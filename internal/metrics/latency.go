// Package metrics provides run counters, send latency statistics and Prometheus metrics.
package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/gateway-fm/batchload/pkg/types"
)

// SendLatencyStats tracks send latencies with bounded memory.
// Percentiles are estimated from a fixed-size reservoir (Algorithm R).
type SendLatencyStats struct {
	mu sync.RWMutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir     []float64
	reservoirSize int

	// 0-10ms, 10-50ms, 50-250ms, 250ms-1s, 1s+
	buckets      [5]int64
	bucketBounds [4]float64

	// xorshift64* state, per instance
	randState uint64
}

// DefaultReservoirSize is the number of samples kept for percentile estimation.
const DefaultReservoirSize = 10000

var bucketLabels = [5]string{"0-10ms", "10-50ms", "50-250ms", "250ms-1s", "1s+"}

// NewSendLatencyStats creates an empty tracker.
func NewSendLatencyStats() *SendLatencyStats {
	return newSendLatencyStats(DefaultReservoirSize)
}

func newSendLatencyStats(reservoirSize int) *SendLatencyStats {
	return &SendLatencyStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, reservoirSize),
		reservoirSize: reservoirSize,
		bucketBounds:  [4]float64{10, 50, 250, 1000},
		randState:     1,
	}
}

// Add records a latency sample in milliseconds. Safe for concurrent use.
func (s *SendLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	if latencyMs < s.min {
		s.min = latencyMs
	}
	if latencyMs > s.max {
		s.max = latencyMs
	}
	s.buckets[s.bucketIndex(latencyMs)]++

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
		return
	}
	// Replace with probability reservoirSize/count
	j := s.fastRand() % uint64(s.count)
	if j < uint64(s.reservoirSize) {
		s.reservoir[j] = latencyMs
	}
}

func (s *SendLatencyStats) bucketIndex(latencyMs float64) int {
	for i, bound := range s.bucketBounds {
		if latencyMs < bound {
			return i
		}
	}
	return len(s.bucketBounds)
}

func (s *SendLatencyStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// Snapshot returns the current statistics, or nil before the first sample.
func (s *SendLatencyStats) Snapshot() *types.LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	stats := &types.LatencyStats{
		Count:   int(s.count),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		P50:     percentile(sorted, 0.50),
		P90:     percentile(sorted, 0.90),
		P99:     percentile(sorted, 0.99),
		Buckets: make([]types.LatencyBucket, len(s.buckets)),
	}
	for i, n := range s.buckets {
		stats.Buckets[i] = types.LatencyBucket{Label: bucketLabels[i], Count: int(n)}
	}
	return stats
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Count returns the number of samples recorded.
func (s *SendLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
