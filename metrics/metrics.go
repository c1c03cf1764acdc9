// Package metrics provides the rolling estimators used for per-stream
// observability.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultFPSWindow is the trailing window used for FPS estimation.
	DefaultFPSWindow = time.Second

	// DefaultLatencySamples is the moving-average size for latency tracking.
	DefaultLatencySamples = 100
)

// FPSCounter estimates frames per second over a trailing time window.
type FPSCounter struct {
	mu     sync.Mutex
	window time.Duration
	ticks  []time.Time
}

// NewFPSCounter creates a counter; window <= 0 selects DefaultFPSWindow.
func NewFPSCounter(window time.Duration) *FPSCounter {
	if window <= 0 {
		window = DefaultFPSWindow
	}
	return &FPSCounter{window: window}
}

// Tick records a frame at the current time.
func (c *FPSCounter) Tick() {
	c.TickAt(time.Now())
}

// TickAt records a frame at t.
func (c *FPSCounter) TickAt(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ticks = append(c.ticks, t)
	c.trim(t)
}

// FPS returns the estimate over the window ending at the newest tick.
func (c *FPSCounter) FPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rate()
}

// FPSAt returns the estimate over the window ending at now, so a stalled
// stream decays to zero.
func (c *FPSCounter) FPSAt(now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trim(now)
	return c.rate()
}

// Reset drops every recorded tick.
func (c *FPSCounter) Reset() {
	c.mu.Lock()
	c.ticks = nil
	c.mu.Unlock()
}

// rate counts intervals, not ticks: n ticks span n-1 frame periods.
func (c *FPSCounter) rate() float64 {
	n := len(c.ticks)
	if n < 2 {
		return 0
	}
	span := c.ticks[n-1].Sub(c.ticks[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

func (c *FPSCounter) trim(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.ticks) && !c.ticks[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.ticks = append(c.ticks[:0], c.ticks[i:]...)
	}
}

// LatencyTracker keeps a moving average over the most recent samples.
type LatencyTracker struct {
	mu      sync.Mutex
	size    int
	samples []float64
	next    int
	total   uint64
}

// NewLatencyTracker creates a tracker; size <= 0 selects
// DefaultLatencySamples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = DefaultLatencySamples
	}
	return &LatencyTracker{size: size, samples: make([]float64, 0, size)}
}

// Observe records the duration as a millisecond sample.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.Add(float64(d) / float64(time.Millisecond))
}

// Add records a sample in milliseconds, evicting the oldest once full.
func (l *LatencyTracker) Add(ms float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	if len(l.samples) < l.size {
		l.samples = append(l.samples, ms)
		return
	}
	l.samples[l.next] = ms
	l.next = (l.next + 1) % l.size
}

// Average returns the mean of the retained samples, 0 when empty.
func (l *LatencyTracker) Average() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range l.samples {
		sum += s
	}
	return sum / float64(len(l.samples))
}

// P95 returns the 95th percentile of the retained samples.
func (l *LatencyTracker) P95() float64 {
	l.mu.Lock()
	sorted := append([]float64(nil), l.samples...)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Count returns the number of samples ever recorded.
func (l *LatencyTracker) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
