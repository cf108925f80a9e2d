package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

type LatencyStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []LatencyStats `json:"stages"`
	Indicators  []Indicator    `json:"indicators,omitempty"`
}

// stageTargets are the p95 budgets reported next to each stage.
var stageTargets = map[string]time.Duration{
	StageHandshake:  1500 * time.Millisecond,
	StageDisconnect: 500 * time.Millisecond,
}

// latencyWindow is a sliding window of the most recent durations per
// stage plus plain event counters.
type latencyWindow struct {
	limit int
	now   func() time.Time

	mu       sync.Mutex
	recent   map[string][]time.Duration
	counters map[string]int
}

func newLatencyWindow(limit int) *latencyWindow {
	if limit <= 0 {
		limit = 128
	}
	return &latencyWindow{
		limit:    limit,
		now:      time.Now,
		recent:   make(map[string][]time.Duration),
		counters: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	window := append(w.recent[stage], d)
	if over := len(window) - w.limit; over > 0 {
		window = slices.Delete(window, 0, over)
	}
	w.recent[stage] = window
}

func (w *latencyWindow) Count(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.counters[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: w.now().UTC(),
		WindowSize:  w.limit,
		Stages:      []LatencyStats{},
	}
	for _, stage := range slices.Sorted(maps.Keys(w.recent)) {
		if window := w.recent[stage]; len(window) > 0 {
			snap.Stages = append(snap.Stages, summarize(stage, window))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.counters)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.counters[name]})
	}
	return snap
}

// summarize reports window statistics in milliseconds. Percentiles use the
// nearest-rank method.
func summarize(stage string, window []time.Duration) LatencyStats {
	sorted := slices.Clone(window)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	n := len(sorted)
	return LatencyStats{
		Stage:       stage,
		Samples:     n,
		LastMS:      millis(window[n-1]),
		AvgMS:       millis(total / time.Duration(n)),
		P50MS:       millis(nearestRank(sorted, 0.50)),
		P95MS:       millis(nearestRank(sorted, 0.95)),
		MaxMS:       millis(sorted[n-1]),
		TargetP95MS: millis(stageTargets[stage]),
	}
}

func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
