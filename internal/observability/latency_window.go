package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stages timed by the gateway. Reconnect samples are also split by the close
// cause that triggered them.
const (
	StageTextToFirstAudio   = "text_to_first_audio"
	StageTextToTurnComplete = "text_to_turn_complete"
	StageUpstreamReconnect  = "upstream_reconnect"
)

var stageBudgets = map[string]time.Duration{
	StageTextToFirstAudio:   1200 * time.Millisecond,
	StageTextToTurnComplete: 6 * time.Second,
	StageUpstreamReconnect:  1500 * time.Millisecond,
}

type StageStats struct {
	Stage      string  `json:"stage"`
	Cause      string  `json:"cause,omitempty"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	MinMS      float64 `json:"min_ms"`
	MaxMS      float64 `json:"max_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type EventCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	MaxSamples  int          `json:"max_samples"`
	HorizonSec  float64      `json:"horizon_sec"`
	Stages      []StageStats `json:"stages"`
	Events      []EventCount `json:"events,omitempty"`
}

type stageKey struct {
	stage string
	cause string
}

type sample struct {
	at time.Time
	d  time.Duration
}

// latencyWindow keeps recent samples per stage and cause. A sample leaves the
// window once it is older than horizon or pushed out by maxSamples newer ones.
type latencyWindow struct {
	mu         sync.Mutex
	now        func() time.Time
	maxSamples int
	horizon    time.Duration
	samples    map[stageKey][]sample
	events     map[string]int
}

func newLatencyWindow(maxSamples int, horizon time.Duration) *latencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	if horizon <= 0 {
		horizon = 15 * time.Minute
	}
	return &latencyWindow{
		now:        time.Now,
		maxSamples: maxSamples,
		horizon:    horizon,
		samples:    make(map[stageKey][]sample),
		events:     make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage, cause string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	key := stageKey{stage: stage, cause: strings.TrimSpace(cause)}

	w.mu.Lock()
	defer w.mu.Unlock()
	list := append(w.samples[key], sample{at: w.now(), d: d})
	if over := len(list) - w.maxSamples; over > 0 {
		list = append(list[:0], list[over:]...)
	}
	w.samples[key] = list
}

// Count bumps a named event shown next to the latency stages.
func (w *latencyWindow) Count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[name]++
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.horizon)
	stages := make([]StageStats, 0, len(w.samples))
	for key, list := range w.samples {
		list = dropBefore(list, cutoff)
		if len(list) == 0 {
			delete(w.samples, key)
			continue
		}
		w.samples[key] = list
		stages = append(stages, summarize(key, list))
	}
	sort.Slice(stages, func(i, j int) bool {
		if stages[i].Stage != stages[j].Stage {
			return stages[i].Stage < stages[j].Stage
		}
		return stages[i].Cause < stages[j].Cause
	})

	events := make([]EventCount, 0, len(w.events))
	for name, n := range w.events {
		events = append(events, EventCount{Name: name, Count: n})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Name < events[j].Name })

	return LatencySnapshot{
		GeneratedAt: now.UTC(),
		MaxSamples:  w.maxSamples,
		HorizonSec:  w.horizon.Seconds(),
		Stages:      stages,
		Events:      events,
	}
}

// dropBefore trims samples recorded before cutoff. Samples are in arrival order.
func dropBefore(list []sample, cutoff time.Time) []sample {
	i := sort.Search(len(list), func(i int) bool { return !list[i].at.Before(cutoff) })
	return list[i:]
}

func summarize(key stageKey, list []sample) StageStats {
	sorted := make([]time.Duration, len(list))
	for i, s := range list {
		sorted[i] = s.d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	stats := StageStats{
		Stage:   key.stage,
		Cause:   key.cause,
		Samples: len(sorted),
		LastMS:  millis(list[len(list)-1].d),
		MinMS:   millis(sorted[0]),
		MaxMS:   millis(sorted[len(sorted)-1]),
		P50MS:   millis(nearestRank(sorted, 0.50)),
		P95MS:   millis(nearestRank(sorted, 0.95)),
	}
	if budget, ok := stageBudgets[key.stage]; ok {
		stats.BudgetMS = millis(budget)
		// sorted is ascending, so everything past the first sample above budget is over it.
		stats.OverBudget = len(sorted) - sort.Search(len(sorted), func(i int) bool { return sorted[i] > budget })
	}
	return stats
}

func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Microsecond)/10) / 100
}
