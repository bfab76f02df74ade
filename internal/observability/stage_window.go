package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Request stages tracked in the latency window.
const (
	StageFirstAudio  = "request_to_first_audio"
	StageSpeechDone  = "request_to_speech_done"
	StageImage       = "request_to_image"
	StageVideo       = "request_to_video"
	StageVideoSubmit = "video_submit"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Failures    map[string]int `json:"failures,omitempty"`
}

// stageWindow keeps the most recent samples per stage in fixed-size rings.
type stageWindow struct {
	mu       sync.Mutex
	size     int
	rings    map[string]*ring
	failures map[string]int
}

type ring struct {
	values []float64
	next   int
	full   bool
	last   float64
}

func (r *ring) push(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) samples() []float64 {
	n := r.next
	if r.full {
		n = len(r.values)
	}
	return slices.Clone(r.values[:n])
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{size: size, rings: make(map[string]*ring), failures: make(map[string]int)}
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(float64(d.Microseconds()) / 1000)
}

func (w *stageWindow) fail(kind string) {
	if kind == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[kind]++
}

func (w *stageWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size, Stages: []StageStats{}}
	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		r := w.rings[name]
		samples := r.samples()
		if len(samples) == 0 {
			continue
		}
		slices.Sort(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       name,
			Samples:     len(samples),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			MaxMS:       round2(samples[len(samples)-1]),
			TargetP95MS: stageTargetP95MS(name),
		})
	}
	if len(w.failures) > 0 {
		snap.Failures = make(map[string]int, len(w.failures))
		for k, v := range w.failures {
			snap.Failures[k] = v
		}
	}
	return snap
}

// quantile interpolates linearly between the two nearest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	q = math.Min(math.Max(q, 0), 1)
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageFirstAudio:
		return 2000
	case StageImage:
		return 30000
	case StageVideo:
		return 180000
	default:
		return 0
	}
}
