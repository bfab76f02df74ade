package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/scenecast/internal/backend"
	"github.com/ent0n29/scenecast/internal/logging"
	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/promptcache"
	"github.com/ent0n29/scenecast/internal/reliability"
	"github.com/ent0n29/scenecast/internal/session"
)

type fakeSpeech struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[string]error
	panicOn string
}

func (f *fakeSpeech) Synthesize(_ context.Context, text string) (backend.SpeechResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if text == f.panicOn {
		panic("synth exploded")
	}
	if err := f.failOn[text]; err != nil {
		return backend.SpeechResult{}, err
	}
	return backend.SpeechResult{AudioBase64: "audio:" + text, Encoding: "mp3"}, nil
}

type fakeMixer struct {
	mu    sync.Mutex
	calls []string
}

func (m *fakeMixer) Mix(_ context.Context, speech, _ string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, speech)
	return "mixed:" + speech, true
}

type fakeSimplifier struct {
	mu      sync.Mutex
	inputs  []string
	results []backend.Simplification
	err     error
}

func (f *fakeSimplifier) Simplify(_ context.Context, text string) (backend.Simplification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	if f.err != nil {
		return backend.Simplification{}, f.err
	}
	if len(f.results) == 0 {
		return backend.Simplification{Keywords: "kw"}, nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r, nil
}

type fakeImage struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (f *fakeImage) Generate(_ context.Context, req backend.ImageRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]string, req.Count)
	for i := range out {
		out[i] = fmt.Sprintf("img%d", i)
	}
	return out, nil
}

type fakeVideo struct {
	mu      sync.Mutex
	prompts []string
	script  []backend.VideoJob
	checks  int
}

func (f *fakeVideo) Submit(_ context.Context, req backend.VideoRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	return "job-1", nil
}

func (f *fakeVideo) Status(_ context.Context, id string) (backend.VideoJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.checks
	f.checks++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	job := f.script[i]
	job.ID = id
	return job, nil
}

type harness struct {
	speech     *fakeSpeech
	mixer      *fakeMixer
	simplifier *fakeSimplifier
	image      *fakeImage
	video      *fakeVideo
	cache      *promptcache.InMemoryStore
	sessions   *session.Manager
	metrics    *observability.Metrics
	orch       *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		speech:     &fakeSpeech{failOn: map[string]error{}},
		mixer:      &fakeMixer{},
		simplifier: &fakeSimplifier{},
		image:      &fakeImage{},
		video: &fakeVideo{script: []backend.VideoJob{
			{Status: backend.VideoProcessing},
			{Status: backend.VideoProcessing},
			{Status: backend.VideoCompleted, URLs: []string{"https://cdn/v1.mp4", "https://cdn/v2.mp4"}},
		}},
		cache:    promptcache.NewInMemoryStore(),
		sessions: session.NewManager(time.Minute),
	}
	h.build(nil, nil)
	return h
}

func (h *harness) build(imagePool, videoPool Pool) {
	h.orch = NewOrchestrator(Config{
		Image:                     ImageConfig{Count: 3, StylePrefix: "动漫风格", PromptMaxLength: 200},
		VideoPromptFallbackLength: 200,
		Poll: backend.PollConfig{
			Backoff:     reliability.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 1.2},
			MaxAttempts: 10,
		},
	}, Deps{
		Backends: backend.Set{
			Provider:   "fake",
			Speech:     h.speech,
			Simplifier: h.simplifier,
			Image:      h.image,
			Video:      h.video,
		},
		Cache:     h.cache,
		Mixer:     h.mixer,
		Sessions:  h.sessions,
		ImagePool: imagePool,
		VideoPool: videoPool,
		Logger:    logging.Discard(),
		Metrics:   h.metrics,
	})
}

// run feeds frames to one connection, reads until until reports the exchange
// is finished, then disconnects and returns everything written.
func (h *harness) run(t *testing.T, until func([]any) bool, frames ...string) []any {
	t.Helper()
	s := h.sessions.Create("test")
	inbound := make(chan []byte, len(frames))
	outbound := make(chan any, 512)
	for _, f := range frames {
		inbound <- []byte(f)
	}

	done := make(chan error, 1)
	go func() { done <- h.orch.RunConnection(context.Background(), s, inbound, outbound) }()

	var msgs []any
	timeout := time.After(5 * time.Second)
	for !until(msgs) {
		select {
		case m := <-outbound:
			msgs = append(msgs, m)
		case <-timeout:
			t.Fatalf("timed out waiting for messages, got %d", len(msgs))
		}
	}
	close(inbound)

	for {
		select {
		case m := <-outbound:
			msgs = append(msgs, m)
		case err := <-done:
			if err != nil {
				t.Fatalf("RunConnection() error = %v", err)
			}
			for len(outbound) > 0 {
				msgs = append(msgs, <-outbound)
			}
			return msgs
		case <-timeout:
			t.Fatalf("RunConnection() did not return")
		}
	}
}

func ofType[T any](msgs []any) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func seen[T any](n int) func([]any) bool {
	return func(msgs []any) bool { return len(ofType[T](msgs)) >= n }
}

func all(conds ...func([]any) bool) func([]any) bool {
	return func(msgs []any) bool {
		for _, c := range conds {
			if !c(msgs) {
				return false
			}
		}
		return true
	}
}

func frame(t *testing.T, v map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return string(raw)
}

var errBackend = errors.New("backend unavailable")
