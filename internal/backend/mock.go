package backend

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/scenecast/internal/audio"
	"github.com/ent0n29/scenecast/internal/segment"
)

// MockSpeech returns a short silent WAV whose length grows with the text.
type MockSpeech struct{}

func (MockSpeech) Synthesize(ctx context.Context, text string) (SpeechResult, error) {
	if err := ctx.Err(); err != nil {
		return SpeechResult{}, err
	}
	d := time.Duration(utf8.RuneCountInString(text)) * 20 * time.Millisecond
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	wav := audio.SilenceWAV(d, 16000)
	return SpeechResult{AudioBase64: base64.StdEncoding.EncodeToString(wav), Encoding: "wav"}, nil
}

// MockSimplifier derives keywords from the text itself; it never finds scenes or characters.
type MockSimplifier struct {
	MaxKeywords int
}

func (m MockSimplifier) Simplify(ctx context.Context, text string) (Simplification, error) {
	if err := ctx.Err(); err != nil {
		return Simplification{}, err
	}
	n := m.MaxKeywords
	if n <= 0 {
		n = 120
	}
	return Simplification{Keywords: segment.Truncate(strings.TrimSpace(text), n)}, nil
}

// MockImage returns deterministic placeholder payloads keyed by the prompt.
type MockImage struct{}

func (MockImage) Generate(ctx context.Context, req ImageRequest) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := req.Count
	if n <= 0 {
		n = 1
	}
	sum := sha1.Sum([]byte(req.Prompt))
	out := make([]string, n)
	for i := range out {
		out[i] = base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("mock-image-%d-%s", i, hex.EncodeToString(sum[:6]))))
	}
	return out, nil
}

// MockVideo completes each job after a fixed number of status checks.
type MockVideo struct {
	// ChecksUntilDone is how many Processing responses precede Completed.
	ChecksUntilDone int

	mu   sync.Mutex
	seq  int
	jobs map[string]int
}

func NewMockVideo(checksUntilDone int) *MockVideo {
	return &MockVideo{ChecksUntilDone: checksUntilDone, jobs: make(map[string]int)}
}

func (m *MockVideo) Submit(ctx context.Context, req VideoRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.ImageBase64) == "" {
		return "", fmt.Errorf("mock video: image is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("mock-video-%d", m.seq)
	m.jobs[id] = 0
	return id, nil
}

func (m *MockVideo) Status(ctx context.Context, jobID string) (VideoJob, error) {
	if err := ctx.Err(); err != nil {
		return VideoJob{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	checks, ok := m.jobs[jobID]
	if !ok {
		return VideoJob{}, &HTTPError{Backend: "video", StatusCode: 404, Body: "job not found"}
	}
	m.jobs[jobID] = checks + 1
	if checks < m.ChecksUntilDone {
		return VideoJob{ID: jobID, Status: VideoProcessing}, nil
	}
	return VideoJob{ID: jobID, Status: VideoCompleted, URLs: []string{"https://mock.invalid/videos/" + jobID + ".mp4"}}, nil
}

// NewMockSet builds network-free backends for local development and tests.
func NewMockSet(maxKeywords int) Set {
	return Set{
		Provider:   "mock",
		Speech:     MockSpeech{},
		Simplifier: MockSimplifier{MaxKeywords: maxKeywords},
		Image:      MockImage{},
		Video:      NewMockVideo(2),
	}
}
