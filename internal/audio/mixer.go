package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ent0n29/scenecast/internal/observability"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// MixerConfig controls background-music mixing.
type MixerConfig struct {
	BackgroundPath string
	FFmpegPath     string
	Timeout        time.Duration
	SpeechGain     float64
	MusicGain      float64
	TempDir        string
}

// Mixer lays a background track under speech audio with ffmpeg. Every failure
// degrades to returning the speech unchanged.
type Mixer struct {
	cfg     MixerConfig
	logger  *log.Logger
	metrics *observability.Metrics
	run     Runner
}

func NewMixer(cfg MixerConfig, logger *log.Logger, metrics *observability.Metrics) *Mixer {
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Mixer{cfg: cfg, logger: logger.WithPrefix("mixer"), metrics: metrics, run: runCommand}
}

// WithRunner swaps the command runner; used to fake ffmpeg.
func (m *Mixer) WithRunner(run Runner) *Mixer {
	m.run = run
	return m
}

// FilterGraph is the ffmpeg filter that mixes input 0 (speech) with input 1 (music).
func (m *Mixer) FilterGraph() string {
	return fmt.Sprintf("[0:a]volume=%s[a1];[1:a]volume=%s[a2];[a1][a2]amix=inputs=2:duration=longest",
		formatGain(m.cfg.SpeechGain), formatGain(m.cfg.MusicGain))
}

// Mix returns the mixed audio and true, or the input unchanged and false.
func (m *Mixer) Mix(ctx context.Context, speechBase64, encoding string) (string, bool) {
	mixed, err := m.mix(ctx, speechBase64, encoding)
	if err != nil {
		var se *skipError
		if errors.As(err, &se) {
			m.metrics.ObserveAudioMix(se.outcome)
		} else {
			m.metrics.ObserveAudioMix("error")
		}
		m.logger.Warn("background mix skipped, using original speech", "err", err)
		return speechBase64, false
	}
	m.metrics.ObserveAudioMix("mixed")
	return mixed, true
}

type skipError struct {
	outcome string
	err     error
}

func (e *skipError) Error() string { return e.outcome + ": " + e.err.Error() }
func (e *skipError) Unwrap() error { return e.err }

func skip(outcome string, err error) error { return &skipError{outcome: outcome, err: err} }

func (m *Mixer) mix(ctx context.Context, speechBase64, encoding string) (string, error) {
	path := m.cfg.BackgroundPath
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", skip("asset_missing", fmt.Errorf("background track %q does not exist", path))
		}
		return "", skip("asset_unreadable", err)
	}
	if !info.Mode().IsRegular() {
		return "", skip("asset_not_file", fmt.Errorf("background track %q is not a regular file", path))
	}
	f, err := os.Open(path)
	if err != nil {
		return "", skip("asset_unreadable", err)
	}
	_ = f.Close()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if out, err := m.run(ctx, m.cfg.FFmpegPath, "-version"); err != nil {
		return "", skip("ffmpeg_unavailable", fmt.Errorf("%s -version: %w (%s)", m.cfg.FFmpegPath, err, firstLine(out)))
	}

	speech, err := base64.StdEncoding.DecodeString(speechBase64)
	if err != nil {
		return "", skip("invalid_input", fmt.Errorf("decode speech: %w", err))
	}

	dir, err := os.MkdirTemp(m.cfg.TempDir, "scenecast-mix-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := extensionFor(encoding)
	id := uuid.NewString()
	in := filepath.Join(dir, id+"-speech"+ext)
	out := filepath.Join(dir, id+"-mixed"+ext)
	if err := os.WriteFile(in, speech, 0o600); err != nil {
		return "", fmt.Errorf("write speech: %w", err)
	}

	started := time.Now()
	output, err := m.run(ctx, m.cfg.FFmpegPath,
		"-i", in,
		"-i", path,
		"-filter_complex", m.FilterGraph(),
		"-y", out,
	)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", skip("timeout", fmt.Errorf("ffmpeg timed out after %v", m.cfg.Timeout))
		}
		return "", skip("ffmpeg_failed", fmt.Errorf("ffmpeg: %w: %s", err, lastLines(output, 3)))
	}

	mixed, err := os.ReadFile(out)
	if err != nil {
		return "", fmt.Errorf("read mixed output: %w", err)
	}
	if len(mixed) == 0 {
		return "", skip("ffmpeg_failed", errors.New("ffmpeg produced empty output"))
	}
	m.logger.Debug("mixed background track",
		"speech", humanize.Bytes(uint64(len(speech))),
		"mixed", humanize.Bytes(uint64(len(mixed))),
		"took", time.Since(started).Round(time.Millisecond))
	return base64.StdEncoding.EncodeToString(mixed), nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

func extensionFor(encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "wav", "pcm":
		return ".wav"
	case "ogg", "opus":
		return ".ogg"
	case "aac":
		return ".aac"
	default:
		return ".mp3"
	}
}

func formatGain(g float64) string {
	s := strconv.FormatFloat(g, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lastLines(b []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
