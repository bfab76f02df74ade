package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/scenecast/internal/logging"
)

func speechFixture() string {
	return base64.StdEncoding.EncodeToString(SilenceWAV(100*time.Millisecond, 16000))
}

func writeBackground(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bg.mp3")
	if err := os.WriteFile(path, []byte("ID3 fake music"), 0o600); err != nil {
		t.Fatalf("write background: %v", err)
	}
	return path
}

// fakeFFmpeg answers -version and writes a fixed payload to the last argument otherwise.
func fakeFFmpeg(calls *[][]string, payload []byte) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, append([]string{name}, args...))
		if len(args) == 1 && args[0] == "-version" {
			return []byte("ffmpeg version 6.1"), nil
		}
		return nil, os.WriteFile(args[len(args)-1], payload, 0o600)
	}
}

func TestMixMissingAssetReturnsInputUnchanged(t *testing.T) {
	var calls [][]string
	m := NewMixer(MixerConfig{BackgroundPath: filepath.Join(t.TempDir(), "absent.mp3")}, logging.Discard(), nil).
		WithRunner(fakeFFmpeg(&calls, []byte("mixed")))

	in := speechFixture()
	got, mixed := m.Mix(context.Background(), in, "wav")
	if mixed {
		t.Fatalf("Mix() mixed = true with missing asset")
	}
	if got != in {
		t.Fatalf("Mix() changed audio without a background track")
	}
	if len(calls) != 0 {
		t.Fatalf("ffmpeg invoked %d times, want 0", len(calls))
	}
}

func TestMixDirectoryAssetIsSkipped(t *testing.T) {
	var calls [][]string
	m := NewMixer(MixerConfig{BackgroundPath: t.TempDir()}, logging.Discard(), nil).
		WithRunner(fakeFFmpeg(&calls, []byte("mixed")))

	in := speechFixture()
	if got, mixed := m.Mix(context.Background(), in, "mp3"); mixed || got != in {
		t.Fatalf("Mix() on directory asset = (%d bytes, %v), want passthrough", len(got), mixed)
	}
	if len(calls) != 0 {
		t.Fatalf("ffmpeg invoked for directory asset")
	}
}

func TestMixUnavailableFFmpegIsSkipped(t *testing.T) {
	m := NewMixer(MixerConfig{BackgroundPath: writeBackground(t)}, logging.Discard(), nil).
		WithRunner(func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
		})

	in := speechFixture()
	if got, mixed := m.Mix(context.Background(), in, "mp3"); mixed || got != in {
		t.Fatalf("Mix() without ffmpeg should pass audio through")
	}
}

func TestMixFailedRunIsSkipped(t *testing.T) {
	m := NewMixer(MixerConfig{BackgroundPath: writeBackground(t)}, logging.Discard(), nil).
		WithRunner(func(_ context.Context, _ string, args ...string) ([]byte, error) {
			if len(args) == 1 {
				return nil, nil
			}
			return []byte("Invalid data found when processing input"), errors.New("exit status 1")
		})

	in := speechFixture()
	if got, mixed := m.Mix(context.Background(), in, "mp3"); mixed || got != in {
		t.Fatalf("Mix() after ffmpeg failure should pass audio through")
	}
}

func TestMixSuccessUsesFilterAndGains(t *testing.T) {
	var calls [][]string
	bg := writeBackground(t)
	m := NewMixer(MixerConfig{BackgroundPath: bg, SpeechGain: 1.0, MusicGain: 0.3}, logging.Discard(), nil).
		WithRunner(fakeFFmpeg(&calls, []byte("mixed-audio")))

	got, mixed := m.Mix(context.Background(), speechFixture(), "mp3")
	if !mixed {
		t.Fatalf("Mix() mixed = false, want true")
	}
	if got != base64.StdEncoding.EncodeToString([]byte("mixed-audio")) {
		t.Fatalf("Mix() returned %q", got)
	}
	if len(calls) != 2 {
		t.Fatalf("ffmpeg calls = %d, want 2 (version + mix)", len(calls))
	}
	args := calls[1]
	want := "[0:a]volume=1.0[a1];[1:a]volume=0.3[a2];[a1][a2]amix=inputs=2:duration=longest"
	found := false
	for i, a := range args {
		if a == "-filter_complex" && i+1 < len(args) && args[i+1] == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("mix args = %v, missing filter %q", args, want)
	}
	if args[4] != bg {
		t.Fatalf("second input = %q, want %q", args[4], bg)
	}
	if filepath.Ext(args[len(args)-1]) != ".mp3" {
		t.Fatalf("output %q should keep the mp3 extension", args[len(args)-1])
	}
}

func TestMixInvalidBase64IsSkipped(t *testing.T) {
	var calls [][]string
	m := NewMixer(MixerConfig{BackgroundPath: writeBackground(t)}, logging.Discard(), nil).
		WithRunner(fakeFFmpeg(&calls, []byte("mixed")))

	if got, mixed := m.Mix(context.Background(), "!!not-base64!!", "mp3"); mixed || got != "!!not-base64!!" {
		t.Fatalf("Mix() with invalid input should pass through")
	}
}
