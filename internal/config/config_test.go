package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, "auto", cfg.BackendProvider)
	assert.Equal(t, time.Second, cfg.VideoPollInitial)
	assert.Equal(t, 3*time.Second, cfg.VideoPollMax)
	assert.InDelta(t, 1.2, cfg.VideoPollFactor, 1e-9)
	assert.Equal(t, 1500, cfg.VideoPollMaxAttempts)
	assert.Equal(t, 200, cfg.ImagePromptMaxLength)
	assert.Equal(t, 3, cfg.ImageCount)
	assert.InDelta(t, 0.3, cfg.AudioMusicGain, 1e-9)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadStripsBearerPrefix(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("QINIU_API_KEY", "  Bearer sk-test ")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.QiniuAPIKey)
}

func TestLoadRejectsQiniuWithoutKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BACKEND_PROVIDER", "qiniu")

	_, err := LoadFile("")
	require.Error(t, err)
}

func TestLoadRejectsBadPollSettings(t *testing.T) {
	cases := map[string]string{
		"VIDEO_POLL_FACTOR":       "0.5",
		"VIDEO_POLL_MAX_ATTEMPTS": "0",
		"VIDEO_POLL_MAX_INTERVAL": "100ms",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			_, err := LoadFile("")
			require.Error(t, err)
		})
	}
}

func TestLoadReadsDotenvWithoutOverridingEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("APP_BIND_ADDR=:9191\nIMAGE_COUNT=2\n"), 0o600))
	t.Setenv("IMAGE_COUNT", "4")
	// godotenv only fills keys that are absent; t.Setenv's cleanup restores the original state.
	require.NoError(t, os.Unsetenv("APP_BIND_ADDR"))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.BindAddr)
	assert.Equal(t, 4, cfg.ImageCount)
}

func TestLoadMissingDotenvIsIgnored(t *testing.T) {
	setCoreEnvEmpty(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

// setCoreEnvEmpty clears every key so defaults apply; caarlos0/env treats empty as unset.
func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_WS_WRITE_TIMEOUT",
		"APP_WS_READ_LIMIT",
		"BACKEND_PROVIDER",
		"QINIU_API_KEY",
		"QINIU_BASE_URL",
		"QINIU_VIDEO_BASE_URL",
		"BACKEND_TIMEOUT",
		"BACKEND_REQUESTS_PER_MINUTE",
		"TTS_VOICE_TYPE",
		"TTS_ENCODING",
		"TTS_SPEED_RATIO",
		"LLM_MODEL",
		"LLM_KEYWORDS_MAX_LENGTH",
		"IMAGE_MODEL",
		"IMAGE_SIZE",
		"IMAGE_COUNT",
		"IMAGE_STYLE_PREFIX",
		"IMAGE_PROMPT_MAX_LENGTH",
		"IMAGE_WORKERS",
		"VIDEO_MODEL",
		"VIDEO_DURATION_SECONDS",
		"VIDEO_PROMPT_FALLBACK_LENGTH",
		"VIDEO_POLL_INITIAL_INTERVAL",
		"VIDEO_POLL_MAX_INTERVAL",
		"VIDEO_POLL_FACTOR",
		"VIDEO_POLL_MAX_ATTEMPTS",
		"VIDEO_WORKERS",
		"AUDIO_BACKGROUND_PATH",
		"AUDIO_FFMPEG_PATH",
		"AUDIO_MIX_TIMEOUT",
		"AUDIO_SPEECH_GAIN",
		"AUDIO_MUSIC_GAIN",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
