package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the generation service.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"10m"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" envDefault:"scenecast"`
	AllowAnyOrigin           bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	LogLevel                 string        `env:"APP_LOG_LEVEL" envDefault:"info"`
	WSWriteTimeout           time.Duration `env:"APP_WS_WRITE_TIMEOUT" envDefault:"10s"`
	WSReadLimit              int64         `env:"APP_WS_READ_LIMIT" envDefault:"8388608"`

	BackendProvider          string        `env:"BACKEND_PROVIDER" envDefault:"auto"`
	QiniuAPIKey              string        `env:"QINIU_API_KEY"`
	QiniuBaseURL             string        `env:"QINIU_BASE_URL" envDefault:"https://openai.qiniu.com/v1"`
	QiniuVideoBaseURL        string        `env:"QINIU_VIDEO_BASE_URL" envDefault:"https://api.qnaigc.com/v1"`
	BackendTimeout           time.Duration `env:"BACKEND_TIMEOUT" envDefault:"5m"`
	BackendRequestsPerMinute int           `env:"BACKEND_REQUESTS_PER_MINUTE" envDefault:"0"`

	TTSVoiceType  string  `env:"TTS_VOICE_TYPE" envDefault:"qiniu_zh_female_wwxkjx"`
	TTSEncoding   string  `env:"TTS_ENCODING" envDefault:"mp3"`
	TTSSpeedRatio float64 `env:"TTS_SPEED_RATIO" envDefault:"1.0"`

	LLMModel          string `env:"LLM_MODEL" envDefault:"deepseek-v3"`
	KeywordsMaxLength int    `env:"LLM_KEYWORDS_MAX_LENGTH" envDefault:"120"`

	ImageModel           string `env:"IMAGE_MODEL" envDefault:"gemini-2.5-flash-image"`
	ImageSize            string `env:"IMAGE_SIZE" envDefault:"1024x1024"`
	ImageCount           int    `env:"IMAGE_COUNT" envDefault:"3"`
	ImageStylePrefix     string `env:"IMAGE_STYLE_PREFIX" envDefault:"动漫风格"`
	ImagePromptMaxLength int    `env:"IMAGE_PROMPT_MAX_LENGTH" envDefault:"200"`
	ImageWorkers         int    `env:"IMAGE_WORKERS" envDefault:"0"`

	VideoModel                string        `env:"VIDEO_MODEL" envDefault:"veo-3.1-fast-generate-preview"`
	VideoDurationSeconds      int           `env:"VIDEO_DURATION_SECONDS" envDefault:"8"`
	VideoPromptFallbackLength int           `env:"VIDEO_PROMPT_FALLBACK_LENGTH" envDefault:"200"`
	VideoPollInitial          time.Duration `env:"VIDEO_POLL_INITIAL_INTERVAL" envDefault:"1s"`
	VideoPollMax              time.Duration `env:"VIDEO_POLL_MAX_INTERVAL" envDefault:"3s"`
	VideoPollFactor           float64       `env:"VIDEO_POLL_FACTOR" envDefault:"1.2"`
	VideoPollMaxAttempts      int           `env:"VIDEO_POLL_MAX_ATTEMPTS" envDefault:"1500"`
	VideoWorkers              int           `env:"VIDEO_WORKERS" envDefault:"0"`

	AudioBackgroundPath string        `env:"AUDIO_BACKGROUND_PATH" envDefault:"assets/ht.mp3"`
	AudioFFmpegPath     string        `env:"AUDIO_FFMPEG_PATH" envDefault:"ffmpeg"`
	AudioMixTimeout     time.Duration `env:"AUDIO_MIX_TIMEOUT" envDefault:"30s"`
	AudioSpeechGain     float64       `env:"AUDIO_SPEECH_GAIN" envDefault:"1.0"`
	AudioMusicGain      float64       `env:"AUDIO_MUSIC_GAIN" envDefault:"0.3"`

	DatabaseURL string `env:"DATABASE_URL"`
}

// Load reads an optional .env file and then the process environment, applying safe defaults.
func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path; a missing file is not an error.
// Variables already present in the environment win over the file.
func LoadFile(dotenvPath string) (Config, error) {
	if strings.TrimSpace(dotenvPath) != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.QiniuAPIKey = normalizeAPIKey(cfg.QiniuAPIKey)
	cfg.BackendProvider = strings.ToLower(strings.TrimSpace(cfg.BackendProvider))
	if cfg.BackendProvider == "" {
		cfg.BackendProvider = "auto"
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.WSReadLimit <= 0 {
		return fmt.Errorf("APP_WS_READ_LIMIT must be positive")
	}
	switch c.BackendProvider {
	case "auto", "qiniu", "mock":
	default:
		return fmt.Errorf("invalid BACKEND_PROVIDER: %q (expected auto|qiniu|mock)", c.BackendProvider)
	}
	if c.BackendProvider == "qiniu" && c.QiniuAPIKey == "" {
		return fmt.Errorf("BACKEND_PROVIDER=qiniu but QINIU_API_KEY is not set")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if c.BackendRequestsPerMinute < 0 {
		return fmt.Errorf("BACKEND_REQUESTS_PER_MINUTE must be >= 0")
	}
	if c.KeywordsMaxLength <= 0 || c.ImagePromptMaxLength <= 0 || c.VideoPromptFallbackLength <= 0 {
		return fmt.Errorf("prompt length limits must be positive")
	}
	if c.ImageCount <= 0 {
		return fmt.Errorf("IMAGE_COUNT must be positive")
	}
	if c.VideoPollInitial <= 0 || c.VideoPollMax <= 0 {
		return fmt.Errorf("video poll intervals must be positive")
	}
	if c.VideoPollMax < c.VideoPollInitial {
		return fmt.Errorf("VIDEO_POLL_MAX_INTERVAL must be >= VIDEO_POLL_INITIAL_INTERVAL")
	}
	if c.VideoPollFactor < 1 {
		return fmt.Errorf("VIDEO_POLL_FACTOR must be >= 1")
	}
	if c.VideoPollMaxAttempts <= 0 {
		return fmt.Errorf("VIDEO_POLL_MAX_ATTEMPTS must be positive")
	}
	if c.AudioSpeechGain < 0 || c.AudioSpeechGain > 4 || c.AudioMusicGain < 0 || c.AudioMusicGain > 4 {
		return fmt.Errorf("audio gains must be within [0, 4]")
	}
	if c.AudioMixTimeout <= 0 {
		return fmt.Errorf("AUDIO_MIX_TIMEOUT must be positive")
	}
	return nil
}

// normalizeAPIKey accepts keys pasted with or without a "Bearer " prefix.
func normalizeAPIKey(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "Bearer ")
	return strings.TrimSpace(v)
}
