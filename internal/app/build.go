package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/panjf2000/ants/v2"

	"github.com/ent0n29/scenecast/internal/audio"
	"github.com/ent0n29/scenecast/internal/backend"
	"github.com/ent0n29/scenecast/internal/config"
	"github.com/ent0n29/scenecast/internal/httpapi"
	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/pipeline"
	"github.com/ent0n29/scenecast/internal/promptcache"
	"github.com/ent0n29/scenecast/internal/reliability"
	"github.com/ent0n29/scenecast/internal/session"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *pipeline.Orchestrator
	Metrics      *observability.Metrics
	Provider     string
	CacheMode    string

	// Cleanup releases worker pools and the prompt cache connection.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	backends, err := backend.New(cfg.BackendProvider, QiniuConfig(cfg), backend.Options{
		Timeout:           cfg.BackendTimeout,
		RequestsPerMinute: cfg.BackendRequestsPerMinute,
		Logger:            logger.WithPrefix("backend"),
		Metrics:           metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("backend init failed: %w", err)
	}

	cache, err := promptcache.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("prompt cache init failed: %w", err)
	}

	var cleanups []func() error
	imagePool, err := newPool(cfg.ImageWorkers, logger)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	videoPool, err := newPool(cfg.VideoWorkers, logger)
	if err != nil {
		_ = cache.Close()
		_ = releaser(imagePool)()
		return nil, err
	}
	cleanups = append(cleanups, releaser(imagePool), releaser(videoPool), cache.Close)

	mixer := audio.NewMixer(audio.MixerConfig{
		BackgroundPath: cfg.AudioBackgroundPath,
		FFmpegPath:     cfg.AudioFFmpegPath,
		Timeout:        cfg.AudioMixTimeout,
		SpeechGain:     cfg.AudioSpeechGain,
		MusicGain:      cfg.AudioMusicGain,
	}, logger, metrics)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	orchestrator := pipeline.NewOrchestrator(pipeline.Config{
		Image: pipeline.ImageConfig{
			Count:           cfg.ImageCount,
			StylePrefix:     cfg.ImageStylePrefix,
			PromptMaxLength: cfg.ImagePromptMaxLength,
		},
		VideoPromptFallbackLength: cfg.VideoPromptFallbackLength,
		Poll:                      PollConfig(cfg),
	}, pipeline.Deps{
		Backends:  backends,
		Cache:     cache,
		Mixer:     mixer,
		Sessions:  sessions,
		ImagePool: poolOrNil(imagePool),
		VideoPool: poolOrNil(videoPool),
		Logger:    logger,
		Metrics:   metrics,
	})

	api := httpapi.New(cfg, sessions, orchestrator, metrics, httpapi.BackendInfo{
		Provider:  backends.Provider,
		CacheMode: cache.Mode(),
		CachePing: cache.Ping,
	}, logger.WithPrefix("http"))

	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionClosed("expired")
		if api.Disconnect(s.ID) {
			logger.Info("closed idle session", "session_id", s.ID)
		}
	})

	cleanup := func() error {
		var errs []error
		for _, fn := range cleanups {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Provider:     backends.Provider,
		CacheMode:    cache.Mode(),
		Cleanup:      cleanup,
	}, nil
}

// QiniuConfig maps service settings onto the backend client configuration.
func QiniuConfig(cfg config.Config) backend.QiniuConfig {
	return backend.QiniuConfig{
		APIKey:               cfg.QiniuAPIKey,
		BaseURL:              cfg.QiniuBaseURL,
		VideoBaseURL:         cfg.QiniuVideoBaseURL,
		VoiceType:            cfg.TTSVoiceType,
		Encoding:             cfg.TTSEncoding,
		SpeedRatio:           cfg.TTSSpeedRatio,
		LLMModel:             cfg.LLMModel,
		KeywordsMaxLength:    cfg.KeywordsMaxLength,
		ImageModel:           cfg.ImageModel,
		ImageSize:            cfg.ImageSize,
		VideoModel:           cfg.VideoModel,
		VideoDurationSeconds: cfg.VideoDurationSeconds,
	}
}

func PollConfig(cfg config.Config) backend.PollConfig {
	return backend.PollConfig{
		Backoff: reliability.Backoff{
			Initial: cfg.VideoPollInitial,
			Max:     cfg.VideoPollMax,
			Factor:  cfg.VideoPollFactor,
		},
		MaxAttempts: cfg.VideoPollMaxAttempts,
	}
}

// newPool returns nil when size <= 0; tasks then run on plain goroutines.
func newPool(size int, logger *log.Logger) (*ants.Pool, error) {
	if size <= 0 {
		return nil, nil
	}
	return pipeline.NewWorkerPool(size, logger)
}

// poolOrNil keeps a nil *ants.Pool from becoming a non-nil interface.
func poolOrNil(p *ants.Pool) pipeline.Pool {
	if p == nil {
		return nil
	}
	return p
}

func releaser(p *ants.Pool) func() error {
	return func() error {
		if p != nil {
			p.Release()
		}
		return nil
	}
}
