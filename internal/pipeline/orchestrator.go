package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/scenecast/internal/backend"
	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/promptcache"
	"github.com/ent0n29/scenecast/internal/protocol"
	"github.com/ent0n29/scenecast/internal/segment"
	"github.com/ent0n29/scenecast/internal/session"
)

type Config struct {
	Image                     ImageConfig
	VideoPromptFallbackLength int
	Poll                      backend.PollConfig
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Backends  backend.Set
	Cache     promptcache.Store
	Mixer     Mixer
	Sessions  *session.Manager
	ImagePool Pool
	VideoPool Pool
	Logger    *log.Logger
	Metrics   *observability.Metrics
}

// Orchestrator drives generation sessions: it routes each client request and
// fans the slow work out to background tasks.
type Orchestrator struct {
	speech    *SpeechRunner
	image     *ImageRunner
	video     *VideoRunner
	sessions  *session.Manager
	imagePool Pool
	videoPool Pool
	logger    *log.Logger
	metrics   *observability.Metrics
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	poller := backend.NewPoller(deps.Backends.Video, cfg.Poll, logger.WithPrefix("video"), deps.Metrics)
	speech := NewSpeechRunner(deps.Backends.Speech, deps.Mixer, logger.WithPrefix("speech"))
	image := NewImageRunner(cfg.Image, deps.Backends.Simplifier, deps.Backends.Image, deps.Cache, logger.WithPrefix("image"))
	video := NewVideoRunner(deps.Backends.Simplifier, deps.Backends.Video, poller, cfg.VideoPromptFallbackLength, logger.WithPrefix("video"))
	speech.metrics, image.metrics, video.metrics = deps.Metrics, deps.Metrics, deps.Metrics
	return &Orchestrator{
		speech:    speech,
		image:     image,
		video:     video,
		sessions:  deps.Sessions,
		imagePool: deps.ImagePool,
		videoPool: deps.VideoPool,
		logger:    logger,
		metrics:   deps.Metrics,
	}
}

// RunConnection serves one connection until inbound closes or ctx is done. On
// return the session's background tasks have been cancelled and have exited.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan []byte, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	logger := o.logger.With("session_id", s.ID)
	group := newTaskGroup(ctx, logger, o.metrics)
	out := newOutbox(ctx, outbound, o.metrics, func() {
		if o.sessions != nil {
			_ = o.sessions.Touch(s.ID)
		}
	})
	defer func() {
		cancel()
		group.Wait()
		logger.Debug("session tasks drained")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			o.handleFrame(ctx, s, logger, group, out, raw)
		}
	}
}

func (o *Orchestrator) handleFrame(ctx context.Context, s *session.Session, logger *log.Logger, group *taskGroup, out *Outbox, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("request handler panic", "panic", r, "stack", string(debug.Stack()))
			o.metrics.ObserveSessionEvent("handler_panic")
			out.Send(protocol.NewError(fmt.Sprintf("处理错误: %v", r)))
		}
	}()

	req, err := protocol.ParseRequest(raw)
	switch {
	case errors.Is(err, protocol.ErrInvalidJSON):
		out.Send(protocol.NewError("无效的JSON格式"))
		return
	case errors.Is(err, protocol.ErrUnsupportedAction):
		out.Send(protocol.NewTaggedError(fmt.Sprintf("不支持的操作: %s", req.Action), req.ParagraphNumber, req.SequenceNumber))
		return
	case err != nil:
		out.Send(protocol.NewError(fmt.Sprintf("处理错误: %v", err)))
		return
	}

	if o.sessions != nil {
		_ = o.sessions.RecordRequest(s.ID, string(req.Action))
	}

	if req.Action == protocol.ActionPing {
		out.Send(protocol.NewPong())
		return
	}
	if req.Action != protocol.ActionVideo && strings.TrimSpace(req.Text) == "" {
		out.Send(protocol.NewTaggedError("文本内容不能为空", req.ParagraphNumber, req.SequenceNumber))
		return
	}

	switch req.Action {
	case protocol.ActionTTS:
		o.handleTTS(ctx, logger, group, out, req)
	case protocol.ActionVideo:
		o.handleVideo(logger, group, out, req)
	}
	out.Send(protocol.NewComplete())
}

func (o *Orchestrator) handleTTS(ctx context.Context, logger *log.Logger, group *taskGroup, out *Outbox, req protocol.Request) {
	logger.Info("tts request", "paragraph", paragraphLabel(req.ParagraphNumber), "sentences", segment.Count(req.Text))
	out.Send(protocol.NewStatus("开始处理TTS和图片生成...", req.Text, req.ParagraphNumber, req.SequenceNumber))

	group.Go("image", o.imagePool, func(taskCtx context.Context) {
		o.image.Run(taskCtx, out, req)
	}, func(err error) {
		out.Send(protocol.NewTaggedError(fmt.Sprintf("图片生成失败: %v", err), req.ParagraphNumber, 0))
	})

	o.speech.Run(ctx, out, req)
}

func (o *Orchestrator) handleVideo(logger *log.Logger, group *taskGroup, out *Outbox, req protocol.Request) {
	if strings.TrimSpace(req.ImageBase64) == "" {
		out.Send(protocol.NewTaggedError("图片数据不能为空", req.ParagraphNumber, req.SequenceNumber))
		return
	}
	logger.Info("video request", "paragraph", paragraphLabel(req.ParagraphNumber), "sequence", req.SequenceNumber, "image_b64_len", len(req.ImageBase64))
	out.Send(protocol.NewStatus("开始生成视频...", "", req.ParagraphNumber, req.SequenceNumber))

	group.Go("video", o.videoPool, func(taskCtx context.Context) {
		o.video.Run(taskCtx, out, req)
	}, func(err error) {
		out.Send(protocol.NewTaggedError(fmt.Sprintf("视频生成失败: %v", err), req.ParagraphNumber, req.SequenceNumber))
	})
}
