package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/scenecast/internal/backend"
	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/protocol"
	"github.com/ent0n29/scenecast/internal/segment"
)

// VideoRunner animates one shot: simplify, submit, then poll until the job ends.
type VideoRunner struct {
	simplifier     backend.Simplifier
	video          backend.VideoGenerator
	poller         *backend.Poller
	fallbackLength int
	logger         *log.Logger
	metrics        *observability.Metrics
}

func NewVideoRunner(simplifier backend.Simplifier, video backend.VideoGenerator, poller *backend.Poller, fallbackLength int, logger *log.Logger) *VideoRunner {
	if fallbackLength <= 0 {
		fallbackLength = 200
	}
	return &VideoRunner{simplifier: simplifier, video: video, poller: poller, fallbackLength: fallbackLength, logger: logger}
}

func (r *VideoRunner) Run(ctx context.Context, out *Outbox, req protocol.Request) {
	para, seq := req.ParagraphNumber, req.SequenceNumber
	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		msg, kind := fmt.Sprintf("视频生成失败: %v", err), "video_failed"
		if errors.Is(err, backend.ErrVideoTimeout) {
			msg, kind = fmt.Sprintf("视频生成超时: %v", err), "video_timeout"
		}
		r.metrics.ObserveStageFailure(kind)
		r.logger.Warn("video generation failed", "paragraph", paragraphLabel(para), "sequence", seq, "err", err)
		out.Send(protocol.NewTaggedError(msg, para, seq))
	}

	prompt := r.Prompt(ctx, req.Text)
	jobID, err := r.video.Submit(ctx, backend.VideoRequest{Prompt: prompt, ImageBase64: req.ImageBase64, MimeType: "image/png"})
	if err != nil {
		fail(err)
		return
	}
	observeStage(r.metrics, observability.StageVideoSubmit, req)
	r.logger.Info("video job submitted", "job_id", jobID, "paragraph", paragraphLabel(para), "sequence", seq)

	job, err := r.poller.Wait(ctx, jobID, func(attempt, maxAttempts int) {
		out.Send(protocol.NewVideoProgress(backend.ProgressPercent(attempt, maxAttempts), para, seq))
	})
	if err != nil {
		fail(err)
		return
	}
	if out.Send(protocol.NewVideoResult(job.URLs[0], para, seq)) {
		observeStage(r.metrics, observability.StageVideo, req)
	}
}

// Prompt asks the simplifier for keywords and falls back to the head of the raw text.
func (r *VideoRunner) Prompt(ctx context.Context, text string) string {
	simp, err := r.simplifier.Simplify(ctx, text)
	if err != nil {
		r.logger.Warn("video prompt simplification failed, using raw text", "err", err)
	}
	if err != nil || strings.TrimSpace(simp.Keywords) == "" {
		return segment.Truncate(text, r.fallbackLength)
	}
	return simp.Keywords
}
