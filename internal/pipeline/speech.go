package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/scenecast/internal/backend"
	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/protocol"
	"github.com/ent0n29/scenecast/internal/segment"
)

// Mixer lays background music under speech; it returns the input unchanged when it cannot.
type Mixer interface {
	Mix(ctx context.Context, speechBase64, encoding string) (string, bool)
}

// SpeechRunner narrates a paragraph sentence by sentence, in order.
type SpeechRunner struct {
	speech  backend.Speech
	mixer   Mixer
	logger  *log.Logger
	metrics *observability.Metrics
}

func NewSpeechRunner(speech backend.Speech, mixer Mixer, logger *log.Logger) *SpeechRunner {
	return &SpeechRunner{speech: speech, mixer: mixer, logger: logger}
}

// Run emits one tts_result per sentence. Only the first sentence gets background
// music. A failed sentence produces an error tagged with its index and the rest continue.
func (r *SpeechRunner) Run(ctx context.Context, out *Outbox, req protocol.Request) {
	sentences := segment.Split(req.Text)
	total := len(sentences)
	delivered := 0
	defer func() {
		if delivered > 0 {
			observeStage(r.metrics, observability.StageSpeechDone, req)
		}
	}()
	for idx, sentence := range sentences {
		if ctx.Err() != nil {
			return
		}
		res, err := r.speech.Synthesize(ctx, sentence)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.metrics.ObserveStageFailure("sentence")
			r.logger.Warn("sentence synthesis failed", "sentence", idx+1, "total", total, "err", err)
			out.Send(protocol.NewTaggedError(fmt.Sprintf("句子 %d TTS处理失败: %v", idx+1, err), req.ParagraphNumber, idx))
			continue
		}

		audio := protocol.SpeechAudio{Data: res.AudioBase64, Encoding: res.Encoding}
		if idx == 0 && r.mixer != nil {
			audio.Data, audio.Mixed = r.mixer.Mix(ctx, res.AudioBase64, res.Encoding)
		}
		if out.Send(protocol.NewTTSResult(audio, sentence, req.ParagraphNumber, idx, total)) {
			if delivered == 0 {
				observeStage(r.metrics, observability.StageFirstAudio, req)
			}
			delivered++
		}
	}
}

func observeStage(m *observability.Metrics, stage string, req protocol.Request) {
	if req.ReceivedAt.IsZero() {
		return
	}
	m.ObserveStage(stage, time.Since(req.ReceivedAt))
}
