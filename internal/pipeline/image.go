package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/scenecast/internal/backend"
	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/promptcache"
	"github.com/ent0n29/scenecast/internal/protocol"
	"github.com/ent0n29/scenecast/internal/segment"
)

type ImageConfig struct {
	Count           int
	StylePrefix     string
	PromptMaxLength int
}

// ImageRunner illustrates a whole paragraph, reusing cached scene and character
// descriptions so a recurring character keeps the same look.
type ImageRunner struct {
	cfg        ImageConfig
	simplifier backend.Simplifier
	images     backend.ImageGenerator
	cache      promptcache.Store
	logger     *log.Logger
	metrics    *observability.Metrics
}

func NewImageRunner(cfg ImageConfig, simplifier backend.Simplifier, images backend.ImageGenerator, cache promptcache.Store, logger *log.Logger) *ImageRunner {
	if cfg.Count <= 0 {
		cfg.Count = 3
	}
	if cfg.PromptMaxLength <= 0 {
		cfg.PromptMaxLength = 200
	}
	return &ImageRunner{cfg: cfg, simplifier: simplifier, images: images, cache: cache, logger: logger}
}

func (r *ImageRunner) Run(ctx context.Context, out *Outbox, req protocol.Request) {
	set, err := r.Generate(ctx, req.Text)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		msg := fmt.Sprintf("图片生成失败: %v", err)
		if backend.IsTimeout(err) {
			msg = fmt.Sprintf("图片生成超时: %v", err)
		}
		r.metrics.ObserveStageFailure("image")
		r.logger.Warn("image generation failed", "paragraph", paragraphLabel(req.ParagraphNumber), "err", err)
		out.Send(protocol.NewTaggedError(msg, req.ParagraphNumber, 0))
		return
	}
	if out.Send(protocol.NewImageResult(set, req.Text, req.ParagraphNumber)) {
		observeStage(r.metrics, observability.StageImage, req)
	}
}

// Generate builds the prompt for text and requests the candidate images.
func (r *ImageRunner) Generate(ctx context.Context, text string) (protocol.ImageSet, error) {
	prompt, err := r.BuildPrompt(ctx, text)
	if err != nil {
		return protocol.ImageSet{}, err
	}
	if r.cfg.StylePrefix != "" {
		prompt = r.cfg.StylePrefix + ", " + prompt
	}
	images, err := r.images.Generate(ctx, backend.ImageRequest{Prompt: prompt, Count: r.cfg.Count})
	if err != nil {
		return protocol.ImageSet{}, err
	}
	set := protocol.ImageSet{Data: make([]protocol.Image, 0, len(images)), Prompt: prompt}
	for _, img := range images {
		set.Data = append(set.Data, protocol.Image{B64JSON: img})
	}
	return set, nil
}

// BuildPrompt joins the scene description, the character description and the
// keywords, preferring cached descriptions, and caps the result in runes.
func (r *ImageRunner) BuildPrompt(ctx context.Context, text string) (string, error) {
	simp, err := r.simplifier.Simplify(ctx, text)
	if err != nil {
		return "", fmt.Errorf("simplify: %w", err)
	}

	if simp.Scene != "" && simp.SceneSummary != "" {
		r.remember(ctx, promptcache.KindScene, simp.Scene, simp.SceneSummary)
	}
	if simp.Character != "" && simp.CharacterInfo != "" {
		r.remember(ctx, promptcache.KindCharacter, simp.Character, simp.CharacterInfo)
	}

	var parts []string
	if desc := r.describe(ctx, promptcache.KindScene, simp.Scene, simp.SceneSummary); desc != "" {
		parts = append(parts, desc)
	}
	if desc := r.describe(ctx, promptcache.KindCharacter, simp.Character, simp.CharacterInfo); desc != "" {
		parts = append(parts, desc)
	}
	if simp.Keywords != "" {
		parts = append(parts, simp.Keywords)
	}
	return segment.Truncate(strings.Join(parts, ", "), r.cfg.PromptMaxLength), nil
}

func (r *ImageRunner) remember(ctx context.Context, kind promptcache.Kind, label, summary string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(ctx, kind, label, summary); err != nil {
		r.logger.Warn("prompt cache write failed", "kind", kind, "label", label, "err", err)
	}
}

func (r *ImageRunner) describe(ctx context.Context, kind promptcache.Kind, label, fresh string) string {
	if label != "" && r.cache != nil {
		cached, ok, err := r.cache.Get(ctx, kind, label)
		if err != nil {
			r.logger.Warn("prompt cache read failed", "kind", kind, "label", label, "err", err)
		} else if ok {
			return cached
		}
	}
	return fresh
}

func paragraphLabel(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprint(*p)
}
