package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/scenecast/internal/segment"
)

const simplifySystemPrompt = `你是一个专业的文本摘要助手。请将输入的文本段落精简为关键字描述。
要求：
1. 必须提取场景关键词（场景描述、环境、氛围等）
2. 如果包含角色，必须返回角色名称、特点、性格、外貌等详细信息
3. 输出格式为JSON: {"keywords": "关键字描述", "scene": "场景名称或类型", "scene_summary": "场景详细描述摘要", "character": "角色名称", "character_info": "角色详细信息"}
4. 如果没有明确的角色，character和character_info为空字符串
5. 如果没有明确的场景，scene和scene_summary为空字符串
6. keywords必须精简到120个字符以内
7. scene_summary和character_info需要包含足够详细的信息以保证图片风格一致性`

// QiniuConfig selects endpoints and models for the Qiniu-compatible backends.
type QiniuConfig struct {
	APIKey       string
	BaseURL      string
	VideoBaseURL string

	VoiceType  string
	Encoding   string
	SpeedRatio float64

	LLMModel          string
	KeywordsMaxLength int

	ImageModel string
	ImageSize  string

	VideoModel           string
	VideoDurationSeconds int
}

// QiniuSpeech calls the voice/tts endpoint.
type QiniuSpeech struct {
	c          *httpClient
	voiceType  string
	encoding   string
	speedRatio float64
}

func NewQiniuSpeech(cfg QiniuConfig, opts Options) *QiniuSpeech {
	encoding := strings.TrimSpace(cfg.Encoding)
	if encoding == "" {
		encoding = "mp3"
	}
	speed := cfg.SpeedRatio
	if speed <= 0 {
		speed = 1.0
	}
	return &QiniuSpeech{
		c:          newHTTPClient("speech", cfg.BaseURL, cfg.APIKey, opts),
		voiceType:  cfg.VoiceType,
		encoding:   encoding,
		speedRatio: speed,
	}
}

type ttsRequest struct {
	Audio struct {
		VoiceType  string  `json:"voice_type"`
		Encoding   string  `json:"encoding"`
		SpeedRatio float64 `json:"speed_ratio"`
	} `json:"audio"`
	Request struct {
		Text string `json:"text"`
	} `json:"request"`
}

func (s *QiniuSpeech) Synthesize(ctx context.Context, text string) (SpeechResult, error) {
	var req ttsRequest
	req.Audio.VoiceType = s.voiceType
	req.Audio.Encoding = s.encoding
	req.Audio.SpeedRatio = s.speedRatio
	req.Request.Text = text

	var resp struct {
		Data string `json:"data"`
	}
	if err := s.c.postJSON(ctx, "/voice/tts", req, &resp); err != nil {
		return SpeechResult{}, err
	}
	if resp.Data == "" {
		return SpeechResult{}, fmt.Errorf("speech: %w", ErrEmptyResponse)
	}
	return SpeechResult{AudioBase64: resp.Data, Encoding: s.encoding}, nil
}

// QiniuSimplifier asks a chat model for keywords plus scene and character descriptions.
type QiniuSimplifier struct {
	c           *httpClient
	model       string
	maxKeywords int
}

func NewQiniuSimplifier(cfg QiniuConfig, opts Options) *QiniuSimplifier {
	model := strings.TrimSpace(cfg.LLMModel)
	if model == "" {
		model = "deepseek-v3"
	}
	maxKeywords := cfg.KeywordsMaxLength
	if maxKeywords <= 0 {
		maxKeywords = 120
	}
	return &QiniuSimplifier{
		c:           newHTTPClient("llm", cfg.BaseURL, cfg.APIKey, opts),
		model:       model,
		maxKeywords: maxKeywords,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (s *QiniuSimplifier) Simplify(ctx context.Context, text string) (Simplification, error) {
	req := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: simplifySystemPrompt},
			{Role: "user", Content: text},
		},
	}
	var resp chatResponse
	if err := s.c.postJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return Simplification{}, err
	}
	content := "{}"
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return ParseSimplification(content, s.maxKeywords), nil
}

// ParseSimplification decodes model output. Content that is not the expected JSON
// object is used verbatim as keywords. Keywords are capped at maxKeywords runes.
func ParseSimplification(content string, maxKeywords int) Simplification {
	var out Simplification
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &out); err != nil {
		return Simplification{Keywords: segment.Truncate(content, maxKeywords)}
	}
	out.Keywords = segment.Truncate(out.Keywords, maxKeywords)
	return out
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// QiniuImage calls the images/generations endpoint.
type QiniuImage struct {
	c     *httpClient
	model string
	size  string
}

func NewQiniuImage(cfg QiniuConfig, opts Options) *QiniuImage {
	model := strings.TrimSpace(cfg.ImageModel)
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	size := strings.TrimSpace(cfg.ImageSize)
	if size == "" {
		size = "1024x1024"
	}
	return &QiniuImage{
		c:     newHTTPClient("image", cfg.BaseURL, cfg.APIKey, opts),
		model: model,
		size:  size,
	}
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

func (g *QiniuImage) Generate(ctx context.Context, req ImageRequest) ([]string, error) {
	n := req.Count
	if n <= 0 {
		n = 1
	}
	var resp struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := g.c.postJSON(ctx, "/images/generations", imageRequest{Model: g.model, Prompt: req.Prompt, N: n, Size: g.size}, &resp); err != nil {
		return nil, err
	}
	images := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.B64JSON != "" {
			images = append(images, d.B64JSON)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("image: %w", ErrEmptyResponse)
	}
	return images, nil
}

// QiniuVideo submits image-to-video jobs and reads their status.
type QiniuVideo struct {
	c        *httpClient
	model    string
	duration int
}

func NewQiniuVideo(cfg QiniuConfig, opts Options) *QiniuVideo {
	model := strings.TrimSpace(cfg.VideoModel)
	if model == "" {
		model = "veo-3.1-fast-generate-preview"
	}
	duration := cfg.VideoDurationSeconds
	if duration <= 0 {
		duration = 8
	}
	return &QiniuVideo{
		c:        newHTTPClient("video", cfg.VideoBaseURL, cfg.APIKey, opts),
		model:    model,
		duration: duration,
	}
}

type videoInstance struct {
	Prompt string `json:"prompt"`
	Image  struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"image"`
}

type videoRequest struct {
	Instances  []videoInstance `json:"instances"`
	Parameters struct {
		GenerateAudio   bool `json:"generateAudio"`
		DurationSeconds int  `json:"durationSeconds"`
		SampleCount     int  `json:"sampleCount"`
	} `json:"parameters"`
	Model string `json:"model"`
}

func (v *QiniuVideo) Submit(ctx context.Context, req VideoRequest) (string, error) {
	mime := req.MimeType
	if mime == "" {
		mime = "image/png"
	}
	var inst videoInstance
	inst.Prompt = req.Prompt
	inst.Image.BytesBase64Encoded = req.ImageBase64
	inst.Image.MimeType = mime

	var body videoRequest
	body.Instances = []videoInstance{inst}
	body.Parameters.GenerateAudio = true
	body.Parameters.DurationSeconds = v.duration
	body.Parameters.SampleCount = 1
	body.Model = v.model

	var resp struct {
		ID string `json:"id"`
	}
	if err := v.c.postJSON(ctx, "/videos/generations", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("video submit: %w", ErrEmptyResponse)
	}
	return resp.ID, nil
}

func (v *QiniuVideo) Status(ctx context.Context, jobID string) (VideoJob, error) {
	var resp struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Videos []struct {
				URL string `json:"url"`
			} `json:"videos"`
		} `json:"data"`
	}
	if err := v.c.getJSON(ctx, "/videos/generations/"+jobID, &resp); err != nil {
		return VideoJob{}, err
	}
	job := VideoJob{ID: jobID, Status: normalizeVideoStatus(resp.Status), Message: resp.Message}
	for _, video := range resp.Data.Videos {
		if video.URL != "" {
			job.URLs = append(job.URLs, video.URL)
		}
	}
	return job, nil
}

func normalizeVideoStatus(s string) VideoStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "succeeded", "success":
		return VideoCompleted
	case "failed", "error":
		return VideoFailed
	default:
		return VideoProcessing
	}
}

// NewQiniuSet builds every backend against the Qiniu-compatible endpoints.
func NewQiniuSet(cfg QiniuConfig, opts Options) Set {
	return Set{
		Provider:   "qiniu",
		Speech:     NewQiniuSpeech(cfg, opts),
		Simplifier: NewQiniuSimplifier(cfg, opts),
		Image:      NewQiniuImage(cfg, opts),
		Video:      NewQiniuVideo(cfg, opts),
	}
}
