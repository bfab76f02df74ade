package backend

import "context"

// Speech synthesizes one sentence and returns base64 audio in the configured encoding.
type Speech interface {
	Synthesize(ctx context.Context, text string) (SpeechResult, error)
}

type SpeechResult struct {
	AudioBase64 string
	Encoding    string
}

// Simplification is the language model's condensed view of a passage.
type Simplification struct {
	Keywords      string `json:"keywords"`
	Scene         string `json:"scene"`
	SceneSummary  string `json:"scene_summary"`
	Character     string `json:"character"`
	CharacterInfo string `json:"character_info"`
}

type Simplifier interface {
	Simplify(ctx context.Context, text string) (Simplification, error)
}

type ImageRequest struct {
	Prompt string
	Count  int
}

// ImageGenerator returns base64-encoded candidate images.
type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) ([]string, error)
}

type VideoStatus string

const (
	VideoProcessing VideoStatus = "Processing"
	VideoCompleted  VideoStatus = "Completed"
	VideoFailed     VideoStatus = "Failed"
)

type VideoRequest struct {
	Prompt      string
	ImageBase64 string
	MimeType    string
}

// VideoJob is the latest known state of a submitted video generation.
type VideoJob struct {
	ID      string
	Status  VideoStatus
	Message string
	URLs    []string
}

type VideoGenerator interface {
	Submit(ctx context.Context, req VideoRequest) (string, error)
	Status(ctx context.Context, jobID string) (VideoJob, error)
}

// Set is the group of backends one process uses.
type Set struct {
	Provider   string
	Speech     Speech
	Simplifier Simplifier
	Image      ImageGenerator
	Video      VideoGenerator
}
