package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action identifies what an inbound request asks the session to do.
type Action string

const (
	ActionPing  Action = "ping"
	ActionTTS   Action = "tts"
	ActionVideo Action = "video"
)

// MessageType identifies outbound websocket payload variants.
type MessageType string

const (
	TypePong          MessageType = "pong"
	TypeStatus        MessageType = "status"
	TypeTTSResult     MessageType = "tts_result"
	TypeImageResult   MessageType = "image_result"
	TypeVideoProgress MessageType = "video_progress"
	TypeVideoResult   MessageType = "video_result"
	TypeError         MessageType = "error"
	TypeComplete      MessageType = "complete"
)

var (
	ErrInvalidJSON       = errors.New("invalid json")
	ErrUnsupportedAction = errors.New("unsupported action")
)

// Request is one parsed inbound message. ParagraphNumber is nil when the client omits it.
type Request struct {
	Action          Action `json:"action"`
	Text            string `json:"text"`
	ParagraphNumber *int   `json:"paragraph_number"`
	SequenceNumber  int    `json:"sequence_number"`
	TaskID          string `json:"task_id,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	ImageBase64     string `json:"image_base64,omitempty"`

	// ReceivedAt is stamped by ParseRequest; stage latencies are measured from it.
	ReceivedAt time.Time `json:"-"`
}

// ParseRequest decodes one client frame. A missing action means tts.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	req.ReceivedAt = time.Now()
	req.Action = Action(strings.ToLower(strings.TrimSpace(string(req.Action))))
	switch req.Action {
	case "":
		req.Action = ActionTTS
	case ActionPing, ActionTTS, ActionVideo:
	default:
		return req, fmt.Errorf("%w: %q", ErrUnsupportedAction, req.Action)
	}
	return req, nil
}

type Pong struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Status struct {
	Type            MessageType `json:"type"`
	Message         string      `json:"message"`
	Text            string      `json:"text,omitempty"`
	ParagraphNumber *int        `json:"paragraph_number,omitempty"`
	SequenceNumber  *int        `json:"sequence_number,omitempty"`
}

// SpeechAudio is the payload of a tts_result.
type SpeechAudio struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"`
	Mixed    bool   `json:"mixed"`
}

type TTSResult struct {
	Type            MessageType `json:"type"`
	Data            SpeechAudio `json:"data"`
	Text            string      `json:"text"`
	ParagraphNumber *int        `json:"paragraph_number"`
	SequenceNumber  int         `json:"sequence_number"`
	SentenceIndex   int         `json:"sentence_index"`
	TotalSentences  int         `json:"total_sentences"`
}

type Image struct {
	B64JSON string `json:"b64_json"`
}

// ImageSet is the payload of an image_result.
type ImageSet struct {
	Data   []Image `json:"data"`
	Prompt string  `json:"prompt,omitempty"`
}

type ImageResult struct {
	Type            MessageType `json:"type"`
	Data            ImageSet    `json:"data"`
	Text            string      `json:"text"`
	ParagraphNumber *int        `json:"paragraph_number"`
	SequenceNumber  int         `json:"sequence_number"`
}

type VideoProgress struct {
	Type            MessageType `json:"type"`
	Message         string      `json:"message"`
	Progress        int         `json:"progress"`
	ParagraphNumber *int        `json:"paragraph_number"`
	SequenceNumber  int         `json:"sequence_number"`
}

type VideoResult struct {
	Type            MessageType `json:"type"`
	VideoURL        string      `json:"video_url"`
	ParagraphNumber *int        `json:"paragraph_number"`
	SequenceNumber  int         `json:"sequence_number"`
}

type Error struct {
	Type            MessageType `json:"type"`
	Message         string      `json:"message"`
	ParagraphNumber *int        `json:"paragraph_number,omitempty"`
	SequenceNumber  *int        `json:"sequence_number,omitempty"`
}

type Complete struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewPong() Pong {
	return Pong{Type: TypePong, Message: "心跳响应"}
}

func NewStatus(message, text string, paragraph *int, sequence int) Status {
	return Status{Type: TypeStatus, Message: message, Text: text, ParagraphNumber: paragraph, SequenceNumber: &sequence}
}

func NewTTSResult(audio SpeechAudio, text string, paragraph *int, index, total int) TTSResult {
	return TTSResult{
		Type:            TypeTTSResult,
		Data:            audio,
		Text:            text,
		ParagraphNumber: paragraph,
		SequenceNumber:  index,
		SentenceIndex:   index + 1,
		TotalSentences:  total,
	}
}

// NewImageResult builds a paragraph-level image result; images never carry a sentence index.
func NewImageResult(images ImageSet, text string, paragraph *int) ImageResult {
	return ImageResult{Type: TypeImageResult, Data: images, Text: text, ParagraphNumber: paragraph, SequenceNumber: 0}
}

func NewVideoProgress(progress int, paragraph *int, sequence int) VideoProgress {
	return VideoProgress{
		Type:            TypeVideoProgress,
		Message:         fmt.Sprintf("视频生成中... %d%%", progress),
		Progress:        progress,
		ParagraphNumber: paragraph,
		SequenceNumber:  sequence,
	}
}

func NewVideoResult(url string, paragraph *int, sequence int) VideoResult {
	return VideoResult{Type: TypeVideoResult, VideoURL: url, ParagraphNumber: paragraph, SequenceNumber: sequence}
}

// NewError builds an untagged error, used when the failing request could not be correlated.
func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// NewTaggedError builds an error correlated to a paragraph and sequence.
func NewTaggedError(message string, paragraph *int, sequence int) Error {
	return Error{Type: TypeError, Message: message, ParagraphNumber: paragraph, SequenceNumber: &sequence}
}

func NewComplete() Complete {
	return Complete{Type: TypeComplete, Message: "处理完成"}
}

// MessageTypeOf reports the discriminator of any outbound variant.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Pong:
		return m.Type, true
	case Status:
		return m.Type, true
	case TTSResult:
		return m.Type, true
	case ImageResult:
		return m.Type, true
	case VideoProgress:
		return m.Type, true
	case VideoResult:
		return m.Type, true
	case Error:
		return m.Type, true
	case Complete:
		return m.Type, true
	default:
		return "", false
	}
}
