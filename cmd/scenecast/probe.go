package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/scenecast/internal/protocol"
	"github.com/ent0n29/scenecast/internal/segment"
)

type probeOptions struct {
	baseURL  string
	clientID string
	texts    []string
	timeout  time.Duration
	verbose  bool
}

// paragraphTiming is what one replayed paragraph cost, measured from send.
type paragraphTiming struct {
	Paragraph  int
	Sentences  int
	Audio      int
	FirstAudio time.Duration
	Image      time.Duration
	Complete   time.Duration
	Errors     []string
}

type probeEnvelope struct {
	Type           string `json:"type"`
	Message        string `json:"message,omitempty"`
	SequenceNumber *int   `json:"sequence_number,omitempty"`
}

var defaultParagraphs = []string{
	"清晨的雾还没有散开。她推开木门，走进了安静的小镇！",
	"钟楼的影子落在石板路上。远处传来一声汽笛？",
}

func newProbeCmd() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Replay paragraphs against a running server and report latencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.texts) == 0 {
				opts.texts = defaultParagraphs
			}
			timings, err := runProbe(cmd.Context(), opts, cmd.ErrOrStderr())
			for _, t := range timings {
				printTiming(cmd.OutOrStdout(), t)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "scenecast base URL")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "probe", "client_id used for the synthetic session")
	cmd.Flags().StringArrayVar(&opts.texts, "text", nil, "paragraph to replay (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "per-paragraph timeout")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print every received message type")
	return cmd
}

func runProbe(ctx context.Context, opts probeOptions, logw io.Writer) ([]paragraphTiming, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createProbeSession(ctx, client, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endProbeSession(context.Background(), client, opts.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(opts.baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var timings []paragraphTiming
	for i, text := range opts.texts {
		t, err := probeParagraph(conn, i+1, text, opts.timeout, logw, opts.verbose)
		timings = append(timings, t)
		if err != nil {
			return timings, fmt.Errorf("paragraph %d: %w", i+1, err)
		}
		if ctx.Err() != nil {
			return timings, ctx.Err()
		}
	}
	return timings, nil
}

// probeParagraph sends one tts request and reads until the paragraph is done:
// complete has arrived and the image finished one way or the other.
func probeParagraph(conn *websocket.Conn, paragraph int, text string, timeout time.Duration, logw io.Writer, verbose bool) (paragraphTiming, error) {
	t := paragraphTiming{Paragraph: paragraph, Sentences: segment.Count(text)}
	start := time.Now()
	if err := conn.WriteJSON(map[string]any{
		"action":           protocol.ActionTTS,
		"text":             text,
		"paragraph_number": paragraph,
	}); err != nil {
		return t, fmt.Errorf("send: %w", err)
	}

	_ = conn.SetReadDeadline(start.Add(timeout))
	imageDone, completed := false, false
	for !imageDone || !completed {
		var env probeEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return t, fmt.Errorf("read: %w", err)
		}
		elapsed := time.Since(start)
		if verbose {
			fmt.Fprintf(logw, "probe: paragraph=%d +%s %s\n", paragraph, elapsed.Round(time.Millisecond), env.Type)
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeTTSResult:
			t.Audio++
			if t.FirstAudio == 0 {
				t.FirstAudio = elapsed
			}
		case protocol.TypeImageResult:
			t.Image = elapsed
			imageDone = true
		case protocol.TypeComplete:
			t.Complete = elapsed
			completed = true
		case protocol.TypeError:
			t.Errors = append(t.Errors, env.Message)
			if strings.HasPrefix(env.Message, "图片生成") {
				t.Image = elapsed
				imageDone = true
			}
		}
	}
	return t, nil
}

func printTiming(w io.Writer, t paragraphTiming) {
	fmt.Fprintf(w, "paragraph=%d sentences=%d audio=%d first_audio=%s image=%s complete=%s errors=%d\n",
		t.Paragraph, t.Sentences, t.Audio,
		t.FirstAudio.Round(time.Millisecond), t.Image.Round(time.Millisecond), t.Complete.Round(time.Millisecond),
		len(t.Errors))
	for _, e := range t.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

func createProbeSession(ctx context.Context, client *http.Client, opts probeOptions) (string, error) {
	payload, err := json.Marshal(map[string]string{"client_id": opts.clientID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(opts.baseURL, "/")+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endProbeSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
