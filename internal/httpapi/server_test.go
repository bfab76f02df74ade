package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/scenecast/internal/backend"
	"github.com/ent0n29/scenecast/internal/config"
	"github.com/ent0n29/scenecast/internal/logging"
	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/pipeline"
	"github.com/ent0n29/scenecast/internal/promptcache"
	"github.com/ent0n29/scenecast/internal/reliability"
	"github.com/ent0n29/scenecast/internal/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		WSWriteTimeout:           time.Second,
		WSReadLimit:              1 << 20,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	orch := pipeline.NewOrchestrator(pipeline.Config{
		Image: pipeline.ImageConfig{Count: 2},
		Poll: backend.PollConfig{
			Backoff:     reliability.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 1.2},
			MaxAttempts: 20,
		},
	}, pipeline.Deps{
		Backends: backend.NewMockSet(120),
		Cache:    promptcache.NewInMemoryStore(),
		Sessions: sessions,
		Logger:   logging.Discard(),
		Metrics:  metrics,
	})
	srv := New(cfg, sessions, orch, metrics, BackendInfo{Provider: "mock", CacheMode: "memory"}, logging.Discard())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func createSession(t *testing.T, ts *httptest.Server) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"client_id": "reader-1"})
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func dial(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	return websocket.DefaultDialer.Dial(u, nil)
}

// readUntil collects message types until stop returns true for one of them.
func readUntil(t *testing.T, conn *websocket.Conn, stop func(types []string) bool) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	var types []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !stop(types) {
		var m map[string]any
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("ReadJSON() error = %v (got %v)", err, types)
		}
		msgs = append(msgs, m)
		types = append(types, fmt.Sprint(m["type"]))
	}
	return msgs
}

func count(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestCreateGetAndEndSession(t *testing.T) {
	ts, _ := newTestServer(t)
	created := createSession(t, ts)
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if got := created["ws_path"]; got != "/ws?session_id="+sessionID {
		t.Fatalf("ws_path = %v", got)
	}

	getRes, err := http.Get(ts.URL + "/v1/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	getRes.Body.Close()
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", getRes.StatusCode, http.StatusOK)
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	againRes, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("second end request error = %v", err)
	}
	againRes.Body.Close()
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("second end status = %d, want %d", againRes.StatusCode, http.StatusConflict)
	}

	missing, err := http.Get(ts.URL + "/v1/sessions/nope")
	if err != nil {
		t.Fatalf("get missing request error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestReadyReportsBackendAndCache(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["backend_provider"] != "mock" || payload["prompt_cache"] != "memory" {
		t.Fatalf("unexpected readiness payload: %+v", payload)
	}
}

func TestReadyFailsWhenPromptCacheUnreachable(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	srv := New(config.Config{}, sessions, nil, nil, BackendInfo{
		Provider:  "mock",
		CacheMode: "postgres",
		CachePing: func(context.Context) error { return errors.New("connection refused") },
	}, logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "not_ready" || payload["prompt_cache_error"] != "connection refused" {
		t.Fatalf("unexpected readiness payload: %+v", payload)
	}
}

func TestWebSocketNarratesAndIllustrates(t *testing.T) {
	ts, sessions := newTestServer(t)
	created := createSession(t, ts)
	sessionID := created["session_id"].(string)

	conn, _, err := dial(t, ts, "?session_id="+sessionID)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"action": "ping"}); err != nil {
		t.Fatalf("WriteJSON(ping) error = %v", err)
	}
	pong := readUntil(t, conn, func(types []string) bool { return len(types) == 1 })
	if pong[0]["type"] != "pong" || pong[0]["message"] != "心跳响应" {
		t.Fatalf("ping reply = %+v", pong[0])
	}

	if err := conn.WriteJSON(map[string]any{"action": "tts", "text": "天亮了。她出门了！", "paragraph_number": 1}); err != nil {
		t.Fatalf("WriteJSON(tts) error = %v", err)
	}
	msgs := readUntil(t, conn, func(types []string) bool {
		return count(types, "complete") == 1 && count(types, "image_result") == 1
	})
	var types []string
	for _, m := range msgs {
		types = append(types, fmt.Sprint(m["type"]))
	}
	if types[0] != "status" {
		t.Fatalf("first message = %q, want status", types[0])
	}
	if got := count(types, "tts_result"); got != 2 {
		t.Fatalf("tts_result count = %d, want 2 (%v)", got, types)
	}

	got, err := sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Connected || got.RequestCount != 2 {
		t.Fatalf("session state = %+v", got)
	}
}

func TestWebSocketVideoFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	conn, _, err := dial(t, ts, "")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"action": "video", "text": "风吹过麦田。", "image_base64": "iVBORw0KGgo=", "sequence_number": 1}); err != nil {
		t.Fatalf("WriteJSON(video) error = %v", err)
	}
	msgs := readUntil(t, conn, func(types []string) bool {
		return count(types, "complete") == 1 && count(types, "video_result") == 1
	})
	for _, m := range msgs {
		if m["type"] == "video_result" {
			if url, _ := m["video_url"].(string); url == "" {
				t.Fatalf("video_result without url: %+v", m)
			}
		}
		if m["type"] == "error" {
			t.Fatalf("unexpected error: %+v", m)
		}
	}
}

func TestWebSocketWithoutSessionCreatesOne(t *testing.T) {
	ts, sessions := newTestServer(t)
	conn, _, err := dial(t, ts, "")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"action": "ping"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readUntil(t, conn, func(types []string) bool { return count(types, "pong") == 1 })
	if got := sessions.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for sessions.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still active after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketRejectsSecondConnection(t *testing.T) {
	ts, _ := newTestServer(t)
	sessionID := createSession(t, ts)["session_id"].(string)

	first, _, err := dial(t, ts, "?session_id="+sessionID)
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	defer first.Close()

	_, res, err := dial(t, ts, "?session_id="+sessionID)
	if err == nil {
		t.Fatalf("second Dial() succeeded, want rejection")
	}
	if res == nil || res.StatusCode != http.StatusConflict {
		t.Fatalf("second Dial() response = %+v, want 409", res)
	}

	_, res, err = dial(t, ts, "?session_id=missing")
	if err == nil || res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("Dial(missing) = %v, %+v; want 404", err, res)
	}
}

func TestEndingSessionClosesSocket(t *testing.T) {
	ts, _ := newTestServer(t)
	sessionID := createSession(t, ts)["session_id"].(string)

	conn, _, err := dial(t, ts, "?session_id="+sessionID)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	res, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end request error = %v", err)
	}
	res.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatalf("socket not closed after session end: %v", err)
			}
			return
		}
	}
}

func TestPerfLatencyReportsStages(t *testing.T) {
	ts, _ := newTestServer(t)
	conn, _, err := dial(t, ts, "")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]any{"text": "一。"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readUntil(t, conn, func(types []string) bool {
		return count(types, "complete") == 1 && count(types, "image_result") == 1
	})

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var payload struct {
		Stages []struct {
			Stage   string `json:"stage"`
			Samples int    `json:"samples"`
		} `json:"stages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	found := false
	for _, s := range payload.Stages {
		if s.Stage == "request_to_first_audio" && s.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("first audio stage missing: %+v", payload.Stages)
	}
}
