package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/scenecast/internal/config"
	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/protocol"
	"github.com/ent0n29/scenecast/internal/session"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan []byte, outbound chan<- any) error
}

// BackendInfo is reported by /readyz. CachePing, when set, gates readiness.
type BackendInfo struct {
	Provider  string
	CacheMode string
	CachePing func(ctx context.Context) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	info         BackendInfo
	logger       *log.Logger
	upgrader     websocket.Upgrader

	mu    sync.Mutex
	conns map[string]context.CancelFunc
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics, info BackendInfo, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = 10 * time.Second
	}
	if cfg.WSReadLimit <= 0 {
		cfg.WSReadLimit = 8 << 20
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		info:         info,
		logger:       logger,
		conns:        make(map[string]context.CancelFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/ws", s.handleSessionWS)
	return r
}

// Handler is Router with panic recovery and, when cross-origin clients are
// allowed, CORS headers.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	if s.cfg.AllowAnyOrigin {
		h = handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(h)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger.StandardLog()),
		handlers.PrintRecoveryStack(true),
	)(h)
}

// Disconnect closes the live connection of a session, if any.
func (s *Server) Disconnect(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.conns[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":           "ready",
		"backend_provider": s.info.Provider,
		"prompt_cache":     s.info.CacheMode,
		"active_sessions":  s.sessions.ActiveCount(),
	}
	if s.info.CachePing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.info.CachePing(ctx); err != nil {
			s.logger.Warn("prompt cache not reachable", "err", err)
			payload["status"] = "not_ready"
			payload["prompt_cache_error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, payload)
			return
		}
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess := s.openSession(strings.TrimSpace(req.ClientID))
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		ClientID:        sess.ClientID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		WebSocketPath:   "/ws?session_id=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.End(id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusConflict, "session_ended", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.metrics.SessionClosed("ended")
	s.Disconnect(id)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	// Without session_id the connection gets a fresh session of its own.
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = s.openSession(strings.TrimSpace(r.URL.Query().Get("client_id"))).ID
	}
	sess, err := s.sessions.Attach(sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return
	case errors.Is(err, session.ErrAttached):
		respondError(w, http.StatusConflict, "session_attached", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.closeSession(sess.ID, "upgrade_failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With("session_id", sess.ID)
	logger.Info("websocket connected", "remote", r.RemoteAddr)
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.mu.Lock()
	s.conns[sess.ID] = cancel
	s.mu.Unlock()

	inbound := make(chan []byte, 64)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound); err != nil {
			logger.Warn("connection ended with error", "err", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				// Unblocks the reader when the session is closed from our side.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case msg := <-outbound:
				t, _ := protocol.MessageTypeOf(msg)
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveOutboundMessage(string(t), "write_error")
					logger.Debug("websocket write failed", "err", err)
					cancel()
					continue
				}
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	idle := s.sessions.InactivityTimeout()
	conn.SetReadLimit(s.cfg.WSReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Debug("websocket read ended", "err", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		s.metrics.ObserveWSMessage("inbound", "text")
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- data:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone

	s.mu.Lock()
	delete(s.conns, sess.ID)
	s.mu.Unlock()
	s.closeSession(sess.ID, "disconnected")
	logger.Info("websocket disconnected")
}

func (s *Server) openSession(clientID string) *session.Session {
	sess := s.sessions.Create(clientID)
	s.metrics.SessionOpened()
	return sess
}

// closeSession ends the session unless something else (REST end, janitor) already did.
func (s *Server) closeSession(id, reason string) {
	if _, err := s.sessions.End(id); err == nil {
		s.metrics.SessionClosed(reason)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
