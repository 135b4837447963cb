// Package server exposes the pipeline over HTTP, WebSocket and gRPC health.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/watchtower/internal/config"
	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/eventlog"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/recording"
	"github.com/GriffinCanCode/watchtower/internal/trace"
)

// Pipeline is the part of the orchestrator the server drives.
type Pipeline interface {
	Stats() orchestrator.Stats
	Events() <-chan eventlog.Entry
	RecentEvents(n int) []eventlog.Entry
	ClearEvents()
	Recordings() []recording.Summary
	ToggleRecording(ctx context.Context) (bool, error)
	Snapshot(ctx context.Context) (string, error)
	Config() config.PipelineConfig
	UpdateConfig(fn func(*config.PipelineConfig)) (config.PipelineConfig, error)
	TestAlert(ctx context.Context) error
	ResetBackground(ctx context.Context) error
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type StatsMessage struct {
	Type  string             `json:"type"`
	Stats orchestrator.Stats `json:"stats"`
}

type EventMessage struct {
	Type  string         `json:"type"`
	Time  time.Time      `json:"time"`
	Level eventlog.Level `json:"level"`
	Text  string         `json:"text"`
	Line  string         `json:"line"`
}

type SettingsMessage struct {
	Type     string          `json:"type"`
	Settings json.RawMessage `json:"settings"`
}

type ResultMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type RateLimitedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func eventMessage(e eventlog.Entry) EventMessage {
	return EventMessage{Type: "event", Time: e.Time, Level: e.Level, Text: e.Text, Line: e.String()}
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	pipe   Pipeline
	frames http.Handler
	mu     sync.RWMutex
	conns  map[*websocket.Conn]struct{}
}

// New creates a server. frames serves the live MJPEG feed and may be nil.
func New(pipe Pipeline, frames http.Handler) *Server {
	return &Server{
		pipe:   pipe,
		frames: frames,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Run pushes events and periodic stats to WebSocket clients until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(StatsInterval)
	defer ticker.Stop()

	events := s.pipe.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.broadcast(eventMessage(e))
		case <-ticker.C:
			s.broadcast(StatsMessage{Type: "stats", Stats: s.pipe.Stats()})
		}
	}
}

func (s *Server) broadcast(msg any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.conns {
		go func(c *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
			defer cancel()
			_ = wsjson.Write(ctx, c, msg)
		}(conn)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Live feed
	if s.frames != nil {
		mux.Handle("GET /video_feed", s.frames)
	}

	// REST API
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("DELETE /api/events", s.handleClearEvents)
	mux.HandleFunc("GET /api/recordings", s.handleRecordings)
	mux.HandleFunc("POST /api/recording/toggle", s.handleToggleRecording)
	mux.HandleFunc("POST /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("POST /api/alerts/test", s.handleTestAlert)
	mux.HandleFunc("POST /api/motion/reset", s.handleResetBackground)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps AppError codes onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := apperrors.Internal.String()
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		code = appErr.Code.String()
	}
	trace.Logger(r.Context()).Warn("request failed", "path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.pipe.Stats()
	status := http.StatusOK
	if !st.Running {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"running": st.Running})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := DefaultEventCount
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, r, apperrors.Newf(apperrors.InvalidArgument, "invalid event count %q", v))
			return
		}
		n = parsed
	}
	entries := s.pipe.RecentEvents(n)
	out := make([]EventMessage, len(entries))
	for i, e := range entries {
		out[i] = eventMessage(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearEvents(w http.ResponseWriter, _ *http.Request) {
	s.pipe.ClearEvents()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRecordings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Recordings())
}

func (s *Server) handleToggleRecording(w http.ResponseWriter, r *http.Request) {
	on, err := s.pipe.ToggleRecording(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := "recording_stopped"
	if on {
		status = "recording_started"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	path, err := s.pipe.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Config())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSettingsBody))
	if err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.InvalidArgument, "read settings"))
		return
	}
	cfg, err := s.applySettings(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// applySettings overlays a partial JSON document on the current settings.
// The overlay happens inside the update so concurrent partial writes compose.
func (s *Server) applySettings(doc []byte) (config.PipelineConfig, error) {
	var scratch config.PipelineConfig
	if err := json.Unmarshal(doc, &scratch); err != nil {
		return s.pipe.Config(), apperrors.Wrap(err, apperrors.InvalidArgument, "decode settings")
	}
	return s.pipe.UpdateConfig(func(c *config.PipelineConfig) {
		// Already decoded once above, so this cannot fail half way.
		_ = json.Unmarshal(doc, c)
	})
}

func (s *Server) handleResetBackground(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.ResetBackground(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.TestAlert(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Catch the client up before live updates arrive.
	_ = wsjson.Write(ctx, conn, StatsMessage{Type: "stats", Stats: s.pipe.Stats()})
	for _, e := range s.pipe.RecentEvents(DefaultEventCount) {
		_ = wsjson.Write(ctx, conn, eventMessage(e))
	}

	rl := &rateLimiter{}
	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(ctx, conn, RateLimitedMessage{
				Type:    "error",
				Message: "rate limit exceeded",
			})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}
		cmdCtx := ctx
		if tc, ok := trace.ExtractFromJSON(msg); ok {
			cmdCtx = trace.WithContext(ctx, tc)
		}
		reply := s.handleCommand(cmdCtx, base.Type, msg)
		_ = wsjson.Write(ctx, conn, reply)
	}
}

// handleCommand runs one WebSocket command and describes the outcome.
func (s *Server) handleCommand(ctx context.Context, kind string, raw json.RawMessage) ResultMessage {
	ctx, span := trace.StartSpan(ctx, "ws_command")
	defer span.End()
	span.SetAttr("command", kind)

	res := ResultMessage{Type: "result", Action: kind}
	var err error
	switch kind {
	case "toggle_recording":
		var on bool
		on, err = s.pipe.ToggleRecording(ctx)
		res.Detail = strconv.FormatBool(on)
	case "snapshot":
		res.Detail, err = s.pipe.Snapshot(ctx)
	case "clear_events":
		s.pipe.ClearEvents()
	case "test_alert":
		err = s.pipe.TestAlert(ctx)
	case "reset_background":
		err = s.pipe.ResetBackground(ctx)
	case "settings":
		var sm SettingsMessage
		if err = json.Unmarshal(raw, &sm); err == nil {
			_, err = s.applySettings(sm.Settings)
		}
	default:
		err = apperrors.Newf(apperrors.InvalidArgument, "unknown command %q", kind)
	}

	if err != nil {
		span.SetError(err)
		res.Detail = err.Error()
		return res
	}
	res.OK = true
	return res
}
