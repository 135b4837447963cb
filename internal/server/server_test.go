package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/GriffinCanCode/watchtower/internal/config"
	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/eventlog"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/recording"
)

// mockPipeline for testing.
type mockPipeline struct {
	mu        sync.Mutex
	stats     orchestrator.Stats
	events    []eventlog.Entry
	eventsCh  chan eventlog.Entry
	cfg       config.PipelineConfig
	recording bool
	snapErr   error
	alertErr  error
	cleared   bool
	alerts    int
	resets    int
	// beforeUpdate runs once ahead of the next UpdateConfig, standing in for
	// a write from another client that lands first.
	beforeUpdate func()
}

func newMockPipeline() *mockPipeline {
	return &mockPipeline{
		stats: orchestrator.Stats{Running: true, FPS: 15, MotionEvents: 3},
		events: []eventlog.Entry{
			{Time: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Level: eventlog.Alert, Text: "Motion detected (area: 1600px)"},
			{Time: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC), Level: eventlog.Info, Text: "Recording started (motion)"},
		},
		eventsCh: make(chan eventlog.Entry, 10),
		cfg:      config.DefaultPipeline(),
	}
}

func (m *mockPipeline) Stats() orchestrator.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *mockPipeline) Events() <-chan eventlog.Entry { return m.eventsCh }

func (m *mockPipeline) RecentEvents(n int) []eventlog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < len(m.events) {
		return append([]eventlog.Entry(nil), m.events[len(m.events)-n:]...)
	}
	return append([]eventlog.Entry(nil), m.events...)
}

func (m *mockPipeline) ClearEvents() {
	m.mu.Lock()
	m.cleared = true
	m.events = nil
	m.mu.Unlock()
}

func (m *mockPipeline) Recordings() []recording.Summary {
	return []recording.Summary{{Session: recording.Session{ID: "s1", Reason: recording.Motion, VideoPath: "recordings/a.avi"}, Duration: 11 * time.Second}}
}

func (m *mockPipeline) ToggleRecording(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = !m.recording
	return m.recording, nil
}

func (m *mockPipeline) Snapshot(context.Context) (string, error) {
	if m.snapErr != nil {
		return "", m.snapErr
	}
	return "recordings/snapshot_20240501_120000.jpg", nil
}

func (m *mockPipeline) Config() config.PipelineConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *mockPipeline) UpdateConfig(fn func(*config.PipelineConfig)) (config.PipelineConfig, error) {
	m.mu.Lock()
	hook := m.beforeUpdate
	m.beforeUpdate = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return m.cfg, err
	}
	m.cfg = next
	return next, nil
}

func (m *mockPipeline) TestAlert(context.Context) error {
	m.mu.Lock()
	m.alerts++
	m.mu.Unlock()
	return m.alertErr
}

func (m *mockPipeline) ResetBackground(context.Context) error {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Test OPTIONS request
	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, PUT, DELETE, OPTIONS" {
		t.Errorf("CORS methods = %q", v)
	}

	// Test regular request
	req = httptest.NewRequest("GET", "/test", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := New(newMockPipeline(), nil)
	rec := do(t, srv.Handler(), "GET", "/api/stats", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st orchestrator.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("json.Unmarshal error: %v", err)
	}
	if !st.Running || st.FPS != 15 || st.MotionEvents != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEventsEndpoint(t *testing.T) {
	pipe := newMockPipeline()
	h := New(pipe, nil).Handler()

	rec := do(t, h, "GET", "/api/events?n=1", "")
	var got []EventMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal error: %v", err)
	}
	if len(got) != 1 || got[0].Text != "Recording started (motion)" {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Line != "[12:00:01] Recording started (motion)" {
		t.Errorf("Line = %q", got[0].Line)
	}

	if rec := do(t, h, "GET", "/api/events?n=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad count status = %d, want 400", rec.Code)
	}

	if rec := do(t, h, "DELETE", "/api/events", ""); rec.Code != http.StatusOK || !pipe.cleared {
		t.Errorf("DELETE status = %d, cleared = %v", rec.Code, pipe.cleared)
	}
}

func TestToggleRecordingEndpoint(t *testing.T) {
	h := New(newMockPipeline(), nil).Handler()

	for _, want := range []string{"recording_started", "recording_stopped"} {
		rec := do(t, h, "POST", "/api/recording/toggle", "")
		var body map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if body["status"] != want {
			t.Errorf("status = %q, want %q", body["status"], want)
		}
	}
}

func TestSnapshotErrorMapping(t *testing.T) {
	pipe := newMockPipeline()
	h := New(pipe, nil).Handler()

	rec := do(t, h, "POST", "/api/snapshot", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "snapshot_20240501_120000.jpg") {
		t.Errorf("snapshot = %d %s", rec.Code, rec.Body.String())
	}

	pipe.snapErr = apperrors.New(apperrors.Unavailable, "pipeline is not running")
	rec = do(t, h, "POST", "/api/snapshot", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "UNAVAILABLE" {
		t.Errorf("code = %q, want UNAVAILABLE", body["code"])
	}
}

func TestSettingsEndpoints(t *testing.T) {
	pipe := newMockPipeline()
	h := New(pipe, nil).Handler()

	rec := do(t, h, "PUT", "/api/settings", `{"noise_threshold": 0.3, "continuous_mode": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", rec.Code, rec.Body.String())
	}
	cfg := pipe.Config()
	if cfg.NoiseThreshold != 0.3 || !cfg.ContinuousMode {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.MotionThreshold != 25 {
		t.Errorf("untouched field changed: motion_threshold = %d", cfg.MotionThreshold)
	}

	rec = do(t, h, "PUT", "/api/settings", `{"frame_skip": 0}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid PUT status = %d, want 400", rec.Code)
	}
	if pipe.Config().FrameSkip != 1 {
		t.Error("invalid settings were applied")
	}

	if rec := do(t, h, "PUT", "/api/settings", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed PUT status = %d, want 400", rec.Code)
	}

	rec = do(t, h, "GET", "/api/settings", "")
	var got config.PipelineConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.NoiseThreshold != 0.3 {
		t.Errorf("GET settings = %+v, %v", got, err)
	}
}

func TestPartialSettingsCompose(t *testing.T) {
	pipe := newMockPipeline()
	h := New(pipe, nil).Handler()

	// Another client's change lands between this request's read and write.
	pipe.beforeUpdate = func() {
		_, _ = pipe.UpdateConfig(func(c *config.PipelineConfig) { c.MotionThreshold = 40 })
	}
	rec := do(t, h, "PUT", "/api/settings", `{"noise_threshold": 0.3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", rec.Code, rec.Body.String())
	}

	cfg := pipe.Config()
	if cfg.MotionThreshold != 40 || cfg.NoiseThreshold != 0.3 {
		t.Errorf("config = motion %d noise %v, want both changes kept", cfg.MotionThreshold, cfg.NoiseThreshold)
	}
}

func TestResetBackgroundEndpoint(t *testing.T) {
	pipe := newMockPipeline()
	h := New(pipe, nil).Handler()

	rec := do(t, h, "POST", "/api/motion/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if pipe.resets != 1 {
		t.Errorf("ResetBackground calls = %d, want 1", pipe.resets)
	}
	if rec := do(t, h, "GET", "/api/motion/reset", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestTestAlertEndpoint(t *testing.T) {
	pipe := newMockPipeline()
	h := New(pipe, nil).Handler()

	if rec := do(t, h, "POST", "/api/alerts/test", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	pipe.alertErr = apperrors.New(apperrors.DeliveryFailed, "smtp refused")
	if rec := do(t, h, "POST", "/api/alerts/test", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if pipe.alerts != 2 {
		t.Errorf("TestAlert calls = %d, want 2", pipe.alerts)
	}
}

func TestHealthEndpoint(t *testing.T) {
	pipe := newMockPipeline()
	h := New(pipe, nil).Handler()

	if rec := do(t, h, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	pipe.mu.Lock()
	pipe.stats.Running = false
	pipe.mu.Unlock()
	if rec := do(t, h, "GET", "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestVideoFeedMounted(t *testing.T) {
	feed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary=frame")
	})
	rec := do(t, New(newMockPipeline(), feed).Handler(), "GET", "/video_feed", "")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}
	for i := 0; i < RateLimitMessages; i++ {
		if !rl.allow() {
			t.Fatalf("message %d rejected inside the limit", i)
		}
	}
	if rl.allow() {
		t.Error("message over the limit was allowed")
	}
}

func TestHandleCommand(t *testing.T) {
	pipe := newMockPipeline()
	srv := New(pipe, nil)
	ctx := context.Background()

	tests := []struct {
		kind   string
		raw    string
		ok     bool
		detail string
	}{
		{"toggle_recording", `{"type":"toggle_recording"}`, true, "true"},
		{"snapshot", `{"type":"snapshot"}`, true, "recordings/snapshot_20240501_120000.jpg"},
		{"settings", `{"type":"settings","settings":{"motion_threshold":40}}`, true, ""},
		{"settings", `{"type":"settings","settings":{"motion_threshold":400}}`, false, ""},
		{"clear_events", `{"type":"clear_events"}`, true, ""},
		{"reset_background", `{"type":"reset_background"}`, true, ""},
		{"reboot", `{"type":"reboot"}`, false, ""},
	}
	for _, tt := range tests {
		res := srv.handleCommand(ctx, tt.kind, json.RawMessage(tt.raw))
		if res.OK != tt.ok {
			t.Errorf("%s ok = %v, want %v (%s)", tt.raw, res.OK, tt.ok, res.Detail)
		}
		if tt.detail != "" && res.Detail != tt.detail {
			t.Errorf("%s detail = %q, want %q", tt.raw, res.Detail, tt.detail)
		}
	}
	if pipe.Config().MotionThreshold != 40 {
		t.Errorf("MotionThreshold = %d, want 40", pipe.Config().MotionThreshold)
	}
	if pipe.resets != 1 {
		t.Errorf("ResetBackground calls = %d, want 1", pipe.resets)
	}
}

func TestWebSocketFeed(t *testing.T) {
	pipe := newMockPipeline()
	srv := New(pipe, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// Initial catch-up: stats and the backlog. Periodic stats may interleave.
	var stats, backlog int
	for stats == 0 || backlog < 2 {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			t.Fatalf("Read error: %v", err)
		}
		var base Message
		_ = json.Unmarshal(raw, &base)
		switch base.Type {
		case "stats":
			stats++
		case "event":
			backlog++
		default:
			t.Fatalf("unexpected message %s", raw)
		}
	}

	// A command gets a result reply.
	if err := wsjson.Write(ctx, conn, Message{Type: "toggle_recording"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	// A live event is pushed to the client.
	pipe.eventsCh <- eventlog.Entry{Time: time.Now(), Level: eventlog.Alert, Text: "Noise detected (level: 0.42)"}

	var sawResult, sawEvent bool
	for !(sawResult && sawEvent) {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			t.Fatalf("Read error: %v (result=%v event=%v)", err, sawResult, sawEvent)
		}
		var base Message
		_ = json.Unmarshal(raw, &base)
		switch base.Type {
		case "result":
			var res ResultMessage
			_ = json.Unmarshal(raw, &res)
			if !res.OK || res.Action != "toggle_recording" {
				t.Errorf("result = %+v", res)
			}
			sawResult = true
		case "event":
			var ev EventMessage
			_ = json.Unmarshal(raw, &ev)
			if ev.Text == "Noise detected (level: 0.42)" {
				sawEvent = true
			}
		}
	}
}

func TestGRPCHealth(t *testing.T) {
	pipe := newMockPipeline()
	h := NewHealth(pipe)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = h.GRPC().Serve(lis) }()
	defer h.GRPC().Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer func() { _ = conn.Close() }()

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}

	pipe.mu.Lock()
	pipe.stats.Running = false
	pipe.mu.Unlock()
	h.refresh()

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", resp.GetStatus())
	}
}
