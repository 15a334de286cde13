package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/chatbridge/chatbridge/internal/completion"
	"github.com/chatbridge/chatbridge/internal/log"
	"github.com/chatbridge/chatbridge/internal/transport"
)

// newTestServer wires a full server over an in-memory hub and scripted
// completion service.
func newTestServer(t *testing.T, script ...completion.StubCall) (*Server, *transport.Hub, *Registry) {
	t.Helper()

	hub := transport.NewHub(log.NewNop())
	reg := newTestRegistry(hub, completion.NewStubService(script...))
	t.Cleanup(reg.StopAll)

	srv, err := NewServer(ServerConfig{
		Logger:      log.NewNop(),
		Registry:    reg,
		Hub:         hub,
		WSHandler:   transport.NewWebSocketHandler(hub, []string{"*"}, log.NewNop()),
		CORSOrigins: []string{"http://localhost:5173"},
		RateBurst:   1000,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, hub, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerAgentLifecycle(t *testing.T) {
	t.Parallel()

	srv, _, reg := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/channels/ch-1/agent", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry size = %d, want 1", reg.Len())
	}

	// Double start conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/channels/ch-1/agent", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("double start status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/channels/ch-1/agent", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	var status struct {
		ChannelID string `json:"channel_id"`
		Busy      bool   `json:"busy"`
		Turns     int    `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ChannelID != "ch-1" || status.Busy || status.Turns != 0 {
		t.Errorf("status = %+v", status)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/channels/ch-1/agent", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/channels/ch-1/agent", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double stop status = %d, want 404", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/channels/ch-1/agent", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after stop = %d, want 404", rec.Code)
	}
}

func TestServerPostMessageDrivesAgent(t *testing.T) {
	t.Parallel()

	srv, hub, reg := newTestServer(t, completion.StubCall{Fragments: []string{"pong"}})
	h := srv.Handler()

	if rec := doJSON(t, h, http.MethodPost, "/api/channels/ch-1/agent", nil); rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/channels/ch-1/messages", map[string]string{
		"author_id": "alice",
		"text":      "ping",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post message status = %d, body %s", rec.Code, rec.Body)
	}
	var posted transport.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &posted); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if posted.ID == "" || posted.Text != "ping" {
		t.Errorf("posted = %+v", posted)
	}

	a, _ := reg.Get("ch-1")
	deadline := time.Now().Add(5 * time.Second)
	for a.History().Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	turns := a.History().Snapshot()
	if len(turns) != 2 || turns[1].Text != "pong" {
		t.Fatalf("history = %+v", turns)
	}

	// The injected message is retrievable from the hub.
	if _, ok := hub.Message(posted.ID); !ok {
		t.Errorf("message %s missing from hub", posted.ID)
	}
}

func TestServerPostMessageValidation(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name string
		body map[string]string
	}{
		{name: "missing author", body: map[string]string{"text": "hi"}},
		{name: "missing text", body: map[string]string{"author_id": "alice"}},
		{name: "blank text", body: map[string]string{"author_id": "alice", "text": "   "}},
		{name: "oversized text", body: map[string]string{"author_id": "alice", "text": strings.Repeat("x", MaxMessageLength+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, h, http.MethodPost, "/api/channels/ch-1/messages", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestServerHealth(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("health body = %s", rec.Body)
	}
}

func TestServerCORSPreflight(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/channels/ch-1/agent", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials not allowed for explicit origin")
	}
}

func TestServerRateLimit(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub(log.NewNop())
	reg := newTestRegistry(hub, completion.NewStubService())
	t.Cleanup(reg.StopAll)

	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Registry:  reg,
		Hub:       hub,
		WSHandler: transport.NewWebSocketHandler(hub, nil, log.NewNop()),
		RateBurst: 3,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	var limited bool
	for i := 0; i < 10; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			if rec.Header().Get("Retry-After") == "" {
				t.Error("429 without Retry-After")
			}
			break
		}
	}
	if !limited {
		t.Error("burst of requests was never rate limited")
	}
}

func TestServerWebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, completion.StubCall{Fragments: []string{"hello there"}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/channels/ch-ws/agent", nil); rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/channels/ch-ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]string{
		"type":      "message",
		"author_id": "alice",
		"text":      "hi bot",
	}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// The feed carries the user message, the bot message lifecycle, and the
	// final revision holding the complete reply.
	var sawFinal bool
	for !sawFinal {
		var ev transport.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Type == transport.EventMessageUpdated && ev.Message != nil && ev.Message.Text == "hello there" {
			sawFinal = true
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub(log.NewNop())
	reg := newTestRegistry(hub, completion.NewStubService())
	ws := transport.NewWebSocketHandler(hub, nil, log.NewNop())

	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{name: "missing registry", cfg: ServerConfig{Logger: log.NewNop(), Hub: hub, WSHandler: ws}},
		{name: "missing hub", cfg: ServerConfig{Logger: log.NewNop(), Registry: reg, WSHandler: ws}},
		{name: "missing ws handler", cfg: ServerConfig{Logger: log.NewNop(), Registry: reg, Hub: hub}},
		{name: "missing logger", cfg: ServerConfig{Registry: reg, Hub: hub, WSHandler: ws}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewServer(tt.cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
