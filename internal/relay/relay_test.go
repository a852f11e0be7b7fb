package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeProvider is an httptest WebSocket server standing in for the upstream
// transcription service.
type fakeProvider struct {
	t *testing.T

	mu         sync.Mutex
	conn       *websocket.Conn
	configMsgs [][]byte
	authHeader string
	frames     [][]byte

	// scripted messages sent to the relay after the config message arrives
	respond [][]byte
}

func (p *fakeProvider) handler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.authHeader = r.Header.Get("Authorization")
	p.mu.Unlock()

	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		p.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		p.mu.Lock()
		if mt == websocket.TextMessage {
			p.configMsgs = append(p.configMsgs, msg)
			for _, out := range p.respond {
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
			p.respond = nil
		} else {
			p.frames = append(p.frames, msg)
		}
		p.mu.Unlock()
	}
}

// drop severs the provider side of the websocket. The httptest server cannot
// do this itself: hijacked connections are invisible to
// CloseClientConnections.
func (p *fakeProvider) drop(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.conn != nil
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.Close()
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:     endpoint,
		APIKey:       "sk-test",
		AudioFormat:  "webm",
		Model:        "gpt-4o-mini-transcribe",
		VADThreshold: 0.5,
		VADPrefixMs:  300,
		VADSilenceMs: 500,
	}
}

func TestOpenSendsSessionConfig(t *testing.T) {
	provider := &fakeProvider{t: t}
	srv := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer srv.Close()

	client := NewClient(testConfig(wsURL(srv)))
	session, err := client.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	waitFor(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return len(provider.configMsgs) == 1
	})

	provider.mu.Lock()
	defer provider.mu.Unlock()

	if provider.authHeader != "Bearer sk-test" {
		t.Errorf("expected bearer credential, got %q", provider.authHeader)
	}

	var update sessionUpdate
	if err := json.Unmarshal(provider.configMsgs[0], &update); err != nil {
		t.Fatalf("decoding config message: %v", err)
	}
	if update.Type != "session.update" {
		t.Errorf("expected type session.update, got %q", update.Type)
	}
	if update.Session.InputAudioFormat != "webm" {
		t.Errorf("expected audio format webm, got %q", update.Session.InputAudioFormat)
	}
	if update.Session.TurnDetection.Type != "server_vad" {
		t.Errorf("expected server_vad, got %q", update.Session.TurnDetection.Type)
	}
	if !update.Session.TurnDetection.CreateResponse {
		t.Error("expected create_response true")
	}
	if update.Session.TurnDetection.SilenceDurationMs != 500 {
		t.Errorf("expected silence duration 500, got %d", update.Session.TurnDetection.SilenceDurationMs)
	}
}

func TestOpenDialFailure(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1/nothing-here"))
	if _, err := client.Open(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestForwardDeliversFramesInOrder(t *testing.T) {
	provider := &fakeProvider{t: t}
	srv := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer srv.Close()

	client := NewClient(testConfig(wsURL(srv)))
	session, err := client.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	frames := [][]byte{[]byte("frame-1"), []byte("frame-2"), []byte("frame-3")}
	for _, f := range frames {
		if err := session.Forward(f); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}

	waitFor(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return len(provider.frames) == len(frames)
	})

	provider.mu.Lock()
	defer provider.mu.Unlock()
	for i, want := range frames {
		if string(provider.frames[i]) != string(want) {
			t.Errorf("frame %d: expected %q, got %q", i, want, provider.frames[i])
		}
	}
}

func TestEventsSurfaceCompletedTranscriptionsOnly(t *testing.T) {
	provider := &fakeProvider{t: t, respond: [][]byte{
		[]byte(`{"type":"session.created"}`),
		[]byte(`{"type":"session.updated"}`),
		[]byte(`not json at all`),
		[]byte(`{"type":"audio_transcription.completed","text":"hello world"}`),
		[]byte(`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`),
		[]byte(`{"type":"audio_transcription.completed","text":"second"}`),
	}}
	srv := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer srv.Close()

	client := NewClient(testConfig(wsURL(srv)))
	session, err := client.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				t.Fatal("events channel closed early")
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d", len(got))
		}
	}

	if got[0].Text != "hello world" || got[1].Text != "second" {
		t.Errorf("unexpected event order: %+v", got)
	}
	for _, ev := range got {
		if ev.Type != EventTranscriptionCompleted {
			t.Errorf("unexpected event type %q", ev.Type)
		}
	}
}

func TestEventsChannelClosesWhenProviderDrops(t *testing.T) {
	provider := &fakeProvider{t: t}
	srv := httptest.NewServer(http.HandlerFunc(provider.handler))

	client := NewClient(testConfig(wsURL(srv)))
	session, err := client.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	provider.drop(t)

	select {
	case _, ok := <-session.Events():
		if ok {
			t.Error("expected channel close, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
	srv.Close()
}

func TestForwardAfterCloseFails(t *testing.T) {
	provider := &fakeProvider{t: t}
	srv := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer srv.Close()

	client := NewClient(testConfig(wsURL(srv)))
	session, err := client.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	if err := session.Forward([]byte("late frame")); err == nil {
		t.Error("expected Forward after Close to fail")
	}
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
