package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// flakyDialer fails a fixed number of times before delegating to the real
// dialer.
type flakyDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	target   string
}

func (d *flakyDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.mu.Lock()
	d.attempts++
	n := d.attempts
	d.mu.Unlock()
	if n <= d.failures {
		return nil, nil, errors.New("connection refused")
	}
	return websocket.DefaultDialer.DialContext(ctx, d.target, h)
}

func (d *flakyDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// recordingSleep captures backoff delays instead of waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func echoGateway(t *testing.T, closeCode int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if closeCode != 0 {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, "rejected"), time.Now().Add(time.Second))
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcription","text":"hi"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"noise"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcription","text":"bye"}`))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		// wait for the client side to close
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func gatewayURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunDeliversTranscriptions(t *testing.T) {
	srv := echoGateway(t, 0)

	client := New(Config{URL: gatewayURL(srv), Token: "tok"})
	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	var got []string
	for tr := range client.Transcriptions() {
		got = append(got, tr.Text)
	}
	if len(got) != 2 || got[0] != "hi" || got[1] != "bye" {
		t.Errorf("unexpected transcriptions: %v", got)
	}

	if err := <-done; err != nil {
		t.Errorf("expected clean end after normal closure, got %v", err)
	}
}

func TestConnectRetriesWithExponentialBackoff(t *testing.T) {
	srv := echoGateway(t, 0)
	dialer := &flakyDialer{failures: 3, target: gatewayURL(srv)}
	rec := &recordingSleep{}

	client := NewWithDialer(Config{URL: gatewayURL(srv), BaseDelay: 100 * time.Millisecond}, dialer)
	client.sleep = rec.sleep

	conn, err := client.connect(context.Background(), false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.Close()

	if dialer.attemptCount() != 4 {
		t.Errorf("expected 4 attempts, got %d", dialer.attemptCount())
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], rec.delays[i])
		}
	}
}

func TestConnectGivesUpAfterMaxRetries(t *testing.T) {
	dialer := &flakyDialer{failures: 100, target: "ws://unused"}
	rec := &recordingSleep{}

	client := NewWithDialer(Config{URL: "ws://unused", MaxRetries: 5}, dialer)
	client.sleep = rec.sleep

	if _, err := client.connect(context.Background(), false); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if dialer.attemptCount() != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", dialer.attemptCount())
	}
	// no sleep after the final failed attempt
	if len(rec.delays) != 4 {
		t.Errorf("expected 4 backoff sleeps, got %v", rec.delays)
	}
}

func TestConnectStopsOnContextCancel(t *testing.T) {
	dialer := &flakyDialer{failures: 100, target: "ws://unused"}
	ctx, cancel := context.WithCancel(context.Background())

	client := NewWithDialer(Config{URL: "ws://unused"}, dialer)
	client.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := client.connect(ctx, false)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if dialer.attemptCount() != 1 {
		t.Errorf("expected 1 attempt before cancel, got %d", dialer.attemptCount())
	}
}

func TestReconnectAfterDropBacksOff(t *testing.T) {
	// a gateway that accepts and immediately severs the connection
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var mu sync.Mutex
	accepts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepts++
		mu.Unlock()
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	client := New(Config{URL: gatewayURL(srv), BaseDelay: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recordingSleep{}
	client.sleep = func(sctx context.Context, d time.Duration) error {
		_ = rec.sleep(sctx, d)
		cancel()
		return sctx.Err()
	}

	if err := client.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if accepts != 1 {
		t.Errorf("expected a single dial before the backoff sleep, got %d", accepts)
	}
	if len(rec.delays) != 1 || rec.delays[0] != 100*time.Millisecond {
		t.Errorf("expected one base-delay sleep before redial, got %v", rec.delays)
	}
}

func TestRunStopsOnAuthRejection(t *testing.T) {
	srv := echoGateway(t, 4003)

	client := New(Config{URL: gatewayURL(srv), Token: "bad"})
	err := client.Run(context.Background())
	if !errors.Is(err, ErrTerminalClose) {
		t.Errorf("expected terminal close on auth rejection, got %v", err)
	}
}

func TestSendAudioWhileDisconnected(t *testing.T) {
	client := New(Config{URL: "ws://unused"})
	if err := client.SendAudio([]byte("frame")); err == nil {
		t.Error("expected error when not connected")
	}
}
