package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Dialer is the interface used to establish provider connections. It exists
// so tests can substitute the default gorilla dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, reqHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config describes the provider session opened for each inbound connection.
type Config struct {
	Endpoint     string
	APIKey       string
	AudioFormat  string
	Model        string
	VADThreshold float64
	VADPrefixMs  int
	VADSilenceMs int
}

// Client opens streaming sessions against the transcription provider, one per
// inbound gateway connection.
type Client struct {
	cfg    Config
	dialer Dialer
}

// NewClient creates a relay client using the default websocket dialer.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg, dialer: websocket.DefaultDialer}
}

// NewClientWithDialer creates a relay client with an injected dialer.
func NewClientWithDialer(cfg Config, dialer Dialer) *Client {
	return &Client{cfg: cfg, dialer: dialer}
}

// Open dials the provider, sends the session-configuration message, and
// starts the event reader. A dial or configuration failure means the caller
// has no relay target and must reject its inbound connection.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing provider (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing provider: %w", err)
	}

	update := sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			InputAudioFormat:        c.cfg.AudioFormat,
			InputAudioTranscription: transcriptionModel{Model: c.cfg.Model},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         c.cfg.VADThreshold,
				PrefixPaddingMs:   c.cfg.VADPrefixMs,
				SilenceDurationMs: c.cfg.VADSilenceMs,
				CreateResponse:    true,
			},
		},
	}
	payload, err := json.Marshal(update)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encoding session config: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending session config: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Session is one live provider stream. Forward and Close are safe for
// concurrent use; Events is closed when the provider stream ends for any
// reason.
type Session struct {
	conn      *websocket.Conn
	events    chan Event
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Forward sends one binary audio frame to the provider verbatim. Frames are
// delivered in call order; the caller is the single forwarding goroutine.
func (s *Session) Forward(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("relay session closed")
	default:
	}

	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("forwarding audio frame: %w", err)
	}
	return nil
}

// Events returns the stream of provider events. The channel is closed when
// the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close tears down the provider stream. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
		err = s.conn.Close()
		s.writeMu.Unlock()
	})
	return err
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("relay stream ended", "error", err)
			}
			return
		}

		typ := gjson.GetBytes(message, "type")
		if !typ.Exists() {
			slog.Warn("dropping unparseable provider message", "size", len(message))
			continue
		}

		switch typ.String() {
		case EventTranscriptionCompleted:
			ev := Event{
				Type: EventTranscriptionCompleted,
				Text: gjson.GetBytes(message, "text").String(),
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case EventError:
			slog.Warn("provider reported error",
				"code", gjson.GetBytes(message, "error.code").String(),
				"message", gjson.GetBytes(message, "error.message").String())
		default:
			// Session lifecycle and partial-result events carry nothing the
			// gateway relays.
		}
	}
}
