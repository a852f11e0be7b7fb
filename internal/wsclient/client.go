// Package wsclient is a client-side driver for gateway audio streams. It
// dials the gateway, keeps the connection alive, and reconnects with
// exponential backoff when the stream drops for a retryable reason.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Dialer is the interface used to establish gateway connections, injectable
// for tests.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, reqHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config controls dialing and reconnection behavior.
type Config struct {
	URL   string
	Token string

	// MaxRetries bounds consecutive failed dial attempts. Zero means the
	// default of 5.
	MaxRetries int

	// BaseDelay is the backoff before the second attempt; each further
	// attempt doubles it. Zero means the default of 1s.
	BaseDelay time.Duration

	// PingInterval is the keep-alive period. Zero means the default of 30s.
	PingInterval time.Duration
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Transcription is one completed utterance relayed by the gateway.
type Transcription struct {
	Text string
}

// ErrTerminalClose indicates the gateway closed the stream with a code that
// retrying cannot fix, such as an auth rejection or an exhausted balance.
var ErrTerminalClose = errors.New("wsclient: terminal close")

// Client maintains one logical gateway stream across reconnects. Run owns
// the connection; SendAudio may be called from another goroutine.
type Client struct {
	cfg    Config
	dialer Dialer

	// sleep is injectable so backoff tests run without waiting.
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	conn *websocket.Conn

	transcripts chan Transcription
}

// New creates a client using the default websocket dialer.
func New(cfg Config) *Client {
	return NewWithDialer(cfg, websocket.DefaultDialer)
}

// NewWithDialer creates a client with an injected dialer.
func NewWithDialer(cfg Config, dialer Dialer) *Client {
	cfg.defaults()
	return &Client{
		cfg:         cfg,
		dialer:      dialer,
		sleep:       sleepCtx,
		transcripts: make(chan Transcription, 16),
	}
}

// Transcriptions returns the stream of relayed transcriptions. The channel
// is closed when Run returns.
func (c *Client) Transcriptions() <-chan Transcription {
	return c.transcripts
}

// Connected reports whether a gateway connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendAudio forwards one binary audio frame on the current connection.
func (c *Client) SendAudio(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("wsclient: not connected")
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Run connects and pumps transcriptions until ctx is canceled, the gateway
// closes the stream with a terminal code, or reconnection attempts are
// exhausted.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.transcripts)

	afterDrop := false
	for {
		conn, err := c.connect(ctx, afterDrop)
		if err != nil {
			return err
		}
		c.setConn(conn)

		err = c.pump(ctx, conn)
		c.setConn(nil)
		conn.Close()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			return nil
		case errors.Is(err, ErrTerminalClose):
			return err
		default:
			slog.Info("gateway stream dropped, reconnecting", "error", err)
			afterDrop = true
		}
	}
}

// connect dials with exponential backoff. The delay before retry n+1 is
// BaseDelay doubled n-1 times. After an established connection drops the
// first redial waits BaseDelay as well, so a gateway that accepts and
// immediately drops cannot induce an unthrottled reconnect loop.
func (c *Client) connect(ctx context.Context, afterDrop bool) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 1 || afterDrop {
			delay := c.cfg.BaseDelay
			if attempt > 1 {
				delay = c.backoffDelay(attempt - 1)
			}
			slog.Info("waiting before gateway dial", "attempt", attempt, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Info("gateway dial failed", "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	return c.cfg.BaseDelay << (attempt - 1)
}

// pump reads gateway messages and emits transcriptions until the connection
// ends. Keep-alive pings run for the lifetime of the connection.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.keepAlive(pingCtx, conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				if terminalCode(ce.Code) {
					return fmt.Errorf("%w: %d %s", ErrTerminalClose, ce.Code, ce.Text)
				}
			}
			return err
		}

		if gjson.GetBytes(message, "type").String() != "transcription" {
			continue
		}
		tr := Transcription{Text: gjson.GetBytes(message, "text").String()}
		select {
		case c.transcripts <- tr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// terminalCode reports whether a close code makes reconnecting pointless.
func terminalCode(code int) bool {
	switch code {
	case 4001, 4003, 4004:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
