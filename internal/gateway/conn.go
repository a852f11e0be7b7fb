package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvallet/voxgate/internal/ledger"
	"github.com/nvallet/voxgate/internal/registry"
	"github.com/nvallet/voxgate/internal/relay"
)

const (
	writeTimeout  = 10 * time.Second
	settleTimeout = 10 * time.Second
)

// transcriptionMessage is the payload relayed to clients for each completed
// transcription.
type transcriptionMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// connState tracks where a connection is in its lifecycle. Admission happens
// before a conn exists, so the machine starts at active.
type connState int

const (
	stateActive connState = iota
	stateSettling
	stateClosed
)

// conn is one admitted client connection. The read goroutine forwards audio
// frames to the provider; run owns the state machine, all client writes, and
// all settlements, so the unbilled accumulator is reset only after its
// settlement committed and a settlement can never start on a closed
// connection.
type conn struct {
	g         *Gateway
	id        string
	accountID string
	ws        *websocket.Conn
	session   RelaySession

	// state is owned by the run goroutine.
	state connState

	writeMu sync.Mutex
	readErr chan error
}

func newConn(g *Gateway, id, accountID string, ws *websocket.Conn) *conn {
	return &conn{
		g:         g,
		id:        id,
		accountID: accountID,
		ws:        ws,
		readErr:   make(chan error, 1),
	}
}

func (c *conn) handle() registry.Handle {
	return connHandle{c: c}
}

// readLoop pumps client frames to the provider. Frame order is preserved
// because this is the only goroutine that forwards.
func (c *conn) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr <- err
			return
		}
		if mt != websocket.BinaryMessage {
			slog.Warn("dropping non-binary client message", "conn_id", c.id, "message_type", mt, "size", len(data))
			continue
		}
		c.g.registry.Touch(c.id, c.g.now())
		if err := c.session.Forward(data); err != nil {
			c.g.metrics.IncRelayError("forward")
			c.readErr <- err
			return
		}
		c.g.metrics.FramesForwardedTotal.Inc()
	}
}

// run is the connection's event loop. It exits when the client disconnects,
// the provider stream ends, or the account runs dry mid-stream.
func (c *conn) run() {
	defer c.teardown()

	for {
		select {
		case err := <-c.readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("client disconnected", "conn_id", c.id)
				c.g.metrics.IncClosure("client_disconnect")
			} else {
				slog.Warn("client read ended", "conn_id", c.id, "error", err)
				c.g.metrics.IncClosure("read_error")
			}
			return

		case ev, ok := <-c.session.Events():
			if !ok {
				c.g.metrics.IncRelayError("stream_ended")
				c.g.metrics.IncClosure("provider_stream_ended")
				slog.Warn("provider stream ended", "conn_id", c.id)
				c.closeClient(CloseInternalError, reasonInternal)
				return
			}
			if ev.Type != relay.EventTranscriptionCompleted {
				continue
			}
			if !c.relayTranscription(ev) {
				return
			}
		}
	}
}

// relayTranscription delivers one completed transcription to the client and
// settles the audio consumed so far. Returns false when the connection must
// end. Standing is re-verified first: balance and quota may have moved since
// the connection was admitted.
func (c *conn) relayTranscription(ev relay.Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if !c.reverify(ctx) {
		slog.Info("account no longer in standing mid-stream", "conn_id", c.id, "account_id", c.accountID)
		c.g.metrics.IncClosure("insufficient_balance")
		c.closeClient(CloseInsufficient, reasonInsufficient)
		return false
	}

	if err := c.writeJSON(transcriptionMessage{Type: "transcription", Text: ev.Text}); err != nil {
		slog.Warn("transcription delivery failed", "conn_id", c.id, "error", err)
		return false
	}
	c.g.metrics.TranscriptionsRelayedTotal.Inc()

	c.state = stateSettling
	st := c.settle(ctx)
	c.state = stateActive

	if st != nil && st.NewBalance <= 0 {
		slog.Info("balance exhausted mid-stream", "conn_id", c.id, "account_id", c.accountID)
		c.g.metrics.IncClosure("insufficient_balance")
		c.closeClient(CloseInsufficient, reasonInsufficient)
		return false
	}
	return true
}

// reverify checks the account's standing against the ledger. Transient
// ledger errors keep the connection alive; only a definite denial fails it.
func (c *conn) reverify(ctx context.Context) bool {
	err := c.g.biller.CheckAdmission(ctx, c.accountID)
	if deniedByLedger(err) {
		return false
	}
	if err != nil {
		slog.Warn("standing re-check failed", "conn_id", c.id, "error", err)
		return true
	}

	if dur, derr := c.g.registry.UnbilledDuration(c.id); derr == nil && dur > 0 {
		err = c.g.biller.CheckAffordable(ctx, c.accountID, dur.Seconds())
		if deniedByLedger(err) {
			return false
		}
	}
	return true
}

// settle bills the accumulated unbilled duration. On failure the accumulator
// is preserved so the next settlement point retries the full amount.
func (c *conn) settle(ctx context.Context) *ledger.Settlement {
	dur, err := c.g.registry.UnbilledDuration(c.id)
	if err != nil || dur <= 0 {
		return nil
	}
	seconds := dur.Seconds()

	st, err := c.g.biller.Settle(ctx, c.accountID, seconds)
	if err != nil {
		c.g.metrics.IncSettlement("error")
		slog.Error("settlement failed", "conn_id", c.id, "account_id", c.accountID,
			"seconds", seconds, "error", err)
		return nil
	}

	c.g.registry.ResetDuration(c.id)
	c.g.registry.AddBilledTokens(c.id, st.UsageLog.EstimatedTokens)
	c.g.metrics.IncSettlement("ok")
	c.g.metrics.AudioSecondsBilled.Add(seconds)
	return st
}

// teardown settles any remaining unbilled duration, releases the registry
// slot, and closes both legs of the relay.
func (c *conn) teardown() {
	c.state = stateClosed

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if dur, err := c.g.registry.UnbilledDuration(c.id); err == nil && dur > 0 {
		seconds := dur.Seconds()
		if _, err := c.g.biller.Settle(ctx, c.accountID, seconds); err != nil {
			c.g.metrics.IncSettlement("error")
			slog.Error("final settlement failed", "conn_id", c.id, "account_id", c.accountID,
				"seconds", seconds, "error", err)
			if lerr := c.g.biller.LogFailure(ctx, c.accountID, seconds); lerr != nil {
				slog.Error("usage failure record failed", "conn_id", c.id, "error", lerr)
			}
		} else {
			c.g.metrics.IncSettlement("ok")
			c.g.metrics.AudioSecondsBilled.Add(seconds)
		}
	}

	c.g.registry.Remove(c.id)
	c.g.metrics.ActiveConnections.Dec()

	_ = c.session.Close()
	c.closeClient(websocket.CloseNormalClosure, "")
	slog.Info("connection closed", "conn_id", c.id, "account_id", c.accountID)
}

func (c *conn) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *conn) closeClient(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

// connHandle exposes the monitor's view of a connection.
type connHandle struct {
	c *conn
}

// Ping probes the client. The pong is consumed by the read goroutine.
func (h connHandle) Ping() error {
	h.c.writeMu.Lock()
	defer h.c.writeMu.Unlock()
	return h.c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// ForceClose terminates the connection. The read goroutine observes the
// closed socket and the event loop runs its normal teardown, including the
// final settlement.
func (h connHandle) ForceClose(code int, reason string) {
	h.c.closeClient(code, reason)
}
