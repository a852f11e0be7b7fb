package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/nvallet/voxgate/internal/account"
	"github.com/nvallet/voxgate/internal/auth"
	"github.com/nvallet/voxgate/internal/ledger"
	"github.com/nvallet/voxgate/internal/metrics"
	"github.com/nvallet/voxgate/internal/registry"
	"github.com/nvallet/voxgate/internal/relay"
)

// Authenticator resolves a bearer token into an account snapshot.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*account.Snapshot, error)
}

// Biller wraps the ledger operations the gateway needs.
type Biller interface {
	CheckAdmission(ctx context.Context, accountID string) error
	CheckAffordable(ctx context.Context, accountID string, seconds float64) error
	Settle(ctx context.Context, accountID string, seconds float64) (*ledger.Settlement, error)
	LogFailure(ctx context.Context, accountID string, seconds float64) error
}

// RelaySession is one live provider stream.
type RelaySession interface {
	Forward(frame []byte) error
	Events() <-chan relay.Event
	Close() error
}

// SessionOpener opens a provider session for a newly admitted connection.
type SessionOpener interface {
	OpenSession(ctx context.Context) (RelaySession, error)
}

// SessionOpenerFunc adapts a function to the SessionOpener interface.
type SessionOpenerFunc func(ctx context.Context) (RelaySession, error)

func (f SessionOpenerFunc) OpenSession(ctx context.Context) (RelaySession, error) {
	return f(ctx)
}

// Gateway upgrades inbound websocket connections, runs them through
// admission, and relays audio to the provider and transcriptions back.
type Gateway struct {
	auth     Authenticator
	biller   Biller
	opener   SessionOpener
	registry *registry.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// now is injectable for tests.
	now func() time.Time
}

// New creates a gateway. Origin checks are disabled; the bearer token is the
// admission gate.
func New(authn Authenticator, biller Biller, opener SessionOpener, reg *registry.Registry, m *metrics.Metrics) *Gateway {
	return &Gateway{
		auth:     authn,
		biller:   biller,
		opener:   opener,
		registry: reg,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// HandleWS is the websocket entry point. The upgrade happens before
// admission so rejected clients receive a close frame with a specific code
// instead of an opaque HTTP error.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearerToken(r)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	snap, code, reason := g.admit(r.Context(), token)
	if code != 0 {
		closeWith(ws, code, reason)
		return
	}

	id := ulid.Make().String()
	c := newConn(g, id, snap.ID, ws)

	if err := g.registry.Register(id, snap.ID, c.handle(), g.now()); err != nil {
		g.metrics.IncAdmission("rejected_capacity")
		slog.Info("connection rejected at capacity", "account_id", snap.ID, "error", err)
		closeWith(ws, CloseTryAgainLater, reasonAtCapacity)
		return
	}

	session, err := g.opener.OpenSession(r.Context())
	if err != nil {
		g.registry.Remove(id)
		g.metrics.IncAdmission("rejected_upstream")
		g.metrics.IncRelayError("dial")
		slog.Error("provider session open failed", "conn_id", id, "error", err)
		closeWith(ws, CloseInternalError, reasonInternal)
		return
	}
	c.session = session

	g.metrics.IncAdmission("admitted")
	g.metrics.ActiveConnections.Inc()
	g.metrics.AuthSuccessesTotal.Inc()
	slog.Info("connection admitted", "conn_id", id, "account_id", snap.ID)

	go c.readLoop()
	c.run()
}

// admit authenticates the token and checks the account's standing. A zero
// code means the connection may proceed.
func (g *Gateway) admit(ctx context.Context, token string) (snap *account.Snapshot, code int, reason string) {
	if token == "" {
		g.metrics.IncAdmission("rejected_auth")
		g.metrics.IncAuthFailure("token_missing")
		return nil, CloseAuthMissing, reasonAuthMissing
	}

	snap, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		g.metrics.IncAdmission("rejected_auth")
		g.metrics.IncAuthFailure(authFailureReason(err))
		slog.Info("authentication rejected", "error", err)
		return nil, CloseAuthInvalid, reasonAuthInvalid
	}

	if err := g.biller.CheckAdmission(ctx, snap.ID); err != nil {
		if deniedByLedger(err) {
			g.metrics.IncAdmission("rejected_quota")
			slog.Info("admission rejected", "account_id", snap.ID, "error", err)
			return nil, CloseInsufficient, reasonInsufficient
		}
		g.metrics.IncAdmission("rejected_internal")
		slog.Error("admission check failed", "account_id", snap.ID, "error", err)
		return nil, CloseInternalError, reasonInternal
	}
	return snap, 0, ""
}

// deniedByLedger reports whether err is a definite admission denial rather
// than a transient ledger failure.
func deniedByLedger(err error) bool {
	return errors.Is(err, ledger.ErrNotActive) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrQuotaExhausted)
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenMissing):
		return "token_missing"
	case errors.Is(err, auth.ErrTokenMalformed):
		return "token_malformed"
	case errors.Is(err, auth.ErrAccountNotFound):
		return "account_unknown"
	default:
		return "token_invalid"
	}
}

// closeWith sends a close frame with the given code and tears the socket
// down. Used for connections rejected before they enter the registry.
func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
