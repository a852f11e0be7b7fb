package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/nvallet/voxgate/internal/registry"
)

// connectionsHandler exposes the live connection registry to admins.
type connectionsHandler struct {
	registry *registry.Registry
}

func newConnectionsHandler(reg *registry.Registry) *connectionsHandler {
	return &connectionsHandler{registry: reg}
}

type connectionResponse struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	StartedAt       time.Time `json:"startedAt"`
	LastActivity    time.Time `json:"lastActivity"`
	UnbilledSeconds float64   `json:"unbilledSeconds"`
	BilledTokens    int64     `json:"billedTokens"`
}

type connectionsResponse struct {
	Count       int                  `json:"count"`
	Connections []connectionResponse `json:"connections"`
}

// ListConnections handles GET /api/v1/admin/connections.
func (h *connectionsHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	snaps := h.registry.Snapshot()

	out := make([]connectionResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, connectionResponse{
			ID:              s.ID,
			AccountID:       s.AccountID,
			StartedAt:       s.StartedAt,
			LastActivity:    s.LastActivity,
			UnbilledSeconds: s.Unbilled.Seconds(),
			BilledTokens:    s.BilledTokens,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })

	writeJSON(w, http.StatusOK, connectionsResponse{Count: len(out), Connections: out})
}
