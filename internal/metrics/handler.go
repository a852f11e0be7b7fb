package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	Mode        Mode            `json:"mode"`
	Connections connectionsInfo `json:"connections"`
	Relay       relayInfo       `json:"relay"`
	Billing     billingInfo     `json:"billing"`
	Auth        authInfo        `json:"auth"`
	Sweep       sweepInfo       `json:"sweep"`
	DB          dbInfo          `json:"db"`
	Server      serverInfo      `json:"server"`
}

// Mode labels where the summary numbers came from.
type Mode string

const ModeLive Mode = "live"

type connectionsInfo struct {
	Active            float64 `json:"active"`
	Admitted          float64 `json:"admitted"`
	RejectedAuth      float64 `json:"rejectedAuth"`
	RejectedQuota     float64 `json:"rejectedQuota"`
	RejectedCapacity  float64 `json:"rejectedCapacity"`
	ClosedIdleTimeout float64 `json:"closedIdleTimeout"`
}

type relayInfo struct {
	FramesForwarded       float64 `json:"framesForwarded"`
	TranscriptionsRelayed float64 `json:"transcriptionsRelayed"`
	Errors                float64 `json:"errors"`
}

type billingInfo struct {
	Settlements        float64 `json:"settlements"`
	SettlementFailures float64 `json:"settlementFailures"`
	AudioSecondsBilled float64 `json:"audioSecondsBilled"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type sweepInfo struct {
	Closures float64 `json:"closures"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	summary := Summary{
		Mode: ModeLive,
		Connections: connectionsInfo{
			Active:            gaugeValue(fam["voxgate_active_connections"]),
			Admitted:          counterWithLabel(fam["voxgate_admissions_total"], "result", "admitted"),
			RejectedAuth:      counterWithLabel(fam["voxgate_admissions_total"], "result", "rejected_auth"),
			RejectedQuota:     counterWithLabel(fam["voxgate_admissions_total"], "result", "rejected_quota"),
			RejectedCapacity:  counterWithLabel(fam["voxgate_admissions_total"], "result", "rejected_capacity"),
			ClosedIdleTimeout: counterWithLabel(fam["voxgate_closures_total"], "reason", "idle_timeout"),
		},
		Relay: relayInfo{
			FramesForwarded:       counterValue(fam["voxgate_frames_forwarded_total"]),
			TranscriptionsRelayed: counterValue(fam["voxgate_transcriptions_relayed_total"]),
			Errors:                sumCounter(fam["voxgate_relay_errors_total"]),
		},
		Billing: billingInfo{
			Settlements:        sumCounter(fam["voxgate_settlements_total"]),
			SettlementFailures: counterWithLabel(fam["voxgate_settlements_total"], "status", "error"),
			AudioSecondsBilled: counterValue(fam["voxgate_audio_seconds_billed_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["voxgate_auth_failures_total"]),
			Successes: counterValue(fam["voxgate_auth_successes_total"]),
		},
		Sweep: sweepInfo{
			Closures: sumCounter(fam["voxgate_sweep_closures_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["voxgate_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["voxgate_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["voxgate_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["voxgate_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["voxgate_server_start_time_seconds"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
