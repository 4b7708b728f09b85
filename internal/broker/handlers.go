package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/homerelay/internal/telemetry"
)

// SessionInfo is one registry entry as served on /sessions.
type SessionInfo struct {
	Key        string    `json:"key"`
	Role       string    `json:"role"`
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
	Valid      bool      `json:"valid"`
}

// Health is served on /healthz.
type Health struct {
	Status     string `json:"status"`
	Address    string `json:"address"`
	Sessions   int    `json:"sessions"`
	QueueDepth int    `json:"queue_depth"`
	QueueSize  int    `json:"queue_size"`
}

// RegisterHandlers mounts the broker's admin endpoints on mux.
func (b *Broker) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(b.handleHealth)))
	mux.Handle("/sessions", telemetry.Instrument("sessions", http.HandlerFunc(b.handleSessions)))
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:     "ok",
		Address:    b.Addr(),
		Sessions:   b.registry.Len(),
		QueueDepth: b.QueueLen(),
		QueueSize:  b.cfg.QueueSize,
	})
}

func (b *Broker) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := b.registry.Snapshot()
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, SessionInfo{
			Key:        e.Key,
			Role:       e.Role.String(),
			RemoteAddr: e.Session.RemoteAddr(),
			Since:      e.Since,
			Valid:      e.Session.IsPlausiblyValid(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
