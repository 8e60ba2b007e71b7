package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/coursekit/coursekit/internal/reachability"
)

// StatusHandler exposes reachability state and accepts raw connectivity
// reports from the host shell.
type StatusHandler struct {
	monitor *reachability.Monitor
	signal  *reachability.HostSignal
	version string
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(monitor *reachability.Monitor, signal *reachability.HostSignal, version string) *StatusHandler {
	return &StatusHandler{monitor: monitor, signal: signal, version: version}
}

// Get handles GET /local/status
// Returns the current reachability snapshot.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":      h.version,
		"reachability": h.monitor.State(),
	})
}

// ReportSignal handles POST /local/status/signal
// The host shell reports platform connectivity events here. An "online"
// reading is corroborated by a probe before the state flips; "offline"
// takes effect immediately.
func (h *StatusHandler) ReportSignal(w http.ResponseWriter, r *http.Request) {
	var report struct {
		Online  bool                  `json:"online"`
		Quality *reachability.Quality `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.signal.Set(report.Online, report.Quality)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted"})
}

// Retry handles POST /local/status/retry
// The user-facing "try again" button: runs one probe and returns the
// resulting state.
func (h *StatusHandler) Retry(w http.ResponseWriter, r *http.Request) {
	online := h.monitor.Retry(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":       online,
		"reachability": h.monitor.State(),
	})
}
