package server

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/onnwee/relaybot/relay"
)

// HandleHealthz responds to liveness probes. The process answering is enough.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs every readiness check and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.checks {
		if err := check.Fn(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusResponse struct {
	Active   int                 `json:"active"`
	Sessions []relay.SessionInfo `json:"sessions"`
}

// HandleStatus lists open relay sessions ordered by video id.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var infos []relay.SessionInfo
	if h.sessions != nil {
		infos = h.sessions.Snapshot()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].VideoID < infos[j].VideoID })
	if infos == nil {
		infos = []relay.SessionInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{Active: len(infos), Sessions: infos})
}
