package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// stateSummary is the per-tick state frame emitted alongside new log entries.
type stateSummary struct {
	JobID        string  `json:"job_id"`
	Status       string  `json:"status"`
	CurrentStage string  `json:"current_stage"`
	Percentage   float64 `json:"percentage"`
	Operation    string  `json:"current_operation"`
	TotalLogs    int     `json:"total_logs"`
}

// handleStream pushes the session log tail and a state summary as server-sent
// events at the configured interval until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.reg.Get(id); err != nil {
		writeRegistryError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	interval := s.cfg.StreamInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for {
		job, err := s.reg.Get(id)
		if err != nil {
			// Job was deleted mid-stream; end the channel.
			return
		}

		for _, entry := range s.sink.Since(id, sent) {
			writeEvent(w, "log", entry)
			sent++
		}
		writeEvent(w, "state", stateSummary{
			JobID:        job.ID,
			Status:       job.Status,
			CurrentStage: job.Progress.CurrentStage,
			Percentage:   job.Progress.Percentage,
			Operation:    job.Progress.CurrentOperation,
			TotalLogs:    sent,
		})
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
