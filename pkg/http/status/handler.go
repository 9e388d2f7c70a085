// Package status serves a JSON snapshot of the running load generator.
package status

import (
	"encoding/json"
	"net/http"

	"cpuload/pkg/lifecycle"
)

// Coordinator exposes the status surface required by the handler.
type Coordinator interface {
	State() lifecycle.State
	Workers() int
	Running() int
	StopRequested() bool
}

// Snapshot captures the coordinator status returned by the handler.
type Snapshot struct {
	State         string  `json:"state"`
	TargetPercent float64 `json:"targetPercent"`
	Workers       int     `json:"workers"`
	Running       int     `json:"running"`
	StopRequested bool    `json:"stopRequested"`
}

// Handler renders coordinator status as JSON.
type Handler struct {
	coordinator Coordinator
	target      float64
}

// NewHandler constructs a Handler reporting target alongside coordinator state.
func NewHandler(coordinator Coordinator, target float64) *Handler {
	return &Handler{coordinator: coordinator, target: target}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	if h == nil || h.coordinator == nil {
		http.Error(writer, "coordinator unavailable", http.StatusServiceUnavailable)

		return
	}

	snapshot := Snapshot{
		State:         h.coordinator.State().String(),
		TargetPercent: h.target,
		Workers:       h.coordinator.Workers(),
		Running:       h.coordinator.Running(),
		StopRequested: h.coordinator.StopRequested(),
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		http.Error(writer, "marshal status", http.StatusInternalServerError)

		return
	}

	writer.Header().Set("Content-Type", "application/json")
	_, _ = writer.Write(payload)
}
