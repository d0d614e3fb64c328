package echo

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status        string  `json:"status"`
	Reason        string  `json:"reason,omitempty"`
	Addr          string  `json:"addr,omitempty"`
	Workers       int     `json:"workers"`
	Connections   int64   `json:"connections"`
	Frames        int64   `json:"frames"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// healthHandler 健康检查处理
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Workers:     s.sched.Workers(),
		Connections: s.connections.Load(),
		Frames:      s.frames.Load(),
	}
	if s.addr != nil {
		health.Addr = s.addr.String()
	}

	w.Header().Set("Content-Type", "application/json")
	if s.serving.Load() {
		health.Status = "healthy"
		health.UptimeSeconds = time.Since(s.startTime).Seconds()
		w.WriteHeader(http.StatusOK)
	} else {
		health.Status = "unhealthy"
		health.Reason = "not_serving"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(health)
}
