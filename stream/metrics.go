package stream

import (
	"time"

	"vision-stream-server/source"
)

// Metrics is a per-session snapshot computed on read from live reader and
// bus state.
type Metrics struct {
	SessionID         string  `json:"session_id"`
	Status            Status  `json:"status"`
	State             string  `json:"state"`
	FPS               float64 `json:"fps"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	P95LatencyMs      float64 `json:"p95_latency_ms"`
	DroppedFrames     uint64  `json:"dropped_frames"`
	TotalFrames       uint64  `json:"total_frames"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
	QueueDepth        int     `json:"queue_depth"`
	DeliveredFrames   uint64  `json:"delivered_frames"`
	FailedDeliveries  uint64  `json:"failed_deliveries"`
	LastSequence      uint64  `json:"last_sequence"`
	Error             string  `json:"error,omitempty"`
}

// Info describes one registered session.
type Info struct {
	SessionID string      `json:"session_id"`
	Kind      source.Kind `json:"source_kind"`
	// Source is the redacted URL or device reference.
	Source    string    `json:"source"`
	TargetFPS int       `json:"target_fps"`
	StartedAt time.Time `json:"started_at"`
	Metrics   Metrics   `json:"metrics"`
}

func (m *Manager) metricsFor(s *session) Metrics {
	status, lastErr := s.snapshot()
	out := Metrics{
		SessionID:         s.id,
		Status:            status,
		State:             s.reader.State().String(),
		FPS:               s.reader.FPS(),
		AvgLatencyMs:      s.reader.AverageLatency(),
		P95LatencyMs:      s.reader.P95Latency(),
		TotalFrames:       s.reader.TotalFrames(),
		ReconnectAttempts: s.reader.FailedAttempts(),
		LastSequence:      s.sequence.Load(),
	}
	if lastErr != nil {
		out.Error = lastErr.Error()
	}
	if q, ok := m.bus.Stats(s.id); ok {
		out.DroppedFrames = q.Dropped
		out.QueueDepth = q.Depth
		out.DeliveredFrames = q.Delivered
		out.FailedDeliveries = q.Failed
	}
	return out
}
