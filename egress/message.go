package egress

import "time"

// 实时通道消息类型
const (
	MessageStart   = "start"
	MessageStarted = "started"
	MessageStop    = "stop"
	MessageFrame   = "frame"
	MessageError   = "error"
	MessageEnd     = "end"
)

// Message 实时通道上的 JSON 消息.
type Message struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id,omitempty"`
	Seq       uint64  `json:"seq,omitempty"`
	Data      string  `json:"data,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
	// LatencyMS 采集到发送的端到端延迟
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	SourcePath string  `json:"source_path,omitempty"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
