package session

import (
	"time"

	"github.com/BaSui01/livehead/pipeline"
	"github.com/BaSui01/livehead/types"
)

// Kind 会话的出口类型.
type Kind string

const (
	// KindRTMP 推流到 RTMP 地址
	KindRTMP Kind = "rtmp"
	// KindLive 通过实时通道推送 JPEG 帧
	KindLive Kind = "live"
)

// Request 启动会话的请求.
type Request struct {
	ID         string `json:"-"`
	SourcePath string `json:"source_path"`
	RTMPURL    string `json:"rtmp_url"`
	// AudioPath 可选的音频文件；为空时通过 Push 推送音频
	AudioPath string `json:"audio_path,omitempty"`

	Kind Kind `json:"-"`
	// Egress 实时通道会话由调用方提供出口
	Egress pipeline.Egress `json:"-"`
}

// Summary 会话快照；终态摘要同时写入 History.
type Summary struct {
	ID            string                 `json:"id"`
	Kind          Kind                   `json:"kind"`
	State         pipeline.State         `json:"state"`
	Degraded      bool                   `json:"degraded"`
	SourcePath    string                 `json:"source_path"`
	RTMPURL       string                 `json:"rtmp_url,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	EndedAt       *time.Time             `json:"ended_at,omitempty"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Delivered     uint64                 `json:"delivered"`
	Stages        []pipeline.StageHealth `json:"stages,omitempty"`
	Egress        *pipeline.StageHealth  `json:"egress,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	ErrorCode     types.ErrorCode        `json:"error_code,omitempty"`
}

func liveSummary(s *Session, h pipeline.Health) Summary {
	egress := h.Egress
	sum := Summary{
		ID:            s.ID,
		Kind:          s.Kind,
		State:         h.State,
		Degraded:      h.Degraded,
		SourcePath:    s.SourcePath,
		RTMPURL:       s.RTMPURL,
		StartedAt:     s.StartedAt,
		UptimeSeconds: h.Uptime.Seconds(),
		Delivered:     egress.Processed,
		Stages:        h.Stages,
		Egress:        &egress,
		Reason:        h.Error,
	}
	return sum
}

func terminalSummary(s *Session, r pipeline.Report, reason string) Summary {
	ended := r.EndedAt
	sum := Summary{
		ID:         s.ID,
		Kind:       s.Kind,
		State:      r.State,
		SourcePath: s.SourcePath,
		RTMPURL:    s.RTMPURL,
		StartedAt:  s.StartedAt,
		EndedAt:    &ended,
		Delivered:  r.Delivered,
		Stages:     r.Stages,
		Reason:     reason,
	}
	if !r.StartedAt.IsZero() {
		sum.UptimeSeconds = r.EndedAt.Sub(r.StartedAt).Seconds()
	}
	if r.Err != nil {
		sum.Reason = r.Reason
		sum.ErrorCode = types.GetErrorCode(r.Err)
	}
	return sum
}
