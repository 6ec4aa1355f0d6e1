package api

import "github.com/BaSui01/livehead/session"

// =============================================================================
// 推流控制类型
// =============================================================================

// StartStreamRequest 启动推流请求体.
// @Description POST /start_stream/{stream_id} 请求结构
type StartStreamRequest struct {
	// 源人像图片路径（服务端可读）
	SourcePath string `json:"source_path" example:"/data/faces/anchor.png" binding:"required"`
	// 推流目标地址
	RTMPURL string `json:"rtmp_url" example:"rtmp://localhost/live/s1" binding:"required"`
	// 可选音频文件；为空时会话等待实时音频
	AudioPath string `json:"audio_path,omitempty" example:"/data/audio/speech.wav"`
}

// StreamListResponse 运行中的推流列表.
// @Description GET /streams 响应结构
type StreamListResponse struct {
	Streams []session.Summary `json:"streams"`
	Count   int               `json:"count"`
	// 运行中推流的 id
	ActiveStreams []string `json:"active_streams"`
}

// StreamHistoryResponse 最近结束的推流.
// @Description GET /streams/history 响应结构
type StreamHistoryResponse struct {
	Streams []session.Summary `json:"streams"`
	Count   int               `json:"count"`
	Backend string            `json:"backend"`
}
