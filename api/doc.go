// Package api 定义 LiveHead HTTP 控制面的请求与响应类型。
//
// # API Overview
//
// LiveHead 提供以下 HTTP 端点：
//   - POST   /start_stream/{stream_id}  启动推流会话
//   - DELETE /stop_stream/{stream_id}   排空并停止会话
//   - GET    /streams                   运行中的会话
//   - GET    /streams/{stream_id}       单个会话，或最近一次终态摘要
//   - GET    /streams/history           最近结束的会话
//   - GET    /health, /healthz, /ready, /version
//   - GET    /         实时通道演示页面
//   - GET    /ws       实时通道（WebSocket）
//
// Prometheus 指标在独立端口的 /metrics 上提供。
//
// # Response Envelope
//
// 控制面响应统一为：
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "NOT_FOUND", "message": "..."}, "timestamp": "..."}
//
// # Base URL
//
// 默认地址：
//
//	http://localhost:8000
package api
