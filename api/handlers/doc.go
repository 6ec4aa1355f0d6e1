// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 LiveHead HTTP 控制面与实时通道的请求处理器实现。

# 概述

handlers 包实现推流会话的启动、停止与查询，浏览器实时通道（WebSocket），
健康/就绪检查以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http
接口，并通过 Register 挂载到 http.ServeMux 的方法路由上。

# 核心类型

  - StreamHandler   ：/start_stream、/stop_stream、/streams 系列端点
  - LiveHandler     ：/ws 实时通道：float32 音频上行，JPEG 帧下行
  - DemoHandler     ：/ 演示页面与 /static 资源
  - HealthHandler   ：服务健康检查（/health, /healthz, /ready, /version）
  - Response        ：统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo       ：结构化错误信息，含 code、message、stage、retryable
  - ResponseWriter  ：包装 http.ResponseWriter 以捕获状态码，保留 Hijacker

# 主要能力

  - 统一响应格式：WriteSuccess / WriteStatus / WriteError 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）
  - ErrorCode → HTTP 状态码自动映射（types.StatusFor）
  - 单个会话故障不影响 /health：存活检查只关心注册表是否可枚举
*/
package handlers
