// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、会话与流水线三个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
Collector 实现 pipeline.Observer，由每个会话的 Runner 直接回调。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 会话指标：当前会话数、启动结果、终态与原因、历史查询命中率、
    实时通道连接数与收到的音频采样数。
  - 流水线指标：阶段耗时与超预算次数、单条失败数、队列丢弃数
    （按 queue/policy 分组）、交付帧数与端到端延迟。
*/
package metrics
