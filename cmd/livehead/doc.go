// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
Package main 提供 LiveHead 服务端程序入口。

# 概述

cmd/livehead 是 LiveHead 的可执行入口，提供推流控制面、浏览器实时通道、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及日志级别热更新。

# 核心类型

  - Server          ：主服务器，管理 HTTP、Metrics 双端口、会话注册表及优雅关闭
  - Middleware      ：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
    RequestLogger、Metrics、CORS、RateLimiter（基于 IP）
  - 历史存储：memory 或 redis，Redis 不可用时退回内存
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止所有会话 → 关闭 HTTP → 关闭 Metrics → 关闭 Redis/遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
