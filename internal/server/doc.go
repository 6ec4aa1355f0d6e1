// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程。控制面与指标端口各使用一个 Manager。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道。
  - Config：服务器配置，包含监听名称与地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时；APIConfig / MetricsConfig 由
    config.ServerConfig 生成两个端口的配置。
  - ConnStats：由 http.Server 管理的连接数与累计升级为 WebSocket 的连接数。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放，
    OnShutdown 注册的钩子用于关闭已劫持的 WebSocket 连接。
  - 信号监听：WaitForSignal 监听 SIGINT/SIGTERM 与各服务器的异常退出。
*/
package server
