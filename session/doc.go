// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
Package session 管理推流会话的注册表与生命周期。

# 概述

Manager 持有 stream_id → 会话 的注册表。注册表由一把互斥锁保护，
锁内只做成员关系读写，从不调用 Runner 的方法，因此一个会话的启动、
排空或故障不会阻塞其他会话与控制面查询。

# 核心类型

  - Manager：StartSession / StopSession / ListSessions / HealthCheck，
    以及 Get、Lookup、空闲回收与关闭。
  - Factory：根据请求与配置构造 pipeline.Config（推理引擎、队列、出口）。
  - History：终态摘要存储，提供内存与 Redis 两种实现。
  - Summary：会话的对外快照。

# 生命周期

会话在 StartSession 中原子地预留 id，Runner 进入 running 后对外可见。
Runner 进入终态时通过 OnTerminal 回调写入 History 并从注册表注销，
其 id 随即可以复用。
*/
package session
