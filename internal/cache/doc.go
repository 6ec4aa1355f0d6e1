// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理能力，支持连接池、健康检查
与 JSON 序列化。

# 概述

本包封装 go-redis 客户端，会话历史存储使用它持久化终态摘要，
使多个实例共享会话查询结果。Manager 负责连接生命周期管理，
包括初始化、周期健康检查与优雅关闭。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/Delete/Ping 基础操作、
    GetJSON/SetJSON 序列化方法，以及 PushRecent/Recent 最近列表。
  - Config：缓存配置，包含地址、密码、连接池大小、默认 TTL
    与健康检查间隔。
*/
package cache
