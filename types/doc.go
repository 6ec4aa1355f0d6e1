// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
Package types 提供 LiveHead 服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 pipeline、session、
api 等上层模块提供统一的错误码与上下文键，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码、Retryable、Stage 标记
  - StatusFor        ：错误码到默认 HTTP 状态码的映射

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithSessionID
  - 错误工具链：GetErrorCode / IsCode / IsRetryable
*/
package types
