// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
Package pipeline 实现单个会话的实时推理流水线。

# 概述

一条流水线由若干有界 Queue 与 Adapter 交替串联而成：

	ingress → Q(audio) → [audio2motion] → Q(motion) → [stitch] → Q(stitched)
	        → [warp] → Q(warp) → [decode] → Q(decoded) → [putback] → Q(video) → egress

每个阶段运行在独立的 goroutine 上，阶段之间只通过 Queue 传递 Item。

# 核心类型

  - Queue      ：有界 FIFO，满时按 DropPolicy 丢弃（drop_oldest / drop_newest），Push 永不阻塞
  - Item       ：队列元素，携带严格递增的 Seq、采集时间与入队时间
  - Adapter    ：推理阶段契约：Open / Process / Close，可选 Flusher
  - Egress     ：视频出口契约：Open / Deliver / Close
  - Runner     ：状态机 starting → running → draining → stopped，另有 failed 终态
  - StageError ：阶段错误分类：单条失败（继续）或致命失败（拆除流水线）

# 看门狗

阶段持有待处理输入且在 WatchdogTimeout 内没有任何一次成功调用时，
Runner 将该阶段标记为 failed 并强制进入 failed 终态，不等待卡住的调用返回。
*/
package pipeline
