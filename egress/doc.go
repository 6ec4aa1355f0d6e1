// Copyright (c) LiveHead Authors.
// Licensed under the MIT License.

/*
Package egress 提供流水线的视频出口实现。

# 概述

egress 实现 pipeline.Egress 契约，把合成后的 RGB 帧交付到外部：

  - RTMP：启动 ffmpeg 子进程，将 rgb24 原始帧写入其标准输入，
    由 ffmpeg 编码为 H.264 并推送到 RTMP 地址。写入失败时按指数退避
    有限次重启子进程，重试耗尽后返回 EGRESS_FAILURE 致命错误。
  - Live：将帧编码为 JPEG 并以 base64 封装在 JSON 消息中，
    通过 MessageWriter（通常是 WebSocket 连接）推送给浏览器。

两种出口的 Close 都可以与进行中的 Deliver 并发调用，并使其尽快返回。
*/
package egress
