/*
Package ingress 提供音频输入：WAV / float32 文件来源、浏览器音频帧解码与固定大小切块。

  - FileSource     ：实现 pipeline.Source，按实时节拍推送文件音频，可循环
  - DecodeFloat32LE：解码 WebSocket 二进制消息中的小端 float32 采样
  - Chunker        ：将任意长度的采样流切为 chunk_size 大小的块并推算采集时间
  - DecodeWAV      ：16-bit PCM WAV 解析，跳过扩展块，多声道混为单声道
*/
package ingress
