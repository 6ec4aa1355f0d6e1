// Package tlsutil 提供集中式 TLS 与连接池配置。
//
// 远程推理客户端按会话上限 × 阶段数确定空闲长连接数（InferenceClient）；
// Redis 历史存储使用带 ServerName 的 TLS 配置（RedisTLSConfig）。
// 两者均为 TLS 1.2+，仅 AEAD 密码套件。
package tlsutil
