package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	// minIdlePerHost 未配置会话上限时推理服务的空闲连接数
	minIdlePerHost = 8
	// maxIdlePerHost 空闲连接上限，避免会话上限很大时占满推理服务的连接表
	maxIdlePerHost = 256
)

// DefaultTLSConfig 返回加固的 TLS 配置：最低 TLS 1.2，仅 AEAD 密码套件。
// TLS 1.3 的套件由标准库固定，不受 CipherSuites 影响。
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// RedisTLSConfig 返回连接历史存储 Redis 的 TLS 配置，ServerName 取自 host:port 地址.
func RedisTLSConfig(addr string) *tls.Config {
	cfg := DefaultTLSConfig()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if net.ParseIP(host) == nil {
		cfg.ServerName = host
	}
	return cfg
}

// PoolSize 描述推理服务上的并发连接需求.
type PoolSize struct {
	// MaxSessions 并发会话上限，0 表示未限制
	MaxSessions int
	// StagesPerSession 每个会话的远程阶段数
	StagesPerSession int
}

// IdlePerHost 每个会话的每个阶段各一条长连接，限制在 [8, 256].
func (p PoolSize) IdlePerHost() int {
	n := p.MaxSessions * p.StagesPerSession
	return min(max(n, minIdlePerHost), maxIdlePerHost)
}

// InferenceTransport 返回推理调用使用的 Transport.
func InferenceTransport(p PoolSize) *http.Transport {
	idle := p.IdlePerHost()
	return &http.Transport{
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          idle * 2,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// InferenceClient 返回使用 InferenceTransport 的 http.Client；timeout 为单次调用上限
func InferenceClient(timeout time.Duration, p PoolSize) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: InferenceTransport(p),
	}
}
