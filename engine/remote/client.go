// Package remote 通过 HTTP 调用外部推理服务.
//
// 每个会话的每个阶段在服务端持有独立句柄：
//
//	POST   {endpoint}/v1/sessions/{session}/stages/{stage}          打开句柄（请求体为推理参数）
//	POST   {endpoint}/v1/sessions/{session}/stages/{stage}/process  处理一个元素
//	DELETE {endpoint}/v1/sessions/{session}/stages/{stage}          释放句柄
//	GET    {endpoint}/healthz                                        服务就绪检查
//
// process 返回 200 携带输出元素，204 表示已缓冲暂无输出；
// 4xx 视为单条失败，连接错误或重试耗尽后的 5xx 视为致命失败。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/BaSui01/livehead/engine"
	"github.com/BaSui01/livehead/internal/tlsutil"
)

// Config 远程引擎客户端配置.
type Config struct {
	Endpoint     string        `json:"endpoint"`
	Timeout      time.Duration `json:"timeout"`
	MaxRetries   int           `json:"max_retries"`
	RetryWaitMin time.Duration `json:"retry_wait_min"`
	RetryWaitMax time.Duration `json:"retry_wait_max"`
	// MaxSessions 并发会话上限，用于确定空闲连接池大小
	MaxSessions int `json:"max_sessions"`
}

// Client 远程推理服务客户端，可在同一会话的多个阶段间共享.
type Client struct {
	endpoint *url.URL
	http     *retryablehttp.Client
	logger   *zap.Logger
}

// statusError 非 2xx 响应.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference service returned %d: %s", e.status, e.body)
}

// NewClient 创建客户端.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote engine endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = tlsutil.InferenceClient(cfg.Timeout, tlsutil.PoolSize{
		MaxSessions:      cfg.MaxSessions,
		StagesPerSession: len(engine.StageOrder),
	})
	rc.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug("retrying inference request", zap.String("url", req.URL.Path), zap.Int("attempt", attempt))
		}
	}
	// 4xx 不重试，其余沿用默认策略
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	// 重试耗尽时返回最后一次响应，由调用方分类
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		endpoint: u,
		http:     rc,
		logger:   logger.With(zap.String("component", "remote_engine")),
	}, nil
}

func (c *Client) stageURL(session, stage string, suffix ...string) string {
	parts := append([]string{"v1", "sessions", session, "stages", stage}, suffix...)
	return c.endpoint.JoinPath(parts...).String()
}

// Ping 检查推理服务是否就绪.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, c.endpoint.JoinPath("healthz").String(), nil)
	return err
}

// do 发送请求并返回状态码与响应体；非 2xx 时返回 *statusError.
func (c *Client) do(ctx context.Context, method, rawURL string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return resp.StatusCode, nil, &statusError{status: resp.StatusCode, body: msg}
	}
	return resp.StatusCode, data, nil
}
