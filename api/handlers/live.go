package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/livehead/egress"
	"github.com/BaSui01/livehead/ingress"
	"github.com/BaSui01/livehead/session"
	"github.com/BaSui01/livehead/types"
)

// LiveMetrics 实时通道指标，由 *metrics.Collector 实现
type LiveMetrics interface {
	LiveChannelOpened()
	LiveChannelClosed()
	RecordAudioSamples(n int)
}

type nopLiveMetrics struct{}

func (nopLiveMetrics) LiveChannelOpened()     {}
func (nopLiveMetrics) LiveChannelClosed()     {}
func (nopLiveMetrics) RecordAudioSamples(int) {}

// LiveConfig 实时通道参数
type LiveConfig struct {
	SampleRate      int
	ChunkSize       int
	MaxMessageBytes int64
	JPEGQuality     int
	Width           int
	Height          int
	// StartTimeout 等待客户端 start 消息的时长
	StartTimeout time.Duration
	// StopTimeout 通道关闭后等待会话排空的时长
	StopTimeout time.Duration
	// OriginPatterns 允许的跨域来源，空表示仅同源
	OriginPatterns []string
}

// =============================================================================
// 📡 实时通道 Handler
// =============================================================================

// LiveHandler 实时通道：浏览器推送 float32 音频，服务端回推 JPEG 帧
//
// 协议：
//
//	→ {"type":"start","source_path":"..."}
//	← {"type":"started","session_id":"..."}
//	→ 二进制帧：小端 float32 单声道 16 kHz 采样
//	← {"type":"frame","seq":n,"data":"<base64 jpeg>","timestamp":t}
//	→ {"type":"stop"}
//	← {"type":"error","code":"...","message":"..."} / {"type":"end"}
//
// 通道关闭即停止会话。
type LiveHandler struct {
	sessions SessionService
	cfg      LiveConfig
	metrics  LiveMetrics
	logger   *zap.Logger
}

// NewLiveHandler 创建实时通道处理器
func NewLiveHandler(sessions SessionService, cfg LiveConfig, m LiveMetrics, logger *zap.Logger) *LiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = nopLiveMetrics{}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 640
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &LiveHandler{
		sessions: sessions,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With(zap.String("handler", "live")),
	}
}

// Register 注册路由
func (h *LiveHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleWS)
}

// HandleWS 处理 GET /ws
func (h *LiveHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	ws := egress.NewWSConn(conn, h.logger)
	h.metrics.LiveChannelOpened()
	defer h.metrics.LiveChannelClosed()

	code, reason := h.serve(r.Context(), ws)
	_ = ws.Close(code, reason)
}

// serve 驱动一个实时通道，返回关闭码.
func (h *LiveHandler) serve(ctx context.Context, ws *egress.WSConn) (websocket.StatusCode, string) {
	start, err := h.awaitStart(ctx, ws)
	if err != nil {
		h.sendError(ctx, ws, "", err)
		return websocket.StatusPolicyViolation, "start expected"
	}

	id := uuid.NewString()
	logger := h.logger.With(zap.String("session_id", id))

	out, err := egress.NewLive(egress.LiveConfig{
		SessionID: id,
		Quality:   h.cfg.JPEGQuality,
		Width:     h.cfg.Width,
		Height:    h.cfg.Height,
	}, ws, logger)
	if err != nil {
		h.sendError(ctx, ws, id, types.NewError(types.ErrInternalError, "live egress unavailable").WithCause(err))
		return websocket.StatusInternalError, "egress"
	}

	s, err := h.sessions.StartSession(ctx, session.Request{
		ID:         id,
		Kind:       session.KindLive,
		SourcePath: start.SourcePath,
		Egress:     out,
	})
	if err != nil {
		h.sendError(ctx, ws, id, err)
		return websocket.StatusNormalClosure, "start failed"
	}
	if err := ws.WriteMessage(ctx, egress.Message{Type: egress.MessageStarted, SessionID: id}); err != nil {
		_ = out.Close()
		h.stop(logger, id)
		return websocket.StatusGoingAway, ""
	}
	logger.Info("live channel started", zap.String("source_path", start.SourcePath))

	// 会话自行结束（故障）时先上报错误，再取消读取；取消进行中的读取会关闭连接
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var reported atomic.Bool
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		select {
		case <-s.Done():
			if sum, ok := s.Final(); ok && sum.ErrorCode != "" {
				h.sendError(ctx, ws, id, types.NewError(sum.ErrorCode, sum.Reason))
				reported.Store(true)
			}
			cancel()
		case <-readCtx.Done():
		}
	}()

	gone := h.pump(readCtx, ws, s, logger)
	cancel()
	watch.Wait()

	if gone {
		// 客户端已断开，关闭出口使排空阶段的帧直接丢弃
		_ = out.Close()
	}
	sum, ok := h.stop(logger, id)
	if ok && sum.ErrorCode != "" {
		if !reported.Load() && !gone {
			h.sendError(context.Background(), ws, id, types.NewError(sum.ErrorCode, sum.Reason))
		}
		return websocket.StatusInternalError, string(sum.ErrorCode)
	}
	return websocket.StatusNormalClosure, ""
}

func (h *LiveHandler) awaitStart(ctx context.Context, ws *egress.WSConn) (egress.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StartTimeout)
	defer cancel()

	typ, data, err := ws.Read(ctx)
	if err != nil {
		return egress.Message{}, types.NewError(types.ErrInvalidRequest, "no start message").WithCause(err)
	}
	var msg egress.Message
	if typ != websocket.MessageText || json.Unmarshal(data, &msg) != nil || msg.Type != egress.MessageStart {
		return egress.Message{}, types.NewError(types.ErrInvalidRequest, `first message must be {"type":"start"}`)
	}
	if msg.SourcePath == "" {
		return egress.Message{}, types.NewError(types.ErrInvalidRequest, "source_path is required")
	}
	return msg, nil
}

// pump 读取音频直到客户端发送 stop、断开或会话结束；客户端断开时返回 true.
func (h *LiveHandler) pump(ctx context.Context, ws *egress.WSConn, s *session.Session, logger *zap.Logger) bool {
	chunker := ingress.NewChunker(h.cfg.ChunkSize, h.cfg.SampleRate)
	defer func() {
		if c, at, ok := chunker.Flush(); ok {
			_, _ = s.Push(c, at)
		}
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			logger.Debug("live channel read ended", zap.Error(err))
			return true
		}

		switch typ {
		case websocket.MessageBinary:
			samples, err := ingress.DecodeFloat32LE(data)
			if err != nil {
				logger.Debug("drop malformed audio frame", zap.Int("bytes", len(data)), zap.Error(err))
				continue
			}
			h.metrics.RecordAudioSamples(len(samples))
			chunks, times := chunker.Add(samples, time.Now())
			for i, c := range chunks {
				if _, err := s.Push(c, times[i]); err != nil {
					return false
				}
			}
		case websocket.MessageText:
			var msg egress.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == egress.MessageStop {
				logger.Info("live channel stop requested")
				return false
			}
		}
	}
}

// stop 停止会话并返回终态摘要；会话已自行结束时读取其终态.
func (h *LiveHandler) stop(logger *zap.Logger, id string) (session.Summary, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StopTimeout)
	defer cancel()

	sum, err := h.sessions.StopSession(ctx, id)
	if err == nil {
		return sum, true
	}
	if !types.IsCode(err, types.ErrNotFound) {
		logger.Warn("stop live session", zap.Error(err))
		return session.Summary{}, false
	}
	sum, err = h.sessions.Lookup(ctx, id)
	if err != nil {
		return session.Summary{}, false
	}
	return sum, true
}

func (h *LiveHandler) sendError(ctx context.Context, ws *egress.WSConn, id string, err error) {
	var apiErr *types.Error
	if !errors.As(err, &apiErr) {
		apiErr = types.NewError(types.ErrInternalError, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = ws.WriteMessage(ctx, egress.Message{
		Type:      egress.MessageError,
		SessionID: id,
		Code:      string(apiErr.Code),
		Message:   apiErr.Message,
	})
}
