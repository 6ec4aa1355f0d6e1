package egress

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/livehead/internal/pool"
	"github.com/BaSui01/livehead/pipeline"
	"github.com/BaSui01/livehead/types"
)

// DefaultJPEGQuality 实时通道默认 JPEG 质量.
const DefaultJPEGQuality = 80

// LiveConfig 实时通道出口配置.
type LiveConfig struct {
	SessionID string
	// Quality JPEG 质量 1-100
	Quality int
	// Width/Height 非零时在编码前缩放
	Width  int
	Height int
	// WriteTimeout 单帧写超时
	WriteTimeout time.Duration
}

// Live 编码为 JPEG 后经 MessageWriter 推送的出口.
type Live struct {
	cfg    LiveConfig
	w      MessageWriter
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	sent   uint64
}

// NewLive 创建实时通道出口.
func NewLive(cfg LiveConfig, w MessageWriter, logger *zap.Logger) (*Live, error) {
	if w == nil {
		return nil, errors.New("live egress requires a message writer")
	}
	if cfg.Quality == 0 {
		cfg.Quality = DefaultJPEGQuality
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("jpeg quality must be in [1,100], got %d", cfg.Quality)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Live{
		cfg:    cfg,
		w:      w,
		logger: logger.With(zap.String("component", "live_egress"), zap.String("session_id", cfg.SessionID)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Open 实现 pipeline.Egress.
func (l *Live) Open(context.Context) error {
	if l.isClosed() {
		return errEgressClosed
	}
	return nil
}

// Sent 返回已发送帧数.
func (l *Live) Sent() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

// Deliver 编码并发送一帧.
func (l *Live) Deliver(ctx context.Context, it *pipeline.Item) error {
	frame, ok := it.Payload.(pipeline.RGBFrame)
	if !ok || !frame.Valid() {
		return pipeline.ItemError(fmt.Errorf("unexpected egress payload %T", it.Payload))
	}
	if l.cfg.Width > 0 && l.cfg.Height > 0 {
		frame = frame.Resize(l.cfg.Width, l.cfg.Height)
	}
	data, err := EncodeJPEG(frame, l.cfg.Quality)
	if err != nil {
		return pipeline.ItemError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	msg := Message{
		Type:      MessageFrame,
		SessionID: l.cfg.SessionID,
		Seq:       it.Seq,
		Data:      data,
		Width:     frame.Width,
		Height:    frame.Height,
		Timestamp: unixSeconds(time.Now()),
	}
	if !it.CapturedAt.IsZero() {
		msg.LatencyMS = float64(time.Since(it.CapturedAt).Microseconds()) / 1000
	}
	if err := l.w.WriteMessage(ctx, msg); err != nil {
		if l.isClosed() {
			return errEgressClosed
		}
		// 浏览器断开即出口不可用
		return types.NewError(types.ErrEgressFailure, "live channel write failed").WithStage("egress").WithCause(err)
	}

	l.mu.Lock()
	l.sent++
	l.mu.Unlock()
	return nil
}

func (l *Live) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close 打断进行中的发送，并尽力发送 end 消息。幂等.
func (l *Live) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sent := l.sent
	l.mu.Unlock()
	l.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.w.WriteMessage(ctx, Message{Type: MessageEnd, SessionID: l.cfg.SessionID}); err != nil {
		l.logger.Debug("send end message", zap.Error(err))
	}
	l.logger.Info("live egress closed", zap.Uint64("frames_sent", sent))
	return nil
}

// EncodeJPEG 将帧编码为 base64 JPEG.
func EncodeJPEG(f pipeline.RGBFrame, quality int) (string, error) {
	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)
	if err := jpeg.Encode(buf, f.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
