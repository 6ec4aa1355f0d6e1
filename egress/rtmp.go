package egress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BaSui01/livehead/pipeline"
	"github.com/BaSui01/livehead/types"
)

// ============================================================
// 子进程抽象
// ============================================================

// Process 一个运行中的编码器进程.
type Process interface {
	Stdin() io.WriteCloser
	Wait() error
	Kill() error
}

// ProcessStarter 启动编码器进程.
type ProcessStarter interface {
	Start(ctx context.Context, name string, args []string) (Process, error)
}

// ExecStarter 通过 os/exec 启动进程，stderr 尾部写入日志.
type ExecStarter struct {
	Logger *zap.Logger
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	logger *zap.Logger
}

// Start 实现 ProcessStarter.
func (s ExecStarter) Start(_ context.Context, name string, args []string) (Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	// 进程生命周期由 Close 控制，不绑定 ctx
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	tail := &tailBuffer{limit: 4096}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stderr: tail, logger: logger}, nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil {
		p.logger.Warn("encoder exited", zap.Error(err), zap.String("stderr", p.stderr.String()))
	}
	return err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// tailBuffer 只保留最近 limit 字节.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ============================================================
// RTMP 出口
// ============================================================

// RTMPConfig RTMP 出口配置.
type RTMPConfig struct {
	URL    string `yaml:"url" json:"url"`
	FFmpeg string `yaml:"ffmpeg" json:"ffmpeg"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
	FPS    int    `yaml:"fps" json:"fps"`
	// GOP 关键帧间隔
	GOP int `yaml:"gop" json:"gop"`
	// MaxRetries 写入失败后重启编码器的最大次数
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// CloseTimeout 关闭 stdin 后等待编码器退出的时长，超时则强杀
	CloseTimeout time.Duration `yaml:"close_timeout" json:"close_timeout"`
}

// Validate 校验配置.
func (c RTMPConfig) Validate() error {
	if c.URL == "" {
		return errors.New("rtmp url is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid output size %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("invalid fps %d", c.FPS)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

func (c RTMPConfig) withDefaults() RTMPConfig {
	if c.FFmpeg == "" {
		c.FFmpeg = "ffmpeg"
	}
	if c.GOP <= 0 {
		c.GOP = 30
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	return c
}

// Args 返回 ffmpeg 命令行参数.
func (c RTMPConfig) Args() []string {
	c = c.withDefaults()
	return []string{
		"-y",
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-r", strconv.Itoa(c.FPS),
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", strconv.Itoa(c.GOP),
		"-sc_threshold", "0",
		"-f", "flv",
		c.URL,
	}
}

var errEgressClosed = errors.New("egress closed")

// RTMP 通过 ffmpeg 子进程推流的出口.
type RTMP struct {
	cfg     RTMPConfig
	starter ProcessStarter
	logger  *zap.Logger

	mu       sync.Mutex
	proc     Process
	closed   bool
	restarts int

	// closeCtx 在 Close 时取消，用于打断重试等待
	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeOnce   sync.Once
}

// NewRTMP 创建 RTMP 出口；starter 为 nil 时使用 ExecStarter.
func NewRTMP(cfg RTMPConfig, starter ProcessStarter, logger *zap.Logger) (*RTMP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if starter == nil {
		starter = ExecStarter{Logger: logger}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RTMP{
		cfg:         cfg.withDefaults(),
		starter:     starter,
		logger:      logger.With(zap.String("component", "rtmp_egress")),
		closeCtx:    ctx,
		closeCancel: cancel,
	}, nil
}

// Restarts 返回编码器重启次数.
func (r *RTMP) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Open 启动编码器子进程.
func (r *RTMP) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errEgressClosed
	}
	if err := r.startLocked(ctx); err != nil {
		return types.NewError(types.ErrEgressFailure, "start encoder").WithStage("egress").WithCause(err)
	}
	r.logger.Info("encoder started", zap.String("url", r.cfg.URL), zap.Int("width", r.cfg.Width), zap.Int("height", r.cfg.Height))
	return nil
}

func (r *RTMP) startLocked(ctx context.Context) error {
	proc, err := r.starter.Start(ctx, r.cfg.FFmpeg, r.cfg.Args())
	if err != nil {
		return err
	}
	r.proc = proc
	return nil
}

// Deliver 写入一帧，写失败时按退避策略重启编码器后重写.
func (r *RTMP) Deliver(ctx context.Context, it *pipeline.Item) error {
	frame, ok := it.Payload.(pipeline.RGBFrame)
	if !ok || !frame.Valid() {
		return pipeline.ItemError(fmt.Errorf("unexpected egress payload %T", it.Payload))
	}
	frame = frame.Resize(r.cfg.Width, r.cfg.Height)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialBackoff
	policy.MaxInterval = r.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.closeCtx, cancel)
	defer stop()

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return r.write(ctx, frame.Pix, attempt > 1)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxRetries)), ctx))
	if err == nil {
		return nil
	}
	if r.isClosed() || errors.Is(err, context.Canceled) {
		return errEgressClosed
	}
	return types.NewError(types.ErrEgressFailure, "rtmp write failed").WithStage("egress").WithCause(err)
}

func (r *RTMP) write(ctx context.Context, pix []byte, restart bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return backoff.Permanent(errEgressClosed)
	}
	if restart || r.proc == nil {
		r.stopLocked()
		if err := r.startLocked(ctx); err != nil {
			r.mu.Unlock()
			r.logger.Warn("restart encoder", zap.Error(err))
			return err
		}
		r.restarts++
		r.logger.Info("encoder restarted", zap.Int("restarts", r.restarts))
	}
	stdin := r.proc.Stdin()
	r.mu.Unlock()

	// 写操作在锁外进行，Close 关闭 stdin 即可打断阻塞的写
	if _, err := stdin.Write(pix); err != nil {
		r.logger.Warn("encoder write failed", zap.Error(err))
		return err
	}
	return nil
}

// stopLocked 终止当前进程，不等待优雅退出.
func (r *RTMP) stopLocked() {
	if r.proc == nil {
		return
	}
	_ = r.proc.Stdin().Close()
	_ = r.proc.Kill()
	proc := r.proc
	r.proc = nil
	go func() { _ = proc.Wait() }()
}

func (r *RTMP) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close 关闭 stdin 并等待编码器退出，超过 CloseTimeout 后强杀。幂等.
func (r *RTMP) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		proc := r.proc
		r.proc = nil
		r.mu.Unlock()
		r.closeCancel()

		if proc == nil {
			return
		}
		_ = proc.Stdin().Close()
		waitCh := make(chan error, 1)
		go func() { waitCh <- proc.Wait() }()

		timer := time.NewTimer(r.cfg.CloseTimeout)
		defer timer.Stop()
		select {
		case werr := <-waitCh:
			if werr != nil {
				r.logger.Debug("encoder exit status", zap.Error(werr))
			}
		case <-timer.C:
			r.logger.Warn("encoder did not exit in time, killing", zap.Duration("timeout", r.cfg.CloseTimeout))
			err = proc.Kill()
		}
		r.logger.Info("encoder stopped")
	})
	return err
}
