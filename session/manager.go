package session

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/livehead/internal/telemetry"
	"github.com/BaSui01/livehead/pipeline"
	"github.com/BaSui01/livehead/types"
)

// 终止原因
const (
	ReasonStopped   = "stopped"
	ReasonIdle      = "idle"
	ReasonShutdown  = "shutdown"
	ReasonCompleted = "completed"
)

const (
	historyWriteTimeout = time.Second
	healthRetryInterval = 5 * time.Millisecond
)

// Factory 为一个启动请求构造流水线配置.
//
// 返回的配置由 Manager 补全 ID、Logger、Observer 与 OnTerminal。
type Factory interface {
	Build(ctx context.Context, req Request) (pipeline.Config, error)
}

// FactoryFunc 函数适配器.
type FactoryFunc func(ctx context.Context, req Request) (pipeline.Config, error)

// Build 实现 Factory.
func (f FactoryFunc) Build(ctx context.Context, req Request) (pipeline.Config, error) {
	return f(ctx, req)
}

// Metrics 会话级指标，*metrics.Collector 实现了该接口.
type Metrics interface {
	SetSessionsActive(n int)
	RecordSessionStart(result string)
	RecordSessionTermination(state, reason string)
	RecordHistoryLookup(backend string, hit bool)
}

type nopMetrics struct{}

func (nopMetrics) SetSessionsActive(int)                   {}
func (nopMetrics) RecordSessionStart(string)               {}
func (nopMetrics) RecordSessionTermination(string, string) {}
func (nopMetrics) RecordHistoryLookup(string, bool)        {}

// Options 注册表参数.
type Options struct {
	// MaxSessions 并发会话上限，0 表示不限
	MaxSessions int
	// StopTimeout StopSession 等待排空的上限
	StopTimeout time.Duration
	// IdleTimeout 推送式会话无音频输入的回收阈值，0 表示不回收
	IdleTimeout time.Duration
	// ReapInterval 空闲扫描间隔
	ReapInterval time.Duration
}

// Option 配置 Manager.
type Option func(*Manager)

// WithHistory 设置终态摘要存储，默认使用 256 条的内存存储.
func WithHistory(h History) Option {
	return func(m *Manager) { m.history = h }
}

// WithMetrics 设置会话指标.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithObserver 设置注入到每个 Runner 的流水线指标观察者.
func WithObserver(o pipeline.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger 设置日志.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// ============================================================
// 会话
// ============================================================

// Session 注册表中的一个推流会话.
type Session struct {
	ID         string
	Kind       Kind
	SourcePath string
	RTMPURL    string
	StartedAt  time.Time

	runner    *pipeline.Runner
	hasSource bool

	// 以下字段受 Manager.mu 保护
	started  bool
	stopping bool

	reason       atomic.Value // string，主动停止的原因
	lastActivity atomic.Int64
	final        atomic.Pointer[Summary]
}

// Push 推送一个音频块.
func (s *Session) Push(chunk pipeline.AudioChunk, capturedAt time.Time) (pipeline.PushResult, error) {
	s.lastActivity.Store(time.Now().UnixNano())
	return s.runner.Push(chunk, capturedAt)
}

// Done 在会话进入终态后关闭.
func (s *Session) Done() <-chan struct{} { return s.runner.Done() }

// State 返回流水线状态.
func (s *Session) State() pipeline.State { return s.runner.State() }

// Summary 返回当前快照；会话结束后返回终态摘要.
func (s *Session) Summary() Summary {
	if f := s.final.Load(); f != nil {
		return *f
	}
	return liveSummary(s, s.runner.Health())
}

// Final 返回终态摘要；会话未结束时返回 false.
func (s *Session) Final() (Summary, bool) {
	if f := s.final.Load(); f != nil {
		return *f, true
	}
	return Summary{}, false
}

func (s *Session) setReason(reason string) {
	s.reason.CompareAndSwap(nil, reason)
}

func (s *Session) stopReason() string {
	if v, ok := s.reason.Load().(string); ok {
		return v
	}
	return ""
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// ============================================================
// 注册表
// ============================================================

// Manager 会话注册表.
type Manager struct {
	factory  Factory
	opts     Options
	history  History
	metrics  Metrics
	observer pipeline.Observer
	logger   *zap.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	// starting 统计已预留但尚未返回的启动，Close 等待其归零
	starting sync.WaitGroup

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewManager 创建会话注册表；IdleTimeout>0 时启动空闲回收.
func NewManager(factory Factory, opts Options, options ...Option) *Manager {
	m := &Manager{
		factory:  factory,
		opts:     opts,
		sessions: make(map[string]*Session),
		tracer:   telemetry.Tracer(),
	}
	for _, o := range options {
		o(m)
	}
	if m.history == nil {
		m.history = NewMemoryHistory(0, 0)
	}
	if m.metrics == nil {
		m.metrics = nopMetrics{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "session_manager"))
	if m.opts.StopTimeout <= 0 {
		m.opts.StopTimeout = 10 * time.Second
	}

	if m.opts.IdleTimeout > 0 {
		if m.opts.ReapInterval <= 0 {
			m.opts.ReapInterval = min(m.opts.IdleTimeout, 30*time.Second)
		}
		m.reaperStop = make(chan struct{})
		m.reaperDone = make(chan struct{})
		go m.reapLoop()
	}
	return m
}

// History 返回终态摘要存储.
func (m *Manager) History() History { return m.history }

// StartSession 预留 id、构造并启动流水线，Runner 进入 running 后返回.
func (m *Manager) StartSession(ctx context.Context, req Request) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.start",
		trace.WithAttributes(telemetry.SessionAttributes(req.ID, string(req.Kind))...))
	defer span.End()

	s, err := m.start(ctx, req)
	if err != nil {
		span.SetAttributes(telemetry.AttrErrorCode.String(string(codeOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordSessionStart(string(codeOf(err)))
		return nil, err
	}
	m.metrics.RecordSessionStart("ok")
	return s, nil
}

func (m *Manager) start(ctx context.Context, req Request) (*Session, error) {
	if req.ID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "stream id is required").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if req.Kind == "" {
		req.Kind = KindRTMP
	}

	s := &Session{
		ID:         req.ID,
		Kind:       req.Kind,
		SourcePath: req.SourcePath,
		RTMPURL:    req.RTMPURL,
		StartedAt:  time.Now(),
	}
	s.lastActivity.Store(s.StartedAt.UnixNano())

	if err := m.reserve(s); err != nil {
		return nil, err
	}
	defer m.starting.Done()

	runner, err := m.build(ctx, s, req)
	if err == nil {
		err = runner.Start(ctx)
		if err != nil && types.GetErrorCode(err) == "" {
			err = types.NewError(types.ErrStageFatal, "pipeline failed to start").WithCause(err)
		}
	}
	if err != nil {
		m.release(s)
		m.recordStartFailure(s, err)
		m.logger.Warn("session failed to start", zap.String("session_id", s.ID), zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		// Close 已开始：不再交付会话，由启动路径自行拆除
		s.stopping = true
		m.mu.Unlock()
		m.abort(s)
		return nil, types.NewError(types.ErrServiceUnavailable, "session manager is shutting down").
			WithHTTPStatus(http.StatusServiceUnavailable)
	}
	s.started = true
	active := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessionsActive(active)

	m.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("kind", string(s.Kind)),
		zap.String("source_path", s.SourcePath),
	)
	return s, nil
}

func (m *Manager) reserve(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.NewError(types.ErrServiceUnavailable, "session manager is shutting down").
			WithHTTPStatus(http.StatusServiceUnavailable)
	}
	if _, ok := m.sessions[s.ID]; ok {
		return types.Errorf(types.ErrAlreadyRunning, "stream %s is already running", s.ID).
			WithHTTPStatus(http.StatusConflict)
	}
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		return types.Errorf(types.ErrResourceExhausted, "max sessions (%d) reached", m.opts.MaxSessions).
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	}
	m.sessions[s.ID] = s
	m.starting.Add(1)
	return nil
}

// abort 停止一个在关闭期间完成启动的会话；终态经 onTerminal 写入历史.
func (m *Manager) abort(s *Session) {
	s.setReason(ReasonShutdown)
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StopTimeout)
	defer cancel()
	if _, err := s.runner.Stop(ctx); err != nil {
		m.logger.Warn("stop session started during shutdown", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// release 注销会话；仅当注册表中仍是同一会话时删除.
func (m *Manager) release(s *Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID]; ok && cur == s {
		delete(m.sessions, s.ID)
	}
	return len(m.sessions)
}

func (m *Manager) build(ctx context.Context, s *Session, req Request) (*pipeline.Runner, error) {
	cfg, err := m.factory.Build(ctx, req)
	if err != nil {
		if types.GetErrorCode(err) == "" {
			err = types.NewError(types.ErrInvalidRequest, "invalid stream request").
				WithHTTPStatus(http.StatusBadRequest).WithCause(err)
		}
		return nil, err
	}

	cfg.ID = s.ID
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Observer == nil {
		cfg.Observer = m.observer
	}
	cfg.OnTerminal = func(r pipeline.Report) { m.onTerminal(s, r) }
	s.hasSource = cfg.Source != nil

	runner, err := pipeline.NewRunner(cfg)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build pipeline").WithCause(err)
	}
	s.runner = runner
	return runner, nil
}

func (m *Manager) recordStartFailure(s *Session, err error) {
	now := time.Now()
	sum := Summary{
		ID:         s.ID,
		Kind:       s.Kind,
		State:      pipeline.StateFailed,
		SourcePath: s.SourcePath,
		RTMPURL:    s.RTMPURL,
		StartedAt:  s.StartedAt,
		EndedAt:    &now,
		Reason:     err.Error(),
		ErrorCode:  types.GetErrorCode(err),
	}
	// 重复启动与容量不足不会到达这里，失败记录不会覆盖正在运行的会话
	m.putHistory(sum)
}

// onTerminal 在 Runner 的拆除路径上同步调用：先写历史，再注销.
func (m *Manager) onTerminal(s *Session, r pipeline.Report) {
	reason := s.stopReason()
	if reason == "" {
		reason = ReasonCompleted
	}
	sum := terminalSummary(s, r, reason)
	s.final.Store(&sum)

	m.putHistory(sum)
	active := m.release(s)

	label := reason
	if sum.ErrorCode != "" {
		label = string(sum.ErrorCode)
	}
	m.metrics.RecordSessionTermination(string(r.State), label)
	m.metrics.SetSessionsActive(active)

	fields := []zap.Field{
		zap.String("session_id", s.ID),
		zap.String("state", string(r.State)),
		zap.String("reason", label),
		zap.Uint64("delivered", r.Delivered),
	}
	if r.Err != nil {
		m.logger.Warn("session terminated", append(fields, zap.Error(r.Err))...)
		return
	}
	m.logger.Info("session terminated", fields...)
}

func (m *Manager) putHistory(sum Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := m.history.Put(ctx, sum); err != nil {
		m.logger.Warn("write session history",
			zap.String("session_id", sum.ID),
			zap.String("backend", m.history.Name()),
			zap.Error(err),
		)
	}
}

// StopSession 请求排空并等待终态，返回终态摘要.
//
// 会话不存在或已在停止中时返回 NOT_FOUND；仍在启动中时返回可重试的 SERVICE_UNAVAILABLE。
func (m *Manager) StopSession(ctx context.Context, id string) (Summary, error) {
	ctx, span := m.tracer.Start(ctx, "session.stop", trace.WithAttributes(telemetry.SessionAttributes(id, "")...))
	defer span.End()

	sum, err := m.stop(ctx, id, ReasonStopped)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Summary{}, err
	}
	span.SetAttributes(telemetry.TerminalAttributes(string(sum.State), sum.Reason, string(sum.ErrorCode))...)
	return sum, nil
}

func (m *Manager) stop(ctx context.Context, id, reason string) (Summary, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.stopping {
		m.mu.Unlock()
		return Summary{}, notFound(id)
	}
	if !s.started {
		m.mu.Unlock()
		return Summary{}, types.Errorf(types.ErrServiceUnavailable, "stream %s is still starting", id).
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	}
	s.stopping = true
	m.mu.Unlock()

	s.setReason(reason)
	return m.await(ctx, s)
}

func (m *Manager) await(ctx context.Context, s *Session) (Summary, error) {
	stopCtx, cancel := context.WithTimeout(ctx, m.opts.StopTimeout)
	defer cancel()

	report, err := s.runner.Stop(stopCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Summary{}, types.Errorf(types.ErrTimeout, "stream %s did not stop within %s", s.ID, m.opts.StopTimeout).
				WithHTTPStatus(http.StatusGatewayTimeout).WithCause(err)
		}
		return Summary{}, types.NewError(types.ErrInternalError, "stop stream").WithCause(err)
	}
	if sum, ok := s.Final(); ok {
		return sum, nil
	}
	return terminalSummary(s, report, s.stopReason()), nil
}

// ListSessions 返回注册表的时点快照.
//
// 成员关系在调用时确定；每个摘要在迭代到时才计算，迭代器可重复遍历。
// 仍在启动中的会话不包含在内。
func (m *Manager) ListSessions() iter.Seq[Summary] {
	m.mu.Lock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.started {
			snapshot = append(snapshot, s)
		}
	}
	m.mu.Unlock()

	return func(yield func(Summary) bool) {
		for _, s := range snapshot {
			if !yield(s.Summary()) {
				return
			}
		}
	}
}

// Count 返回注册表中的会话数，包括启动中的会话.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get 返回已启动的会话.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.started {
		return nil, false
	}
	return s, true
}

// Lookup 返回运行中会话的快照，或历史中最近一次的终态摘要.
func (m *Manager) Lookup(ctx context.Context, id string) (Summary, error) {
	if s, ok := m.Get(id); ok {
		return s.Summary(), nil
	}
	sum, ok, err := m.history.Get(ctx, id)
	if err != nil {
		return Summary{}, types.NewError(types.ErrServiceUnavailable, "session history unavailable").
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true).WithCause(err)
	}
	m.metrics.RecordHistoryLookup(m.history.Name(), ok)
	if !ok {
		return Summary{}, notFound(id)
	}
	return sum, nil
}

// HealthCheck 在 ctx 截止前完成一次加锁枚举即视为健康，与各会话的健康无关.
func (m *Manager) HealthCheck(ctx context.Context) error {
	ticker := time.NewTicker(healthRetryInterval)
	defer ticker.Stop()
	for {
		if m.mu.TryLock() {
			for range m.sessions {
			}
			m.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return types.NewError(types.ErrTimeout, "session registry is unresponsive").
				WithHTTPStatus(http.StatusServiceUnavailable).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

// ============================================================
// 🧹 空闲回收与关闭
// ============================================================

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.reaperStop:
			return
		case now := <-ticker.C:
			m.reapIdle(now)
		}
	}
}

// reapIdle 停止超过 IdleTimeout 未收到音频的推送式会话；文件来源的会话不回收.
func (m *Manager) reapIdle(now time.Time) {
	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.started && !s.stopping && !s.hasSource && s.idleFor(now) > m.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		go func() {
			m.logger.Info("reaping idle session", zap.String("session_id", id))
			if _, err := m.stop(context.Background(), id, ReasonIdle); err != nil && !types.IsCode(err, types.ErrNotFound) {
				m.logger.Warn("reap idle session", zap.String("session_id", id), zap.Error(err))
			}
		}()
	}
}

// Close 拒绝新的会话并停止全部会话，ctx 限制总等待时间.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if m.reaperStop != nil {
		close(m.reaperStop)
		<-m.reaperDone
	}

	// 超时后仍向已运行的会话发出停止请求
	startErr := m.waitStarts(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := m.stop(gctx, id, ReasonShutdown)
			// 已结束、已在停止或仍在启动的会话由各自的路径收尾
			if types.IsCode(err, types.ErrNotFound) || types.IsCode(err, types.ErrServiceUnavailable) {
				return nil
			}
			return err
		})
	}
	err := errors.Join(startErr, g.Wait())
	m.logger.Info("session manager closed", zap.Int("sessions", len(ids)), zap.Error(err))
	return err
}

// waitStarts 等待进行中的启动返回；它们看到 closed 后会自行停止.
func (m *Manager) waitStarts(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.starting.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return types.NewError(types.ErrTimeout, "sessions still starting at shutdown").WithCause(ctx.Err())
	}
}

func notFound(id string) error {
	return types.Errorf(types.ErrNotFound, "stream %s not found", id).WithHTTPStatus(http.StatusNotFound)
}

func codeOf(err error) types.ErrorCode {
	if c := types.GetErrorCode(err); c != "" {
		return c
	}
	return types.ErrInternalError
}
