package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/livehead/types"
)

// State Runner 生命周期状态.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal 报告是否为终态.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var (
	// ErrNotRunning Runner 不在 running 状态，不再接收音频.
	ErrNotRunning = errors.New("pipeline: runner not running")
	// ErrNotStarted Runner 尚未调用 Start.
	ErrNotStarted = errors.New("pipeline: runner not started")
	// ErrAlreadyStarted Start 只能调用一次.
	ErrAlreadyStarted = errors.New("pipeline: runner already started")
)

const (
	defaultWatchdogTimeout = 5 * time.Second
	defaultDrainTimeout    = 5 * time.Second
	minWatchdogTick        = 5 * time.Millisecond

	egressUnitName  = "egress"
	ingressUnitName = "ingress"
)

// Config Runner 配置.
type Config struct {
	ID     string
	Stages []StageSpec
	// Output 最后一个阶段与出口之间的视频队列
	Output QueueConfig
	Egress Egress
	// Source 可选音频来源；为空时通过 Push 推送音频
	Source Source

	WatchdogTimeout   time.Duration
	DrainTimeout      time.Duration
	DegradedThreshold time.Duration

	Logger   *zap.Logger
	Observer Observer
	// OnTerminal 在 Runner 从 running/draining 进入终态时恰好调用一次，
	// 不能在回调中等待 Runner
	OnTerminal func(Report)
}

// Report Runner 的终态报告.
type Report struct {
	ID            string        `json:"id"`
	State         State         `json:"state"`
	Reason        string        `json:"reason,omitempty"`
	Err           error         `json:"-"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Delivered     uint64        `json:"delivered"`
	Discarded     int           `json:"discarded"`
	DrainTimedOut bool          `json:"drain_timed_out"`
	Stages        []StageHealth `json:"stages"`
}

type failure struct {
	stage   string
	err     error
	stalled bool
}

// Runner 拥有一个会话的队列链与阶段适配器.
type Runner struct {
	cfg    Config
	logger *zap.Logger
	obs    Observer

	mu          sync.Mutex
	state       State
	started     bool
	stopPending bool
	startedAt   time.Time
	report      Report

	queues []*Queue
	stages []*unit
	egress *unit
	source *unit

	seqMu   sync.Mutex
	nextSeq uint64

	ctx       context.Context
	cancel    context.CancelFunc
	srcCancel context.CancelFunc

	fatalCh   chan failure
	drainCh   chan struct{}
	unitsDone chan struct{}
	done      chan struct{}
	delivered atomic.Uint64
}

// NewRunner 校验配置并分配全部队列.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("pipeline: runner id is required")
	}
	if len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("pipeline: at least one stage is required")
	}
	if cfg.Egress == nil {
		return nil, fmt.Errorf("pipeline: egress is required")
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaultWatchdogTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	r := &Runner{
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("component", "pipeline"), zap.String("session_id", cfg.ID)),
		obs:       cfg.Observer,
		state:     StateStarting,
		fatalCh:   make(chan failure, 1),
		drainCh:   make(chan struct{}),
		unitsDone: make(chan struct{}),
		done:      make(chan struct{}),
	}

	for i, spec := range cfg.Stages {
		if spec.Adapter == nil {
			return nil, fmt.Errorf("pipeline: stage %d has no adapter", i)
		}
		q, err := NewQueue(spec.Input)
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage %s: %w", spec.Adapter.Name(), err)
		}
		r.queues = append(r.queues, q)
	}
	out, err := NewQueue(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("pipeline: output: %w", err)
	}
	r.queues = append(r.queues, out)

	for i, spec := range cfg.Stages {
		r.stages = append(r.stages, newUnit(spec.Adapter.Name(), spec.Adapter, r.queues[i], r.queues[i+1], spec.Budget))
	}
	r.egress = newUnit(egressUnitName, nil, out, nil, 0)
	if cfg.Source != nil {
		r.source = newUnit(ingressUnitName, nil, nil, r.queues[0], 0)
	}
	return r, nil
}

// ID 返回会话标识.
func (r *Runner) ID() string { return r.cfg.ID }

// State 返回当前状态.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done 在 Runner 进入终态后关闭.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Report 返回终态报告；Runner 未结束时返回零值.
func (r *Runner) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.logger.Info("pipeline state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
}

// ============================================================
// 🚀 启动
// ============================================================

// Start 并发打开全部阶段与出口，全部就绪后进入 running.
//
// 任一阶段初始化失败时关闭已打开的句柄，进入 failed 并返回错误；此时不调用 OnTerminal。
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	if err := r.open(ctx); err != nil {
		for _, q := range r.queues {
			q.Close()
		}
		r.mu.Lock()
		r.state = StateFailed
		r.report = Report{
			ID:        r.cfg.ID,
			State:     StateFailed,
			Reason:    err.Error(),
			Err:       err,
			StartedAt: r.startedAt,
			EndedAt:   time.Now(),
		}
		r.mu.Unlock()
		close(r.done)
		r.logger.Warn("pipeline failed to start", zap.Error(err))
		return err
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.setState(StateRunning)

	for _, st := range r.stages {
		go r.runStage(st)
	}
	go r.runEgress(r.egress)
	if r.source != nil {
		var srcCtx context.Context
		srcCtx, r.srcCancel = context.WithCancel(r.ctx)
		go r.runSource(srcCtx)
	}
	go r.waitUnits()
	go r.monitor()
	go r.supervise()

	r.mu.Lock()
	pending := r.stopPending
	r.mu.Unlock()
	if pending {
		r.requestDrain()
	}
	return nil
}

func (r *Runner) open(ctx context.Context) error {
	opened := make([]bool, len(r.stages))
	var egressOpened bool

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range r.stages {
		g.Go(func() error {
			if err := st.adapter.Open(gctx); err != nil {
				return types.NewError(types.ErrStageFatal, "stage failed to initialize").
					WithStage(st.name).WithCause(err)
			}
			opened[i] = true
			return nil
		})
	}
	g.Go(func() error {
		if err := r.cfg.Egress.Open(gctx); err != nil {
			return types.NewError(types.ErrEgressFailure, "egress failed to open").
				WithStage(egressUnitName).WithCause(err)
		}
		egressOpened = true
		return nil
	})

	err := g.Wait()
	if err == nil {
		return nil
	}

	for i, st := range r.stages {
		if !opened[i] {
			continue
		}
		if cerr := st.adapter.Close(); cerr != nil {
			r.logger.Warn("close adapter after failed start", zap.String("stage", st.name), zap.Error(cerr))
		}
	}
	if egressOpened {
		if cerr := r.cfg.Egress.Close(); cerr != nil {
			r.logger.Warn("close egress after failed start", zap.Error(cerr))
		}
	}
	return err
}

// ============================================================
// 🎤 音频输入
// ============================================================

// Push 向第一个队列推送音频块，序号连续分配.
func (r *Runner) Push(chunk AudioChunk, capturedAt time.Time) (PushResult, error) {
	if r.State() != StateRunning {
		return PushClosed, ErrNotRunning
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.nextSeq++
	res := r.push(r.queues[0], &Item{
		Seq:        r.nextSeq,
		Kind:       KindAudio,
		Payload:    chunk,
		CapturedAt: capturedAt,
	})
	if res == PushClosed {
		return res, ErrNotRunning
	}
	return res, nil
}

func (r *Runner) push(q *Queue, item *Item) PushResult {
	res := q.Push(item)
	if res.Dropped() {
		r.obs.ObserveDrop(q.Name(), q.Policy())
		if res == PushOutOfOrder {
			r.logger.Warn("out of order item rejected", zap.String("queue", q.Name()), zap.Uint64("seq", item.Seq))
		}
	}
	return res
}

// ============================================================
// ⚙️ 执行单元
// ============================================================

func (r *Runner) runStage(u *unit) {
	defer close(u.done)
	defer u.disarm()

	ctx := r.ctx
	for {
		if u.in.Len() == 0 {
			u.disarm()
		}
		in, err := u.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				r.flush(ctx, u)
				u.out.Close()
			}
			return
		}
		u.arm(in.Seq)

		start := time.Now()
		out, err := r.invoke(ctx, u, in)
		latency := time.Since(start)
		if err != nil {
			if IsFatal(err) {
				u.markFailed()
				r.reportFatal(failure{stage: u.name, err: err})
				return
			}
			u.itemFailure()
			r.obs.ObserveItemFailure(u.name)
			r.logger.Debug("item failure", zap.String("stage", u.name), zap.Uint64("seq", in.Seq), zap.Error(err))
			continue
		}

		over := u.success(latency)
		r.obs.ObserveStage(u.name, latency, over)
		if out == nil {
			continue
		}
		out.Seq = in.Seq
		if out.CapturedAt.IsZero() {
			out.CapturedAt = in.CapturedAt
		}
		r.push(u.out, out)
		u.emitted(out.Seq)
	}
}

func (r *Runner) invoke(ctx context.Context, u *unit, in *Item) (out *Item, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, FatalError(fmt.Errorf("panic: %v", p))
		}
	}()
	return u.adapter.Process(ctx, in)
}

// flush 在流结束时取出 Flusher 阶段的尾部输出.
func (r *Runner) flush(ctx context.Context, u *unit) {
	f, ok := u.adapter.(Flusher)
	if !ok {
		return
	}
	items, err := func() (items []*Item, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return f.Flush(ctx)
	}()
	if err != nil {
		r.logger.Warn("stage flush failed", zap.String("stage", u.name), zap.Error(err))
		return
	}
	for _, it := range items {
		if it == nil {
			continue
		}
		it.Seq = u.nextFlushSeq()
		r.push(u.out, it)
		u.emitted(it.Seq)
	}
}

func (r *Runner) runEgress(u *unit) {
	defer close(u.done)
	defer u.disarm()

	ctx := r.ctx
	for {
		if u.in.Len() == 0 {
			u.disarm()
		}
		frame, err := u.in.Pop(ctx)
		if err != nil {
			return
		}
		u.arm(frame.Seq)

		start := time.Now()
		if err := r.deliver(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			if isItemFailure(err) {
				u.itemFailure()
				r.obs.ObserveItemFailure(egressUnitName)
				r.logger.Debug("frame dropped by egress", zap.Uint64("seq", frame.Seq), zap.Error(err))
				continue
			}
			u.markFailed()
			r.reportFatal(failure{
				stage: egressUnitName,
				err:   types.NewError(types.ErrEgressFailure, "egress delivery failed").WithStage(egressUnitName).WithCause(err),
			})
			return
		}
		u.success(time.Since(start))
		u.emitted(frame.Seq)
		r.delivered.Add(1)
		if !frame.CapturedAt.IsZero() {
			r.obs.ObserveDelivered(time.Since(frame.CapturedAt))
		}
	}
}

func (r *Runner) deliver(ctx context.Context, frame *Item) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.cfg.Egress.Deliver(ctx, frame)
}

func (r *Runner) runSource(ctx context.Context) {
	defer close(r.source.done)

	err := r.cfg.Source.Run(ctx, func(chunk AudioChunk, capturedAt time.Time) error {
		_, err := r.Push(chunk, capturedAt)
		return err
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil && !errors.Is(err, ErrNotRunning) {
		r.source.markFailed()
		r.reportFatal(failure{
			stage: ingressUnitName,
			err:   types.NewError(types.ErrStageFatal, "audio source failed").WithStage(ingressUnitName).WithCause(err),
		})
		return
	}
	r.logger.Info("audio source exhausted")
	r.requestDrain()
}

func (r *Runner) waitUnits() {
	for _, u := range r.units() {
		<-u.done
	}
	close(r.unitsDone)
}

func (r *Runner) units() []*unit {
	all := make([]*unit, 0, len(r.stages)+2)
	all = append(all, r.stages...)
	all = append(all, r.egress)
	if r.source != nil {
		all = append(all, r.source)
	}
	return all
}

// ============================================================
// 🐕 看门狗
// ============================================================

func (r *Runner) monitor() {
	interval := r.cfg.WatchdogTimeout / 4
	if interval < minWatchdogTick {
		interval = minWatchdogTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	watched := append(append([]*unit{}, r.stages...), r.egress)
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			for _, u := range watched {
				if !u.stalled(now, r.cfg.WatchdogTimeout) {
					continue
				}
				u.markFailed()
				r.logger.Error("stage stalled", zap.String("stage", u.name), zap.Duration("watchdog", r.cfg.WatchdogTimeout))
				r.reportFatal(failure{
					stage:   u.name,
					stalled: true,
					err: types.Errorf(types.ErrStageFatal, "stage %s stalled: no successful call within %s", u.name, r.cfg.WatchdogTimeout).
						WithStage(u.name),
				})
				return
			}
		}
	}
}

func (r *Runner) reportFatal(f failure) {
	select {
	case r.fatalCh <- f:
	default:
	}
}

// ============================================================
// 🛑 停止与拆除
// ============================================================

// Stop 请求优雅停止：立即关闭 ingress，等待队列排空（受 DrainTimeout 限制）。
//
// 阻塞直到 Runner 进入终态或 ctx 结束；ctx 结束时拆除在后台继续进行。
func (r *Runner) Stop(ctx context.Context) (Report, error) {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return Report{}, ErrNotStarted
	}

	r.requestDrain()
	select {
	case <-r.done:
		return r.Report(), nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (r *Runner) requestDrain() {
	r.mu.Lock()
	switch r.state {
	case StateStarting:
		r.stopPending = true
		r.mu.Unlock()
		return
	case StateRunning:
		r.state = StateDraining
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Info("pipeline state changed", zap.String("from", string(StateRunning)), zap.String("to", string(StateDraining)))
	if r.srcCancel != nil {
		r.srcCancel()
	}
	r.queues[0].Close()
	close(r.drainCh)
}

func (r *Runner) supervise() {
	var (
		f        *failure
		terminal = StateStopped
		timedOut bool
	)

	select {
	case x := <-r.fatalCh:
		f = &x
		if r.State() != StateDraining {
			terminal = StateFailed
		}
	case <-r.drainCh:
		timer := time.NewTimer(r.cfg.DrainTimeout)
		select {
		case <-r.unitsDone:
		case x := <-r.fatalCh:
			f = &x
		case <-timer.C:
			timedOut = true
		}
		timer.Stop()
	}

	r.teardown(terminal, f, timedOut)
}

func (r *Runner) teardown(terminal State, f *failure, drainTimedOut bool) {
	discarded := 0
	if f != nil || drainTimedOut {
		for _, q := range r.queues {
			discarded += q.Discard()
		}
	}
	r.cancel()
	for _, q := range r.queues {
		q.Close()
	}

	abandoned := r.join(f)

	for _, st := range r.stages {
		if abandoned[st] {
			go func(u *unit) {
				<-u.done
				if err := u.adapter.Close(); err != nil {
					r.logger.Warn("close abandoned adapter", zap.String("stage", u.name), zap.Error(err))
				}
			}(st)
			continue
		}
		if err := st.adapter.Close(); err != nil {
			r.logger.Warn("close adapter", zap.String("stage", st.name), zap.Error(err))
		}
	}
	if err := r.cfg.Egress.Close(); err != nil {
		r.logger.Warn("close egress", zap.Error(err))
	}

	report := Report{
		ID:            r.cfg.ID,
		State:         terminal,
		Delivered:     r.delivered.Load(),
		Discarded:     discarded,
		DrainTimedOut: drainTimedOut,
		EndedAt:       time.Now(),
	}
	if f != nil {
		report.Err = asStageFatal(f.stage, f.err)
		report.Reason = report.Err.Error()
	}
	for _, st := range r.stages {
		report.Stages = append(report.Stages, st.health())
	}

	r.mu.Lock()
	report.StartedAt = r.startedAt
	prev := r.state
	r.state = terminal
	r.report = report
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("from", string(prev)),
		zap.String("to", string(terminal)),
		zap.Uint64("delivered", report.Delivered),
		zap.Int("discarded", discarded),
	}
	if report.Err != nil {
		fields = append(fields, zap.Error(report.Err))
	}
	r.logger.Info("pipeline state changed", fields...)

	if r.cfg.OnTerminal != nil {
		r.cfg.OnTerminal(report)
	}
	close(r.done)
}

// join 等待执行单元退出。看门狗判定卡住的单元不等待；
// 其余单元最多等待 WatchdogTimeout，超时的同样被放弃。
func (r *Runner) join(f *failure) map[*unit]bool {
	abandoned := make(map[*unit]bool)
	if f != nil && f.stalled {
		for _, u := range r.units() {
			if u.name == f.stage && !u.finished() {
				abandoned[u] = true
			}
		}
	}

	timer := time.NewTimer(r.cfg.WatchdogTimeout)
	defer timer.Stop()
	expired := false
	for _, u := range r.units() {
		if abandoned[u] {
			continue
		}
		if expired {
			if !u.finished() {
				abandoned[u] = true
			}
			continue
		}
		select {
		case <-u.done:
		case <-timer.C:
			expired = true
			if !u.finished() {
				abandoned[u] = true
			}
		}
	}
	for u := range abandoned {
		r.logger.Warn("execution unit abandoned", zap.String("stage", u.name))
	}
	return abandoned
}

func asStageFatal(stage string, err error) error {
	var te *types.Error
	if errors.As(err, &te) {
		if te.Stage == "" {
			te.Stage = stage
		}
		return te
	}
	return types.NewError(types.ErrStageFatal, "stage failed").WithStage(stage).WithCause(err)
}

// ============================================================
// 🩺 健康
// ============================================================

// Health 返回 Runner 的健康快照.
func (r *Runner) Health() Health {
	r.mu.Lock()
	h := Health{
		ID:    r.cfg.ID,
		State: r.state,
	}
	if !r.startedAt.IsZero() {
		h.Uptime = time.Since(r.startedAt)
	}
	if r.report.Err != nil {
		h.Error = r.report.Reason
	}
	r.mu.Unlock()

	for _, st := range r.stages {
		sh := st.health()
		if r.cfg.DegradedThreshold > 0 && sh.Input.SaturatedFor > r.cfg.DegradedThreshold {
			h.Degraded = true
		}
		h.Stages = append(h.Stages, sh)
	}
	h.Egress = r.egress.health()
	if r.cfg.DegradedThreshold > 0 && h.Egress.Input.SaturatedFor > r.cfg.DegradedThreshold {
		h.Degraded = true
	}
	return h
}
