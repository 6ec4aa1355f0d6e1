package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/livehead/types"
)

// ============================================================
// 测试替身
// ============================================================

type fakeAdapter struct {
	name    string
	openErr error
	process func(ctx context.Context, in *Item) (*Item, error)
	flush   func(ctx context.Context) ([]*Item, error)

	mu        sync.Mutex
	opened    bool
	closed    bool
	closeOnce sync.Once
	closeCh   chan struct{}
	calls     atomic.Int64
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, closeCh: make(chan struct{})}
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Open(context.Context) error {
	if a.openErr != nil {
		return a.openErr
	}
	a.mu.Lock()
	a.opened = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Process(ctx context.Context, in *Item) (*Item, error) {
	a.calls.Add(1)
	if a.process != nil {
		return a.process(ctx, in)
	}
	return &Item{Kind: KindMotion, Payload: in.Payload}, nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.closeOnce.Do(func() { close(a.closeCh) })
	return nil
}

func (a *fakeAdapter) isOpened() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opened
}

func (a *fakeAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// flushingAdapter 每 n 个输入产生一个输出，流结束时输出剩余部分.
type flushingAdapter struct {
	*fakeAdapter
	n       int
	pending int
}

func (a *flushingAdapter) Process(_ context.Context, in *Item) (*Item, error) {
	a.pending++
	if a.pending < a.n {
		return nil, nil
	}
	a.pending = 0
	return &Item{Kind: KindMotion}, nil
}

func (a *flushingAdapter) Flush(context.Context) ([]*Item, error) {
	if a.pending == 0 {
		return nil, nil
	}
	a.pending = 0
	return []*Item{{Kind: KindMotion}}, nil
}

type recordingEgress struct {
	openErr error
	deliver func(*Item) error

	mu     sync.Mutex
	seqs   []uint64
	opened bool
	closed bool
}

func (e *recordingEgress) Open(context.Context) error {
	if e.openErr != nil {
		return e.openErr
	}
	e.mu.Lock()
	e.opened = true
	e.mu.Unlock()
	return nil
}

func (e *recordingEgress) Deliver(_ context.Context, frame *Item) error {
	if e.deliver != nil {
		if err := e.deliver(frame); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.seqs = append(e.seqs, frame.Seq)
	e.mu.Unlock()
	return nil
}

func (e *recordingEgress) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *recordingEgress) delivered() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.seqs...)
}

func (e *recordingEgress) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type sliceSource struct {
	chunks int
}

func (s sliceSource) Run(ctx context.Context, emit func(AudioChunk, time.Time) error) error {
	for i := 0; i < s.chunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(AudioChunk{Samples: make([]float32, 640), SampleRate: 16000}, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func testConfig(t *testing.T, egress Egress, adapters ...Adapter) Config {
	t.Helper()
	cfg := Config{
		ID:              "test-session",
		Output:          QueueConfig{Name: "video", Capacity: 256, Policy: DropOldest},
		Egress:          egress,
		WatchdogTimeout: 2 * time.Second,
		DrainTimeout:    2 * time.Second,
		Logger:          zaptest.NewLogger(t),
	}
	for i, a := range adapters {
		policy := DropOldest
		if i == 0 {
			policy = DropNewest
		}
		cfg.Stages = append(cfg.Stages, StageSpec{
			Adapter: a,
			Input:   QueueConfig{Name: fmt.Sprintf("q%d", i), Capacity: 256, Policy: policy},
			Budget:  10 * time.Millisecond,
		})
	}
	return cfg
}

func fiveStages() []Adapter {
	names := []string{"audio2motion", "stitch", "warp", "decode", "putback"}
	out := make([]Adapter, len(names))
	for i, n := range names {
		out[i] = newFakeAdapter(n)
	}
	return out
}

func startRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateRunning, r.State())
	return r
}

func pushN(t *testing.T, r *Runner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := r.Push(AudioChunk{Samples: make([]float32, 640), SampleRate: 16000}, time.Now())
		require.NoError(t, err)
	}
}

func waitDone(t *testing.T, r *Runner, timeout time.Duration) Report {
	t.Helper()
	select {
	case <-r.Done():
		return r.Report()
	case <-time.After(timeout):
		t.Fatalf("runner did not terminate within %s (state %s)", timeout, r.State())
		return Report{}
	}
}

func assertStrictlyIncreasing(t *testing.T, seqs []uint64) {
	t.Helper()
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1], "seq order violated at %d: %v", i, seqs)
	}
}

// ============================================================
// 配置校验
// ============================================================

func TestNewRunner_Validation(t *testing.T) {
	egress := &recordingEgress{}

	_, err := NewRunner(Config{Stages: []StageSpec{{Adapter: newFakeAdapter("a")}}, Egress: egress})
	assert.Error(t, err, "missing id")

	_, err = NewRunner(Config{ID: "x", Egress: egress})
	assert.Error(t, err, "no stages")

	_, err = NewRunner(Config{ID: "x", Stages: []StageSpec{{Adapter: newFakeAdapter("a"), Input: QueueConfig{Capacity: 1, Policy: DropOldest}}}})
	assert.Error(t, err, "missing egress")

	cfg := testConfig(t, egress, newFakeAdapter("a"))
	cfg.Stages[0].Input.Policy = ""
	_, err = NewRunner(cfg)
	assert.Error(t, err, "queue without drop policy")
}

// ============================================================
// 正常路径
// ============================================================

func TestRunner_DeliversInOrderAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	egress := &recordingEgress{}
	adapters := fiveStages()
	r := startRunner(t, testConfig(t, egress, adapters...))

	pushN(t, r, 50)
	report, err := r.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStopped, report.State)
	assert.NoError(t, report.Err)
	assert.False(t, report.DrainTimedOut)
	assert.Equal(t, uint64(50), report.Delivered)

	seqs := egress.delivered()
	require.Len(t, seqs, 50)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}

	for _, a := range adapters {
		assert.True(t, a.(*fakeAdapter).isClosed(), "adapter %s not released", a.Name())
	}
	assert.True(t, egress.isClosed())

	_, err = r.Push(AudioChunk{}, time.Now())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	r := startRunner(t, testConfig(t, &recordingEgress{}, fiveStages()...))

	first, err := r.Stop(context.Background())
	require.NoError(t, err)
	second, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, StateStopped, second.State)
}

func TestRunner_StopBeforeStart(t *testing.T) {
	r, err := NewRunner(testConfig(t, &recordingEgress{}, newFakeAdapter("a")))
	require.NoError(t, err)
	_, err = r.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRunner_OnTerminalCalledOnce(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig(t, &recordingEgress{}, fiveStages()...)
	cfg.OnTerminal = func(Report) { calls.Add(1) }
	r := startRunner(t, cfg)

	_, err := r.Stop(context.Background())
	require.NoError(t, err)
	_, _ = r.Stop(context.Background())
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunner_SourceExhaustionDrains(t *testing.T) {
	egress := &recordingEgress{}
	cfg := testConfig(t, egress, fiveStages()...)
	cfg.Source = sliceSource{chunks: 12}
	r := startRunner(t, cfg)

	report := waitDone(t, r, 3*time.Second)
	assert.Equal(t, StateStopped, report.State)
	assert.Len(t, egress.delivered(), 12)
	assertStrictlyIncreasing(t, egress.delivered())
}

func TestRunner_DrainFlushesBufferedTail(t *testing.T) {
	egress := &recordingEgress{}
	batch := &flushingAdapter{fakeAdapter: newFakeAdapter("audio2motion"), n: 4}
	r := startRunner(t, testConfig(t, egress, batch, newFakeAdapter("stitch")))

	pushN(t, r, 10)
	report, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, report.State)

	seqs := egress.delivered()
	require.Len(t, seqs, 3)
	assert.Equal(t, uint64(4), seqs[0])
	assert.Equal(t, uint64(8), seqs[1])
	assert.Equal(t, uint64(10), seqs[2])
}

func TestRunner_DrainTimeoutDiscards(t *testing.T) {
	slow := newFakeAdapter("slow")
	slow.process = func(ctx context.Context, in *Item) (*Item, error) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &Item{Kind: KindMotion}, nil
	}
	cfg := testConfig(t, &recordingEgress{}, slow)
	cfg.DrainTimeout = 50 * time.Millisecond
	r := startRunner(t, cfg)

	pushN(t, r, 40)
	report, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, report.State)
	assert.True(t, report.DrainTimedOut)
	assert.Greater(t, report.Discarded, 0)
	assert.Less(t, report.Delivered, uint64(40))
}

// ============================================================
// 失败路径
// ============================================================

func TestRunner_ItemFailureSkipsAndContinues(t *testing.T) {
	egress := &recordingEgress{}
	flaky := newFakeAdapter("warp")
	flaky.process = func(_ context.Context, in *Item) (*Item, error) {
		if in.Seq%2 == 0 {
			return nil, ItemError(errors.New("malformed chunk"))
		}
		return &Item{Kind: KindWarp}, nil
	}
	r := startRunner(t, testConfig(t, egress, newFakeAdapter("a2m"), flaky))

	pushN(t, r, 10)
	report, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, report.State)
	assert.Equal(t, []uint64{1, 3, 5, 7, 9}, egress.delivered())
	assert.Equal(t, uint64(5), report.Stages[1].ItemFailures)
}

func TestRunner_UnclassifiedErrorIsItemLocal(t *testing.T) {
	egress := &recordingEgress{}
	a := newFakeAdapter("decode")
	a.process = func(_ context.Context, in *Item) (*Item, error) {
		if in.Seq == 2 {
			return nil, errors.New("transient")
		}
		return &Item{Kind: KindFrame}, nil
	}
	r := startRunner(t, testConfig(t, egress, a))
	pushN(t, r, 3)
	report, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, report.State)
	assert.Equal(t, []uint64{1, 3}, egress.delivered())
}

func TestRunner_FatalFailureFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var terminal atomic.Value
	a := newFakeAdapter("warp")
	a.process = func(_ context.Context, in *Item) (*Item, error) {
		if in.Seq == 3 {
			return nil, FatalError(errors.New("engine lost"))
		}
		return &Item{Kind: KindWarp}, nil
	}
	cfg := testConfig(t, &recordingEgress{}, newFakeAdapter("a2m"), a, newFakeAdapter("decode"))
	cfg.OnTerminal = func(rep Report) { terminal.Store(rep) }
	r := startRunner(t, cfg)

	pushN(t, r, 5)
	report := waitDone(t, r, cfg.WatchdogTimeout)

	assert.Equal(t, StateFailed, report.State)
	require.Error(t, report.Err)
	assert.Equal(t, types.ErrStageFatal, types.GetErrorCode(report.Err))
	assert.Contains(t, report.Reason, "engine lost")
	assert.Equal(t, StageFailed, report.Stages[1].Status)
	assert.True(t, a.isClosed())

	stored, ok := terminal.Load().(Report)
	require.True(t, ok)
	assert.Equal(t, StateFailed, stored.State)
}

func TestRunner_PanicIsFatal(t *testing.T) {
	a := newFakeAdapter("putback")
	a.process = func(context.Context, *Item) (*Item, error) {
		panic("nil frame")
	}
	r := startRunner(t, testConfig(t, &recordingEgress{}, a))
	pushN(t, r, 1)

	report := waitDone(t, r, 2*time.Second)
	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Reason, "nil frame")
}

func TestRunner_EgressFailureIsFatal(t *testing.T) {
	egress := &recordingEgress{deliver: func(it *Item) error {
		if it.Seq == 2 {
			return errors.New("broken pipe")
		}
		return nil
	}}
	r := startRunner(t, testConfig(t, egress, newFakeAdapter("a")))
	pushN(t, r, 4)

	report := waitDone(t, r, 2*time.Second)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, types.ErrEgressFailure, types.GetErrorCode(report.Err))
	assert.True(t, egress.isClosed())
}

func TestRunner_EgressItemErrorDropsOneFrame(t *testing.T) {
	egress := &recordingEgress{deliver: func(it *Item) error {
		if it.Seq == 2 {
			return ItemError(errors.New("unencodable frame"))
		}
		return nil
	}}
	r := startRunner(t, testConfig(t, egress, newFakeAdapter("a")))
	pushN(t, r, 5)

	require.Eventually(t, func() bool { return len(egress.delivered()) == 4 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, r.State())
	assert.Equal(t, uint64(1), r.Health().Egress.ItemFailures)

	report, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, report.State)
	assert.NoError(t, report.Err)
	assert.Equal(t, []uint64{1, 3, 4, 5}, egress.delivered())
	assert.Equal(t, uint64(4), report.Delivered)
}

func TestRunner_WatchdogFailsStalledStage(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := newFakeAdapter("warp")
	stuck.process = func(context.Context, *Item) (*Item, error) {
		<-release
		return &Item{Kind: KindWarp}, nil
	}
	upstream := newFakeAdapter("a2m")
	cfg := testConfig(t, &recordingEgress{}, upstream, stuck)
	cfg.WatchdogTimeout = 50 * time.Millisecond
	r := startRunner(t, cfg)

	start := time.Now()
	pushN(t, r, 3)
	report := waitDone(t, r, time.Second)

	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Reason, "stalled")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StageFailed, report.Stages[1].Status)
	assert.True(t, upstream.isClosed())
	assert.False(t, stuck.isClosed(), "stalled adapter closed before its call returned")
}

func TestRunner_IdleStageDoesNotTripWatchdog(t *testing.T) {
	cfg := testConfig(t, &recordingEgress{}, fiveStages()...)
	cfg.WatchdogTimeout = 30 * time.Millisecond
	r := startRunner(t, cfg)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateRunning, r.State())

	report, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, report.State)
}

func TestRunner_FatalDuringDrainEndsStopped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	a := newFakeAdapter("decode")
	a.process = func(context.Context, *Item) (*Item, error) {
		close(entered)
		<-release
		return nil, FatalError(errors.New("device reset"))
	}
	r := startRunner(t, testConfig(t, &recordingEgress{}, a))
	pushN(t, r, 1)
	<-entered

	result := make(chan Report, 1)
	go func() {
		rep, _ := r.Stop(context.Background())
		result <- rep
	}()
	require.Eventually(t, func() bool { return r.State() == StateDraining }, time.Second, time.Millisecond)
	close(release)

	select {
	case rep := <-result:
		assert.Equal(t, StateStopped, rep.State)
		require.Error(t, rep.Err)
		assert.Contains(t, rep.Reason, "device reset")
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestRunner_StartFailureReleasesOpenedStages(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	good := newFakeAdapter("a2m")
	bad := newFakeAdapter("warp")
	bad.openErr = errors.New("checkpoint missing")
	egress := &recordingEgress{}

	r, err := NewRunner(testConfig(t, egress, good, bad))
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrStageFatal, types.GetErrorCode(err))
	assert.Equal(t, StateFailed, r.State())

	if good.isOpened() {
		assert.True(t, good.isClosed())
	}
	if egress.opened {
		assert.True(t, egress.isClosed())
	}

	select {
	case <-r.Done():
	default:
		t.Fatal("done not closed after failed start")
	}
	_, err = r.Push(AudioChunk{}, time.Now())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestRunner_EgressOpenFailure(t *testing.T) {
	r, err := NewRunner(testConfig(t, &recordingEgress{openErr: errors.New("connection refused")}, newFakeAdapter("a")))
	require.NoError(t, err)
	err = r.Start(context.Background())
	assert.Equal(t, types.ErrEgressFailure, types.GetErrorCode(err))
}

// ============================================================
// 健康
// ============================================================

func TestRunner_HealthReportsDegraded(t *testing.T) {
	release := make(chan struct{})
	a := newFakeAdapter("slow")
	a.process = func(ctx context.Context, in *Item) (*Item, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &Item{Kind: KindMotion}, nil
	}
	cfg := testConfig(t, &recordingEgress{}, a)
	cfg.Stages[0].Input.Capacity = 2
	cfg.DegradedThreshold = 10 * time.Millisecond
	r := startRunner(t, cfg)

	pushN(t, r, 5)
	require.Eventually(t, func() bool { return r.Health().Degraded }, time.Second, 5*time.Millisecond)

	h := r.Health()
	assert.Equal(t, StateRunning, h.State)
	require.Len(t, h.Stages, 1)
	assert.Equal(t, StageRunning, h.Stages[0].Status)
	assert.Greater(t, h.Stages[0].Input.Dropped, uint64(0))

	close(release)
	_, err := r.Stop(context.Background())
	require.NoError(t, err)
}

// ============================================================
// 属性测试
// ============================================================

// 任意单条失败与批处理组合下，出口序号严格递增.
func TestProperty_RunnerOutputStrictlyIncreasing(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		failMod := uint64(rapid.IntRange(2, 7).Draw(rt, "failMod"))
		batch := rapid.IntRange(1, 4).Draw(rt, "batch")
		n := rapid.IntRange(1, 60).Draw(rt, "n")
		videoCap := rapid.IntRange(1, 8).Draw(rt, "videoCap")

		egress := &recordingEgress{}
		flaky := newFakeAdapter("warp")
		flaky.process = func(_ context.Context, in *Item) (*Item, error) {
			if in.Seq%failMod == 0 {
				return nil, ItemError(errors.New("skip"))
			}
			return &Item{Kind: KindWarp}, nil
		}
		cfg := testConfig(t, egress,
			&flushingAdapter{fakeAdapter: newFakeAdapter("a2m"), n: batch},
			flaky,
			newFakeAdapter("putback"),
		)
		cfg.Output.Capacity = videoCap

		r, err := NewRunner(cfg)
		if err != nil {
			rt.Fatal(err)
		}
		if err := r.Start(context.Background()); err != nil {
			rt.Fatal(err)
		}
		for i := 0; i < n; i++ {
			if _, err := r.Push(AudioChunk{SampleRate: 16000}, time.Now()); err != nil {
				rt.Fatal(err)
			}
		}
		if _, err := r.Stop(context.Background()); err != nil {
			rt.Fatal(err)
		}

		seqs := egress.delivered()
		seen := make(map[uint64]bool, len(seqs))
		for i, s := range seqs {
			if seen[s] {
				rt.Fatalf("duplicate seq %d in %v", s, seqs)
			}
			seen[s] = true
			if i > 0 && s <= seqs[i-1] {
				rt.Fatalf("reordered output: %v", seqs)
			}
		}
	})
}
