package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BaSui01/livehead/pipeline"
	"github.com/BaSui01/livehead/types"
)

// ============================================================
// 测试替身
// ============================================================

type passStage struct {
	name    string
	fail    *atomic.Bool
	openErr error
}

func (s *passStage) Name() string { return s.name }

func (s *passStage) Open(context.Context) error { return s.openErr }

func (s *passStage) Process(_ context.Context, in *pipeline.Item) (*pipeline.Item, error) {
	if s.fail != nil && s.fail.Load() {
		return nil, pipeline.FatalError(errors.New("inference crashed"))
	}
	return &pipeline.Item{Kind: pipeline.KindFrame, Payload: in.Payload}, nil
}

func (s *passStage) Close() error { return nil }

type countEgress struct {
	delivered atomic.Int64
}

func (e *countEgress) Open(context.Context) error { return nil }
func (e *countEgress) Close() error               { return nil }
func (e *countEgress) Deliver(context.Context, *pipeline.Item) error {
	e.delivered.Add(1)
	return nil
}

// fakeFactory 每个会话两级直通阶段；按 id 注入故障.
type fakeFactory struct {
	mu      sync.Mutex
	fail    map[string]*atomic.Bool
	egress  map[string]*countEgress
	openErr error
	builds  atomic.Int32
	gate    chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{fail: make(map[string]*atomic.Bool), egress: make(map[string]*countEgress)}
}

func (f *fakeFactory) Build(ctx context.Context, req Request) (pipeline.Config, error) {
	f.builds.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return pipeline.Config{}, ctx.Err()
		}
	}
	if req.SourcePath == "" {
		return pipeline.Config{}, errors.New("source_path is required")
	}

	f.mu.Lock()
	fail := &atomic.Bool{}
	f.fail[req.ID] = fail
	eg := &countEgress{}
	f.egress[req.ID] = eg
	f.mu.Unlock()

	q := func(name string) pipeline.QueueConfig {
		return pipeline.QueueConfig{Name: name, Capacity: 16, Policy: pipeline.DropOldest}
	}
	return pipeline.Config{
		Stages: []pipeline.StageSpec{
			{Adapter: &passStage{name: "first", fail: fail, openErr: f.openErr}, Input: q("first")},
			{Adapter: &passStage{name: "second"}, Input: q("second")},
		},
		Output:          q("video"),
		Egress:          eg,
		WatchdogTimeout: time.Second,
		DrainTimeout:    time.Second,
	}, nil
}

func (f *fakeFactory) failer(id string) *atomic.Bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[id]
}

func (f *fakeFactory) delivered(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.egress[id].delivered.Load()
}

type recordingMetrics struct {
	mu           sync.Mutex
	starts       []string
	terminations []string
	active       int
}

func (r *recordingMetrics) SetSessionsActive(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func (r *recordingMetrics) RecordSessionStart(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, result)
}

func (r *recordingMetrics) RecordSessionTermination(state, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminations = append(r.terminations, state+"/"+reason)
}

func (r *recordingMetrics) RecordHistoryLookup(string, bool) {}

func newTestManager(t *testing.T, f Factory, opts Options, options ...Option) *Manager {
	t.Helper()
	m := NewManager(f, opts, options...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func chunk() pipeline.AudioChunk {
	return pipeline.AudioChunk{Samples: make([]float32, 640), SampleRate: 16000}
}

func req(id string) Request {
	return Request{ID: id, SourcePath: "face.png", RTMPURL: "rtmp://localhost/live/" + id}
}

// ============================================================
// 启动
// ============================================================

func TestStartSession_Running(t *testing.T) {
	mt := &recordingMetrics{}
	m := newTestManager(t, newFakeFactory(), Options{}, WithMetrics(mt))

	s, err := m.StartSession(context.Background(), req("s1"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateRunning, s.State())
	assert.Equal(t, KindRTMP, s.Kind)

	got, ok := m.Get("s1")
	require.True(t, ok)
	assert.Same(t, s, got)

	mt.mu.Lock()
	defer mt.mu.Unlock()
	assert.Equal(t, []string{"ok"}, mt.starts)
	assert.Equal(t, 1, mt.active)
}

func TestStartSession_Validation(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), Options{})

	_, err := m.StartSession(context.Background(), Request{SourcePath: "face.png"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = m.StartSession(context.Background(), Request{ID: "s1"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest), "untyped factory errors become INVALID_REQUEST")
	assert.Equal(t, 0, m.Count(), "failed start must release the id")
}

func TestStartSession_OpenFailure(t *testing.T) {
	f := newFakeFactory()
	f.openErr = errors.New("model weights missing")
	m := newTestManager(t, f, Options{})

	_, err := m.StartSession(context.Background(), req("s1"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrStageFatal))
	assert.Equal(t, 0, m.Count())

	sum, err := m.Lookup(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, sum.State)
	assert.Equal(t, types.ErrStageFatal, sum.ErrorCode)
	assert.NotEmpty(t, sum.Reason)

	f.openErr = nil
	_, err = m.StartSession(context.Background(), req("s1"))
	assert.NoError(t, err, "id is reusable after a failed start")
}

func TestStartSession_MaxSessions(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), Options{MaxSessions: 1})

	_, err := m.StartSession(context.Background(), req("s1"))
	require.NoError(t, err)

	_, err = m.StartSession(context.Background(), req("s2"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrResourceExhausted))
	assert.True(t, types.IsRetryable(err))
}

func TestStartSession_ClosedManager(t *testing.T) {
	m := NewManager(newFakeFactory(), Options{})
	require.NoError(t, m.Close(context.Background()))

	_, err := m.StartSession(context.Background(), req("s1"))
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
}

func TestClose_WaitsForInFlightStart(t *testing.T) {
	f := newFakeFactory()
	f.gate = make(chan struct{})
	m := NewManager(f, Options{StopTimeout: 2 * time.Second})

	startErr := make(chan error, 1)
	go func() {
		_, err := m.StartSession(context.Background(), req("s1"))
		startErr <- err
	}()
	require.Eventually(t, func() bool { return f.builds.Load() == 1 }, time.Second, time.Millisecond)

	closeErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeErr <- m.Close(ctx)
	}()

	select {
	case err := <-closeErr:
		t.Fatalf("Close returned while a start was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(f.gate)
	err := <-startErr
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
	require.NoError(t, <-closeErr)

	assert.Equal(t, 0, m.Count())
	_, ok := m.Get("s1")
	assert.False(t, ok)

	sum, err := m.Lookup(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateStopped, sum.State)
	assert.Equal(t, ReasonShutdown, sum.Reason)
}

func TestClose_GivesUpOnStuckStart(t *testing.T) {
	f := newFakeFactory()
	f.gate = make(chan struct{})
	m := NewManager(f, Options{})

	startErr := make(chan error, 1)
	go func() {
		_, err := m.StartSession(context.Background(), req("s1"))
		startErr <- err
	}()
	require.Eventually(t, func() bool { return f.builds.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, types.IsCode(m.Close(ctx), types.ErrTimeout))

	close(f.gate)
	assert.True(t, types.IsCode(<-startErr, types.ErrServiceUnavailable))
	assert.Equal(t, 0, m.Count())
}

// Feature: session registry, duplicate start is rejected and leaves the running session untouched.
func TestProperty_DuplicateStartRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("second start of a registered id returns ALREADY_RUNNING", prop.ForAll(
		func(id string, attempts int) bool {
			f := newFakeFactory()
			m := NewManager(f, Options{})
			defer m.Close(context.Background())

			first, err := m.StartSession(context.Background(), req(id))
			if err != nil {
				t.Logf("first start failed: %v", err)
				return false
			}
			builds := f.builds.Load()

			for i := 0; i < attempts; i++ {
				_, err := m.StartSession(context.Background(), req(id))
				if !types.IsCode(err, types.ErrAlreadyRunning) {
					t.Logf("attempt %d: expected ALREADY_RUNNING, got %v", i, err)
					return false
				}
			}

			cur, ok := m.Get(id)
			return ok && cur == first &&
				first.State() == pipeline.StateRunning &&
				f.builds.Load() == builds &&
				m.Count() == 1
		},
		gen.Identifier(),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestStartSession_DuplicateWhileStarting(t *testing.T) {
	f := newFakeFactory()
	f.gate = make(chan struct{})
	m := newTestManager(t, f, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.StartSession(context.Background(), req("s1"))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.builds.Load() == 1 }, time.Second, time.Millisecond)

	_, err := m.StartSession(context.Background(), req("s1"))
	assert.True(t, types.IsCode(err, types.ErrAlreadyRunning))

	_, err = m.StopSession(context.Background(), "s1")
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
	assert.True(t, types.IsRetryable(err))
	assert.Empty(t, slices.Collect(m.ListSessions()), "starting sessions are not listed")

	close(f.gate)
	require.NoError(t, <-errCh)
}

// ============================================================
// 停止
// ============================================================

func TestStopSession_NotFound(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), Options{})
	_, err := m.StartSession(context.Background(), req("s1"))
	require.NoError(t, err)

	_, err = m.StopSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	assert.Equal(t, 1, m.Count(), "no side effect on other sessions")
}

func TestStopSession_DrainsAndDeregisters(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFakeFactory()
	mt := &recordingMetrics{}
	m := NewManager(f, Options{StopTimeout: 5 * time.Second}, WithMetrics(mt))

	s, err := m.StartSession(context.Background(), req("s1"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Push(chunk(), time.Now())
		require.NoError(t, err)
	}

	sum, err := m.StopSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateStopped, sum.State)
	assert.Equal(t, ReasonStopped, sum.Reason)
	assert.Equal(t, uint64(5), sum.Delivered)
	assert.Equal(t, int64(5), f.delivered("s1"))
	require.NotNil(t, sum.EndedAt)

	_, ok := m.Get("s1")
	assert.False(t, ok)
	_, err = m.StopSession(context.Background(), "s1")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	hist, err := m.Lookup(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateStopped, hist.State)

	_, err = m.StartSession(context.Background(), req("s1"))
	require.NoError(t, err, "id is reusable after stop")

	require.NoError(t, m.Close(context.Background()))

	mt.mu.Lock()
	defer mt.mu.Unlock()
	assert.Equal(t, []string{"stopped/stopped", "stopped/shutdown"}, mt.terminations)
	assert.Equal(t, 0, mt.active)
}

func TestStopSession_ConcurrentSecondStopIsNotFound(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), Options{})
	_, err := m.StartSession(context.Background(), req("s1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.StopSession(context.Background(), "s1")
		}()
	}
	wg.Wait()

	var ok, notFound int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case types.IsCode(err, types.ErrNotFound):
			notFound++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, notFound)
}

// ============================================================
// 故障隔离
// ============================================================

func TestFatalFailure_IsolatedToSession(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(t, f, Options{})

	bad, err := m.StartSession(context.Background(), req("bad"))
	require.NoError(t, err)
	good, err := m.StartSession(context.Background(), req("good"))
	require.NoError(t, err)

	f.failer("bad").Store(true)
	_, err = bad.Push(chunk(), time.Now())
	require.NoError(t, err)

	select {
	case <-bad.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failed session did not terminate within the watchdog timeout")
	}

	sum, err := m.Lookup(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, sum.State)
	assert.Equal(t, types.ErrStageFatal, sum.ErrorCode)
	_, ok := m.Get("bad")
	assert.False(t, ok)

	assert.Equal(t, pipeline.StateRunning, good.State())
	_, err = good.Push(chunk(), time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.delivered("good") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.HealthCheck(ctx))
}

// ============================================================
// 查询
// ============================================================

func TestListSessions_SnapshotIsRestartable(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), Options{})
	for i := 0; i < 3; i++ {
		_, err := m.StartSession(context.Background(), req(fmt.Sprintf("s%d", i)))
		require.NoError(t, err)
	}

	seq := m.ListSessions()
	_, err := m.StartSession(context.Background(), req("late"))
	require.NoError(t, err)

	ids := func() []string {
		var out []string
		for sum := range seq {
			out = append(out, sum.ID)
			assert.Equal(t, pipeline.StateRunning, sum.State)
			assert.Len(t, sum.Stages, 2)
		}
		slices.Sort(out)
		return out
	}
	assert.Equal(t, []string{"s0", "s1", "s2"}, ids(), "membership fixed at call time")
	assert.Equal(t, ids(), ids())

	_, err = m.StopSession(context.Background(), "s1")
	require.NoError(t, err)
	for sum := range seq {
		if sum.ID == "s1" {
			assert.Equal(t, pipeline.StateStopped, sum.State, "summary computed on yield")
		}
	}
}

func TestLookup_NotFound(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), Options{})
	_, err := m.Lookup(context.Background(), "ghost")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestHealthCheck_BlockedRegistry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	m := NewManager(newFakeFactory(), Options{})

	m.mu.Lock()
	for range 5 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		err := m.HealthCheck(ctx)
		cancel()
		assert.True(t, types.IsCode(err, types.ErrTimeout))
	}
	m.mu.Unlock()

	assert.NoError(t, m.HealthCheck(context.Background()))
	require.NoError(t, m.Close(context.Background()))
}

// ============================================================
// 空闲回收
// ============================================================

func TestReaper_StopsIdlePushSessions(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), Options{
		IdleTimeout:  50 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	})

	s, err := m.StartSession(context.Background(), req("idle"))
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not reaped")
	}
	sum, ok := s.Final()
	require.True(t, ok)
	assert.Equal(t, ReasonIdle, sum.Reason)
	assert.Equal(t, pipeline.StateStopped, sum.State)
}

func TestReaper_KeepsActiveSessions(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), Options{
		IdleTimeout:  80 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	})

	s, err := m.StartSession(context.Background(), req("busy"))
	require.NoError(t, err)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := s.Push(chunk(), time.Now())
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, pipeline.StateRunning, s.State())
}
