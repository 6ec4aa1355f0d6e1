package pipeline

import (
	"sync"
	"time"
)

// StageStatus 阶段运行状态.
type StageStatus string

const (
	StageIdle    StageStatus = "idle"
	StageRunning StageStatus = "running"
	StageFailed  StageStatus = "failed"
)

// StageHealth 单个阶段的健康快照.
type StageHealth struct {
	Name         string        `json:"name"`
	Status       StageStatus   `json:"status"`
	Processed    uint64        `json:"processed"`
	ItemFailures uint64        `json:"item_failures"`
	OverBudget   uint64        `json:"over_budget"`
	LastLatency  time.Duration `json:"last_latency"`
	AvgLatency   time.Duration `json:"avg_latency"`
	Budget       time.Duration `json:"budget,omitempty"`
	Input        QueueStats    `json:"input"`
}

// Health Runner 的聚合健康快照.
type Health struct {
	ID       string        `json:"id"`
	State    State         `json:"state"`
	Degraded bool          `json:"degraded"`
	Uptime   time.Duration `json:"uptime"`
	Stages   []StageHealth `json:"stages"`
	Egress   StageHealth   `json:"egress"`
	Error    string        `json:"error,omitempty"`
}

// ewmaAlpha 延迟滑动平均的平滑系数
const ewmaAlpha = 0.2

// unit 是一个执行单元（推理阶段或出口）的运行时状态与看门狗.
type unit struct {
	name    string
	adapter Adapter
	in      *Queue
	out     *Queue
	budget  time.Duration
	done    chan struct{}

	mu           sync.Mutex
	armed        bool
	base         time.Time
	failed       bool
	processed    uint64
	itemFailures uint64
	overBudget   uint64
	lastLatency  time.Duration
	avgLatency   float64
	lastIn       uint64
	lastOut      uint64
	hasOut       bool
}

func newUnit(name string, adapter Adapter, in, out *Queue, budget time.Duration) *unit {
	return &unit{
		name:    name,
		adapter: adapter,
		in:      in,
		out:     out,
		budget:  budget,
		done:    make(chan struct{}),
	}
}

// arm 在单元持有输入时启动看门狗，已启动时保持原有基准时间.
func (u *unit) arm(seq uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastIn = seq
	if !u.armed {
		u.armed = true
		u.base = time.Now()
	}
}

// disarm 在单元因上游为空而等待时停止看门狗.
func (u *unit) disarm() {
	u.mu.Lock()
	u.armed = false
	u.mu.Unlock()
}

// success 记录一次成功调用并重置看门狗，返回是否超出软预算.
func (u *unit) success(latency time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.base = time.Now()
	u.processed++
	u.lastLatency = latency
	if u.avgLatency == 0 {
		u.avgLatency = float64(latency)
	} else {
		u.avgLatency = ewmaAlpha*float64(latency) + (1-ewmaAlpha)*u.avgLatency
	}
	over := u.budget > 0 && latency > u.budget
	if over {
		u.overBudget++
	}
	return over
}

func (u *unit) itemFailure() {
	u.mu.Lock()
	u.itemFailures++
	u.mu.Unlock()
}

func (u *unit) markFailed() {
	u.mu.Lock()
	u.failed = true
	u.mu.Unlock()
}

// emitted 记录已输出的序号.
func (u *unit) emitted(seq uint64) {
	u.mu.Lock()
	u.lastOut = seq
	u.hasOut = true
	u.mu.Unlock()
}

// nextFlushSeq 为 flush 输出分配序号：不小于最后消费的输入，且大于最后的输出.
func (u *unit) nextFlushSeq() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	seq := u.lastIn
	if u.hasOut && seq <= u.lastOut {
		seq = u.lastOut + 1
	}
	return seq
}

// stalled 报告看门狗是否超时.
func (u *unit) stalled(now time.Time, timeout time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.armed && !u.failed && now.Sub(u.base) > timeout
}

func (u *unit) finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

func (u *unit) health() StageHealth {
	u.mu.Lock()
	h := StageHealth{
		Name:         u.name,
		Status:       StageIdle,
		Processed:    u.processed,
		ItemFailures: u.itemFailures,
		OverBudget:   u.overBudget,
		LastLatency:  u.lastLatency,
		AvgLatency:   time.Duration(u.avgLatency),
		Budget:       u.budget,
	}
	switch {
	case u.failed:
		h.Status = StageFailed
	case u.armed:
		h.Status = StageRunning
	}
	u.mu.Unlock()
	if u.in != nil {
		h.Input = u.in.Stats()
	}
	return h
}
