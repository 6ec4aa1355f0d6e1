package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQueueClosed 队列已关闭且缓冲区为空（end-of-stream）.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// DropPolicy 队列满时的丢弃策略.
type DropPolicy string

const (
	// DropOldest 淘汰队首元素以接纳新元素，保证新鲜度.
	DropOldest DropPolicy = "drop_oldest"
	// DropNewest 拒绝新到达的元素，保证已入队元素的延迟.
	DropNewest DropPolicy = "drop_newest"
)

// Valid 检查策略是否受支持.
func (p DropPolicy) Valid() bool {
	return p == DropOldest || p == DropNewest
}

// QueueConfig 队列配置.
type QueueConfig struct {
	Name     string     `json:"name" yaml:"name"`
	Capacity int        `json:"capacity" yaml:"capacity"`
	Policy   DropPolicy `json:"policy" yaml:"policy"`
}

// Validate 校验队列配置。没有丢弃策略的队列在 Push 时会阻塞，因此不允许.
func (c QueueConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("queue %q: capacity must be > 0, got %d", c.Name, c.Capacity)
	}
	if !c.Policy.Valid() {
		return fmt.Errorf("queue %q: unsupported drop policy %q", c.Name, c.Policy)
	}
	return nil
}

// PushResult Push 的结果.
type PushResult int

const (
	// PushAccepted 元素已入队.
	PushAccepted PushResult = iota
	// PushEvictedOldest 元素已入队，队首元素被淘汰.
	PushEvictedOldest
	// PushDroppedNewest 队列已满，新元素被丢弃.
	PushDroppedNewest
	// PushOutOfOrder 序号不大于上一个已接纳的序号，元素被拒绝.
	PushOutOfOrder
	// PushClosed 队列已关闭.
	PushClosed
)

// String 实现 fmt.Stringer.
func (r PushResult) String() string {
	switch r {
	case PushAccepted:
		return "accepted"
	case PushEvictedOldest:
		return "evicted_oldest"
	case PushDroppedNewest:
		return "dropped_newest"
	case PushOutOfOrder:
		return "out_of_order"
	case PushClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dropped 报告本次 Push 是否导致了一个元素丢失.
func (r PushResult) Dropped() bool {
	return r == PushEvictedOldest || r == PushDroppedNewest || r == PushOutOfOrder
}

// QueueStats 队列运行统计.
type QueueStats struct {
	Name         string        `json:"name"`
	Len          int           `json:"len"`
	Cap          int           `json:"cap"`
	Policy       DropPolicy    `json:"policy"`
	Pushed       uint64        `json:"pushed"`
	Popped       uint64        `json:"popped"`
	Dropped      uint64        `json:"dropped"`
	SaturatedFor time.Duration `json:"saturated_for"`
}

// Queue 有界、有序的 FIFO 队列.
//
// 单生产者 / 单消费者场景下使用，但所有方法都是并发安全的。
// Push 永不阻塞；Pop 阻塞直到有元素、队列关闭或 ctx 取消。
type Queue struct {
	cfg QueueConfig

	mu   sync.Mutex
	cond *sync.Cond

	// 环形缓冲区
	buf  []*Item
	head int
	size int

	lastSeq uint64
	hasLast bool
	closed  bool

	pushed    uint64
	popped    uint64
	dropped   uint64
	fullSince time.Time
}

// NewQueue 创建队列，配置非法时返回错误.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg: cfg,
		buf: make([]*Item, cfg.Capacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Name 返回队列名称.
func (q *Queue) Name() string { return q.cfg.Name }

// Policy 返回队列的丢弃策略.
func (q *Queue) Policy() DropPolicy { return q.cfg.Policy }

// Push 非阻塞入队.
func (q *Queue) Push(item *Item) PushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return PushClosed
	}
	if q.hasLast && item.Seq <= q.lastSeq {
		q.dropped++
		return PushOutOfOrder
	}

	result := PushAccepted
	if q.size == len(q.buf) {
		if q.cfg.Policy == DropNewest {
			q.dropped++
			return PushDroppedNewest
		}
		// drop_oldest: 淘汰队首
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		result = PushEvictedOldest
	}

	item.EnqueuedAt = time.Now()
	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
	q.pushed++
	q.lastSeq = item.Seq
	q.hasLast = true

	if q.size == len(q.buf) && q.fullSince.IsZero() {
		q.fullSince = item.EnqueuedAt
	}

	q.cond.Signal()
	return result
}

// Pop 阻塞出队.
//
// 队列关闭后仍会先返回缓冲区中剩余的元素，缓冲区为空时返回 ErrQueueClosed。
// ctx 取消时返回 ctx.Err()。
func (q *Queue) Pop(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for q.size == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
	if q.size == 0 {
		return nil, ErrQueueClosed
	}

	item := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.popped++
	if q.size < len(q.buf) {
		q.fullSince = time.Time{}
	}
	return item, nil
}

// Close 关闭队列并唤醒所有等待者。幂等.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Closed 报告队列是否已关闭.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Discard 丢弃缓冲区中的全部元素，返回丢弃数量.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	for i := 0; i < q.size; i++ {
		q.buf[(q.head+i)%len(q.buf)] = nil
	}
	q.head = 0
	q.size = 0
	q.dropped += uint64(n)
	q.fullSince = time.Time{}
	q.cond.Broadcast()
	return n
}

// Len 返回当前缓冲的元素数量.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap 返回队列容量.
func (q *Queue) Cap() int { return len(q.buf) }

// Snapshot 按出队顺序返回缓冲区中元素的序号.
func (q *Queue) Snapshot() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seqs := make([]uint64, 0, q.size)
	for i := 0; i < q.size; i++ {
		seqs = append(seqs, q.buf[(q.head+i)%len(q.buf)].Seq)
	}
	return seqs
}

// Stats 返回队列统计快照.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var saturated time.Duration
	if !q.fullSince.IsZero() {
		saturated = time.Since(q.fullSince)
	}
	return QueueStats{
		Name:         q.cfg.Name,
		Len:          q.size,
		Cap:          len(q.buf),
		Policy:       q.cfg.Policy,
		Pushed:       q.pushed,
		Popped:       q.popped,
		Dropped:      q.dropped,
		SaturatedFor: saturated,
	}
}
