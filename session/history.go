package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/livehead/internal/cache"
)

// History 终态摘要存储.
type History interface {
	// Put 记录会话终态摘要，同 id 覆盖
	Put(ctx context.Context, s Summary) error
	// Get 返回最近一次记录的摘要
	Get(ctx context.Context, id string) (Summary, bool, error)
	// Recent 返回最近结束的会话摘要，按结束时间倒序
	Recent(ctx context.Context, n int) ([]Summary, error)
	// Ping 检查后端可用性
	Ping(ctx context.Context) error
	// Name 后端名称，用于日志与指标
	Name() string
}

// ============================================================
// 内存实现
// ============================================================

type memoryEntry struct {
	summary Summary
	expires time.Time
}

// MemoryHistory 进程内有界历史存储.
type MemoryHistory struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	order      []string // 最旧在前
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// NewMemoryHistory 创建内存历史存储；maxEntries<=0 时默认 256，ttl<=0 表示不过期.
func NewMemoryHistory(maxEntries int, ttl time.Duration) *MemoryHistory {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &MemoryHistory{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Name 实现 History.
func (h *MemoryHistory) Name() string { return "memory" }

// Ping 实现 History.
func (h *MemoryHistory) Ping(context.Context) error { return nil }

// Put 实现 History.
func (h *MemoryHistory) Put(_ context.Context, s Summary) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.entries[s.ID]; ok {
		h.removeOrder(s.ID)
	}
	e := memoryEntry{summary: s}
	if h.ttl > 0 {
		e.expires = h.now().Add(h.ttl)
	}
	h.entries[s.ID] = e
	h.order = append(h.order, s.ID)

	for len(h.order) > h.maxEntries {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.entries, oldest)
	}
	return nil
}

// Get 实现 History.
func (h *MemoryHistory) Get(_ context.Context, id string) (Summary, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[id]
	if !ok {
		return Summary{}, false, nil
	}
	if h.expired(e) {
		delete(h.entries, id)
		h.removeOrder(id)
		return Summary{}, false, nil
	}
	return e.summary, true, nil
}

// Recent 实现 History.
func (h *MemoryHistory) Recent(_ context.Context, n int) ([]Summary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Summary, 0, min(n, len(h.order)))
	for i := len(h.order) - 1; i >= 0 && len(out) < n; i-- {
		e := h.entries[h.order[i]]
		if h.expired(e) {
			continue
		}
		out = append(out, e.summary)
	}
	return out, nil
}

func (h *MemoryHistory) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && h.now().After(e.expires)
}

func (h *MemoryHistory) removeOrder(id string) {
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

// ============================================================
// Redis 实现
// ============================================================

// RedisHistory 基于 Redis 的共享历史存储，多个实例可查询彼此的会话结果.
type RedisHistory struct {
	cache      *cache.Manager
	prefix     string
	ttl        time.Duration
	maxEntries int64
	logger     *zap.Logger
}

// NewRedisHistory 创建 Redis 历史存储.
func NewRedisHistory(c *cache.Manager, prefix string, ttl time.Duration, maxEntries int, logger *zap.Logger) *RedisHistory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "livehead:session:"
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &RedisHistory{
		cache:      c,
		prefix:     prefix,
		ttl:        ttl,
		maxEntries: int64(maxEntries),
		logger:     logger.With(zap.String("component", "redis_history")),
	}
}

// Name 实现 History.
func (h *RedisHistory) Name() string { return "redis" }

// Ping 实现 History.
func (h *RedisHistory) Ping(ctx context.Context) error { return h.cache.Ping(ctx) }

func (h *RedisHistory) key(id string) string { return h.prefix + id }

func (h *RedisHistory) recentKey() string { return h.prefix + "recent" }

// Put 实现 History.
func (h *RedisHistory) Put(ctx context.Context, s Summary) error {
	if err := h.cache.SetJSON(ctx, h.key(s.ID), s, h.ttl); err != nil {
		return fmt.Errorf("store summary %s: %w", s.ID, err)
	}
	if err := h.cache.PushRecent(ctx, h.recentKey(), s.ID, h.maxEntries); err != nil {
		// 索引失败不影响按 id 查询
		h.logger.Warn("index summary", zap.String("session_id", s.ID), zap.Error(err))
	}
	return nil
}

// Get 实现 History.
func (h *RedisHistory) Get(ctx context.Context, id string) (Summary, bool, error) {
	var s Summary
	err := h.cache.GetJSON(ctx, h.key(id), &s)
	if cache.IsCacheMiss(err) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	return s, true, nil
}

// Recent 实现 History.
func (h *RedisHistory) Recent(ctx context.Context, n int) ([]Summary, error) {
	ids, err := h.cache.Recent(ctx, h.recentKey(), int64(n))
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, ok, err := h.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// 摘要已过期的 id 直接跳过
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}
