// Package pool 基于 sync.Pool 的泛型对象池，用于帧编码等热路径上的缓冲复用.
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool 泛型对象池.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(*T)

	gets atomic.Int64
	puts atomic.Int64
	news atomic.Int64
}

// NewPool 创建对象池；reset 在对象归还时调用，可为 nil.
func NewPool[T any](newFunc func() T, reset func(*T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get 取出一个对象.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put 归还对象.
func (p *Pool[T]) Put(obj T) {
	p.puts.Add(1)
	if p.reset != nil {
		p.reset(&obj)
	}
	p.pool.Put(obj)
}

// Stats 返回统计信息.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Gets: p.gets.Load(),
		Puts: p.puts.Load(),
		News: p.news.Load(),
	}
}

// Stats 对象池统计.
type Stats struct {
	Gets int64 `json:"gets"`
	Puts int64 `json:"puts"`
	News int64 `json:"news"`
}

// HitRate 复用率.
func (s Stats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// maxPooledBuffer 超过该容量的缓冲不回收，避免偶发的大帧长期占用内存
const maxPooledBuffer = 4 << 20

// Buffers 帧编码缓冲池；512x512 JPEG 通常在 64 KB 以内.
var Buffers = NewBufferPool(64 << 10)

// BufferPool bytes.Buffer 池.
type BufferPool struct {
	p *Pool[*bytes.Buffer]
}

// NewBufferPool 创建初始容量为 size 的缓冲池.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{p: NewPool(
		func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, size)) },
		func(b **bytes.Buffer) { (*b).Reset() },
	)}
}

// Get 取出一个空缓冲.
func (b *BufferPool) Get() *bytes.Buffer { return b.p.Get() }

// Put 归还缓冲.
func (b *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	b.p.Put(buf)
}

// Stats 返回统计信息.
func (b *BufferPool) Stats() Stats { return b.p.Stats() }
