package ingress

import (
	"time"

	"github.com/BaSui01/livehead/pipeline"
)

// Chunker 将任意长度的采样流切分为固定大小的音频块.
//
// 每块的采集时间由首个采样的到达时间加上块内偏移推算。非并发安全。
type Chunker struct {
	size       int
	sampleRate int
	buf        []float32
	// bufStart 缓冲区首个采样的采集时间
	bufStart time.Time
}

// NewChunker 创建切分器.
func NewChunker(chunkSize, sampleRate int) *Chunker {
	return &Chunker{
		size:       chunkSize,
		sampleRate: sampleRate,
		buf:        make([]float32, 0, chunkSize*2),
	}
}

// Add 追加采样并返回已凑满的块及其采集时间.
func (c *Chunker) Add(samples []float32, arrived time.Time) ([]pipeline.AudioChunk, []time.Time) {
	if len(samples) == 0 {
		return nil, nil
	}
	if len(c.buf) == 0 {
		c.bufStart = arrived
	}
	c.buf = append(c.buf, samples...)

	var chunks []pipeline.AudioChunk
	var times []time.Time
	for len(c.buf) >= c.size {
		chunk := make([]float32, c.size)
		copy(chunk, c.buf[:c.size])
		chunks = append(chunks, pipeline.AudioChunk{Samples: chunk, SampleRate: c.sampleRate})
		times = append(times, c.bufStart)

		c.buf = append(c.buf[:0], c.buf[c.size:]...)
		c.bufStart = c.bufStart.Add(c.chunkDuration())
	}
	return chunks, times
}

// Flush 返回不足一块的剩余采样；没有剩余时 ok 为 false.
func (c *Chunker) Flush() (pipeline.AudioChunk, time.Time, bool) {
	if len(c.buf) == 0 {
		return pipeline.AudioChunk{}, time.Time{}, false
	}
	chunk := make([]float32, len(c.buf))
	copy(chunk, c.buf)
	c.buf = c.buf[:0]
	return pipeline.AudioChunk{Samples: chunk, SampleRate: c.sampleRate}, c.bufStart, true
}

// Pending 返回缓冲中的采样数.
func (c *Chunker) Pending() int { return len(c.buf) }

func (c *Chunker) chunkDuration() time.Duration {
	return time.Duration(c.size) * time.Second / time.Duration(c.sampleRate)
}
