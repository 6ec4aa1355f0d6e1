package pipeline

import "time"

// Kind 标识队列元素的载荷类型.
type Kind string

const (
	KindAudio     Kind = "audio"
	KindMotion    Kind = "motion"
	KindStitched  Kind = "stitched"
	KindWarp      Kind = "warp"
	KindFrame     Kind = "frame"
	KindComposite Kind = "composite"
)

// Item 是在阶段之间流动的队列元素.
//
// Seq 在 ingress 处连续分配，并在每个队列边界上严格递增。
// CapturedAt 是音频采集时间，贯穿所有阶段用于端到端延迟统计。
type Item struct {
	Seq        uint64
	Kind       Kind
	Payload    any
	CapturedAt time.Time
	EnqueuedAt time.Time
}

// AudioChunk 单声道 PCM 音频块，取值范围 [-1, 1].
type AudioChunk struct {
	Samples    []float32
	SampleRate int
}

// Duration 返回音频块的时长.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// MotionVector 一帧的运动参数（关键点、表情系数等）.
type MotionVector struct {
	Values []float32
}

// WarpField 形变后的特征体.
type WarpField struct {
	Width  int
	Height int
	Data   []float32
}

// RGBFrame 紧密排列的 RGB24 帧.
type RGBFrame struct {
	Width  int
	Height int
	Pix    []byte
}

// Valid 检查像素缓冲区与尺寸是否一致.
func (f RGBFrame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*3
}
