// Package synthetic 提供进程内合成推理引擎.
//
// 每个阶段根据输入做确定性的轻量计算，并可按 Params.Latency 模拟推理耗时，
// 保留真实模型的输入输出形状。
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/livehead/engine"
	"github.com/BaSui01/livehead/pipeline"
)

// MotionDim 运动向量维度：能量、过零率、张嘴、偏航、俯仰、眨眼、头部位移 x/y.
const MotionDim = 8

// NewStages 按固定顺序构造五个合成阶段.
func NewStages(p engine.Params, logger *zap.Logger) ([]pipeline.Adapter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "synthetic_engine"))
	return []pipeline.Adapter{
		NewAudioToMotion(p),
		NewStitch(p),
		NewWarp(p),
		NewDecode(p),
		NewPutBack(p, logger),
	}, nil
}

// simulate 模拟推理耗时，ctx 取消时提前返回.
func simulate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// base 合成阶段的公共部分.
type base struct {
	name    string
	latency time.Duration
}

func (b base) Name() string               { return b.name }
func (b base) Open(context.Context) error { return nil }
func (b base) Close() error               { return nil }

// ============================================================
// 🎵 audio2motion
// ============================================================

// AudioToMotion 将音频累积到一帧窗口后输出一个运动向量.
//
// 输入块大于窗口时只保留最近一个窗口的采样。
type AudioToMotion struct {
	base
	sampleRate int
	window     int
	pending    []float32
	frames     uint64
}

// NewAudioToMotion 创建 audio2motion 阶段.
func NewAudioToMotion(p engine.Params) *AudioToMotion {
	return &AudioToMotion{
		base:       base{name: engine.StageAudioToMotion, latency: p.Latency},
		sampleRate: p.SampleRate,
		window:     p.SamplesPerFrame(),
		pending:    make([]float32, 0, p.SamplesPerFrame()*2),
	}
}

// Process 实现 pipeline.Adapter.
func (a *AudioToMotion) Process(ctx context.Context, in *pipeline.Item) (*pipeline.Item, error) {
	chunk, ok := in.Payload.(pipeline.AudioChunk)
	if !ok {
		return nil, pipeline.ItemError(fmt.Errorf("unexpected payload %T", in.Payload))
	}
	if chunk.SampleRate != a.sampleRate {
		return nil, pipeline.ItemError(fmt.Errorf("sample rate %d, want %d", chunk.SampleRate, a.sampleRate))
	}
	if len(chunk.Samples) == 0 {
		return nil, pipeline.ItemError(errors.New("empty audio chunk"))
	}

	a.pending = append(a.pending, chunk.Samples...)
	if len(a.pending) < a.window {
		return nil, nil
	}
	if err := simulate(ctx, a.latency); err != nil {
		return nil, err
	}

	win := a.pending[len(a.pending)-a.window:]
	motion := a.motion(win)
	a.pending = a.pending[:0]
	return &pipeline.Item{Kind: pipeline.KindMotion, Payload: motion}, nil
}

// Flush 流结束时将不足一帧的尾部补零输出.
func (a *AudioToMotion) Flush(context.Context) ([]*pipeline.Item, error) {
	if len(a.pending) == 0 {
		return nil, nil
	}
	win := make([]float32, a.window)
	copy(win, a.pending)
	a.pending = a.pending[:0]
	return []*pipeline.Item{{Kind: pipeline.KindMotion, Payload: a.motion(win)}}, nil
}

func (a *AudioToMotion) motion(win []float32) pipeline.MotionVector {
	var energy float64
	var crossings int
	for i, s := range win {
		energy += float64(s) * float64(s)
		if i > 0 && (s >= 0) != (win[i-1] >= 0) {
			crossings++
		}
	}
	rms := math.Sqrt(energy / float64(len(win)))
	zcr := float64(crossings) / float64(len(win))
	t := float64(a.frames) / 25.0
	a.frames++

	blink := 0.0
	if a.frames%75 < 3 {
		blink = 1
	}
	v := []float32{
		float32(rms),
		float32(zcr),
		float32(math.Min(1, rms*4)),
		float32(0.15 * math.Sin(t*0.7)),
		float32(0.08 * math.Sin(t*1.3)),
		float32(blink),
		float32(0.02 * math.Sin(t*0.5)),
		float32(0.02 * math.Cos(t*0.4)),
	}
	return pipeline.MotionVector{Values: v}
}

// ============================================================
// 🧵 stitch
// ============================================================

// Stitch 对相邻帧的运动向量做指数平滑；在线模式平滑更弱以降低延迟.
type Stitch struct {
	base
	alpha float32
	prev  []float32
}

// NewStitch 创建 stitch 阶段.
func NewStitch(p engine.Params) *Stitch {
	alpha := float32(0.35)
	if p.OnlineMode {
		alpha = 0.6
	}
	return &Stitch{base: base{name: engine.StageStitch, latency: p.Latency}, alpha: alpha}
}

// Process 实现 pipeline.Adapter.
func (s *Stitch) Process(ctx context.Context, in *pipeline.Item) (*pipeline.Item, error) {
	mv, ok := in.Payload.(pipeline.MotionVector)
	if !ok || len(mv.Values) != MotionDim {
		return nil, pipeline.ItemError(fmt.Errorf("unexpected motion payload %T", in.Payload))
	}
	if err := simulate(ctx, s.latency); err != nil {
		return nil, err
	}

	out := make([]float32, MotionDim)
	if s.prev == nil {
		copy(out, mv.Values)
	} else {
		for i, v := range mv.Values {
			out[i] = s.alpha*v + (1-s.alpha)*s.prev[i]
		}
	}
	s.prev = out
	return &pipeline.Item{Kind: pipeline.KindStitched, Payload: pipeline.MotionVector{Values: out}}, nil
}

// ============================================================
// 🌀 warp
// ============================================================

// Warp 由运动向量生成低分辨率形变场.
type Warp struct {
	base
	size int
}

// NewWarp 创建 warp 阶段，形变场边长为 max_size/16.
func NewWarp(p engine.Params) *Warp {
	size := p.MaxSize / 16
	if size < 4 {
		size = 4
	}
	return &Warp{base: base{name: engine.StageWarp, latency: p.Latency}, size: size}
}

// Process 实现 pipeline.Adapter.
func (w *Warp) Process(ctx context.Context, in *pipeline.Item) (*pipeline.Item, error) {
	mv, ok := in.Payload.(pipeline.MotionVector)
	if !ok || len(mv.Values) != MotionDim {
		return nil, pipeline.ItemError(fmt.Errorf("unexpected motion payload %T", in.Payload))
	}
	if err := simulate(ctx, w.latency); err != nil {
		return nil, err
	}

	mouth, yaw, pitch := float64(mv.Values[2]), float64(mv.Values[3]), float64(mv.Values[4])
	data := make([]float32, w.size*w.size)
	c := float64(w.size-1) / 2
	for y := 0; y < w.size; y++ {
		for x := 0; x < w.size; x++ {
			dx, dy := (float64(x)-c)/c, (float64(y)-c)/c
			// 下半脸随张嘴程度拉伸
			v := yaw*dx + pitch*dy
			if dy > 0.2 {
				v += mouth * (1 - math.Abs(dx)) * 0.5
			}
			data[y*w.size+x] = float32(v)
		}
	}
	return &pipeline.Item{Kind: pipeline.KindWarp, Payload: pipeline.WarpField{Width: w.size, Height: w.size, Data: data}}, nil
}

// ============================================================
// 🖼️ decode
// ============================================================

// Decode 将形变场解码为 max_size×max_size 的人脸区域画面.
type Decode struct {
	base
	size int
}

// NewDecode 创建 decode 阶段.
func NewDecode(p engine.Params) *Decode {
	return &Decode{base: base{name: engine.StageDecode, latency: p.Latency}, size: p.MaxSize}
}

// Process 实现 pipeline.Adapter.
func (d *Decode) Process(ctx context.Context, in *pipeline.Item) (*pipeline.Item, error) {
	wf, ok := in.Payload.(pipeline.WarpField)
	if !ok || wf.Width <= 0 || len(wf.Data) != wf.Width*wf.Height {
		return nil, pipeline.ItemError(fmt.Errorf("unexpected warp payload %T", in.Payload))
	}
	if err := simulate(ctx, d.latency); err != nil {
		return nil, err
	}

	pix := make([]byte, d.size*d.size*3)
	for y := 0; y < d.size; y++ {
		wy := y * wf.Height / d.size
		for x := 0; x < d.size; x++ {
			wx := x * wf.Width / d.size
			v := wf.Data[wy*wf.Width+wx]
			shade := clampByte(128 + float64(v)*255)
			o := (y*d.size + x) * 3
			pix[o] = shade
			pix[o+1] = clampByte(float64(shade) * 0.8)
			pix[o+2] = clampByte(float64(shade) * 0.7)
		}
	}
	return &pipeline.Item{Kind: pipeline.KindFrame, Payload: pipeline.RGBFrame{Width: d.size, Height: d.size, Pix: pix}}, nil
}

func clampByte(v float64) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}
