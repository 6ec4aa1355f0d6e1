package engine

import (
	"fmt"
	"time"

	"github.com/BaSui01/livehead/pipeline"
)

// 阶段名称，与配置中的队列/预算键一致
const (
	StageAudioToMotion = "audio2motion"
	StageStitch        = "stitch"
	StageWarp          = "warp"
	StageDecode        = "decode"
	StagePutBack       = "putback"
)

// StageOrder 流水线中推理阶段的固定顺序.
var StageOrder = []string{
	StageAudioToMotion,
	StageStitch,
	StageWarp,
	StageDecode,
	StagePutBack,
}

// OutputKind 返回阶段输出的载荷类型.
func OutputKind(stage string) pipeline.Kind {
	switch stage {
	case StageAudioToMotion:
		return pipeline.KindMotion
	case StageStitch:
		return pipeline.KindStitched
	case StageWarp:
		return pipeline.KindWarp
	case StageDecode:
		return pipeline.KindFrame
	case StagePutBack:
		return pipeline.KindComposite
	default:
		return ""
	}
}

// Params 推理阶段参数.
type Params struct {
	SourcePath        string  `json:"source_path"`
	OnlineMode        bool    `json:"online_mode"`
	SamplingTimesteps int     `json:"sampling_timesteps"`
	CropScale         float64 `json:"crop_scale"`
	CropVXRatio       float64 `json:"crop_vx_ratio"`
	CropVYRatio       float64 `json:"crop_vy_ratio"`
	MaxSize           int     `json:"max_size"`
	SampleRate        int     `json:"sample_rate"`
	FPS               int     `json:"fps"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`

	// Latency 合成引擎每次调用模拟的推理耗时
	Latency time.Duration `json:"-"`
}

// SamplesPerFrame 一帧视频对应的音频采样数.
func (p Params) SamplesPerFrame() int {
	if p.FPS <= 0 {
		return 0
	}
	return p.SampleRate / p.FPS
}

// Validate 校验参数.
func (p Params) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("source path is required")
	}
	if p.SampleRate <= 0 || p.FPS <= 0 || p.SamplesPerFrame() == 0 {
		return fmt.Errorf("invalid sample rate %d / fps %d", p.SampleRate, p.FPS)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid output size %dx%d", p.Width, p.Height)
	}
	if p.MaxSize <= 0 {
		return fmt.Errorf("max_size must be > 0")
	}
	if p.CropScale <= 0 {
		return fmt.Errorf("crop_scale must be > 0")
	}
	if p.SamplingTimesteps <= 0 {
		return fmt.Errorf("sampling_timesteps must be > 0")
	}
	return nil
}
