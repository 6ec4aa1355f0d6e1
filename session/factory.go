package session

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/livehead/config"
	"github.com/BaSui01/livehead/egress"
	"github.com/BaSui01/livehead/engine"
	"github.com/BaSui01/livehead/engine/remote"
	"github.com/BaSui01/livehead/engine/synthetic"
	"github.com/BaSui01/livehead/ingress"
	"github.com/BaSui01/livehead/pipeline"
	"github.com/BaSui01/livehead/types"
)

// 推理引擎类型
const (
	EngineSynthetic = "synthetic"
	EngineRemote    = "remote"
)

// EngineFactory 按配置为每个会话构造独立的推理阶段、队列链与出口.
type EngineFactory struct {
	cfg     *config.Config
	starter egress.ProcessStarter
	client  *remote.Client
	logger  *zap.Logger
}

// FactoryOption 配置 EngineFactory.
type FactoryOption func(*EngineFactory)

// WithProcessStarter 替换 RTMP 编码器进程的启动方式，默认 exec.
func WithProcessStarter(s egress.ProcessStarter) FactoryOption {
	return func(f *EngineFactory) { f.starter = s }
}

// WithRemoteClient 使用已有的远程推理客户端.
func WithRemoteClient(c *remote.Client) FactoryOption {
	return func(f *EngineFactory) { f.client = c }
}

// NewEngineFactory 创建工厂；远程引擎的客户端在所有会话间共享.
func NewEngineFactory(cfg *config.Config, logger *zap.Logger, opts ...FactoryOption) (*EngineFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &EngineFactory{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(f)
	}
	if f.starter == nil {
		f.starter = egress.ExecStarter{Logger: logger}
	}

	switch cfg.Inference.Engine {
	case EngineSynthetic:
	case EngineRemote:
		if f.client == nil {
			rc := cfg.Inference.Remote
			client, err := remote.NewClient(remote.Config{
				Endpoint:     rc.Endpoint,
				Timeout:      rc.Timeout,
				MaxRetries:   rc.MaxRetries,
				RetryWaitMin: rc.RetryWaitMin,
				RetryWaitMax: rc.RetryWaitMax,
				MaxSessions:  cfg.Session.MaxSessions,
			}, logger)
			if err != nil {
				return nil, err
			}
			f.client = client
		}
	default:
		return nil, fmt.Errorf("unknown inference engine %q", cfg.Inference.Engine)
	}
	return f, nil
}

// Ping 检查推理后端；合成引擎始终就绪.
func (f *EngineFactory) Ping(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	return f.client.Ping(ctx)
}

// Params 返回会话的推理参数.
func (f *EngineFactory) Params(sourcePath string) engine.Params {
	inf, audio, video := f.cfg.Inference, f.cfg.Audio, f.cfg.Video
	return engine.Params{
		SourcePath:        sourcePath,
		OnlineMode:        inf.OnlineMode,
		SamplingTimesteps: inf.SamplingTimesteps,
		CropScale:         inf.CropScale,
		CropVXRatio:       inf.CropVXRatio,
		CropVYRatio:       inf.CropVYRatio,
		MaxSize:           inf.MaxSize,
		SampleRate:        audio.SampleRate,
		FPS:               video.FPS,
		Width:             video.Width,
		Height:            video.Height,
		Latency:           inf.SimulatedLatency,
	}
}

// Build 实现 Factory.
func (f *EngineFactory) Build(_ context.Context, req Request) (pipeline.Config, error) {
	if req.SourcePath == "" {
		return pipeline.Config{}, invalid("source_path is required", nil)
	}
	if _, err := os.Stat(req.SourcePath); err != nil {
		return pipeline.Config{}, invalid(fmt.Sprintf("source_path %s is not readable", req.SourcePath), err)
	}

	p := f.Params(req.SourcePath)
	if err := p.Validate(); err != nil {
		return pipeline.Config{}, invalid("invalid inference parameters", err)
	}

	var adapters []pipeline.Adapter
	switch f.cfg.Inference.Engine {
	case EngineRemote:
		adapters = remote.NewStages(f.client, req.ID, p)
	default:
		var err error
		if adapters, err = synthetic.NewStages(p, f.logger); err != nil {
			return pipeline.Config{}, invalid("invalid inference parameters", err)
		}
	}

	pc := f.cfg.Pipeline
	cfg := pipeline.Config{
		Output:            queueConfig(pc, "video"),
		WatchdogTimeout:   pc.WatchdogTimeout,
		DrainTimeout:      pc.DrainTimeout,
		DegradedThreshold: pc.DegradedThreshold,
		Logger:            f.logger,
	}
	for _, a := range adapters {
		cfg.Stages = append(cfg.Stages, pipeline.StageSpec{
			Adapter: a,
			Input:   queueConfig(pc, a.Name()),
			Budget:  pc.Budgets[a.Name()],
		})
	}

	out, err := f.egress(req)
	if err != nil {
		return pipeline.Config{}, err
	}
	cfg.Egress = out

	if req.AudioPath != "" {
		src, err := ingress.NewFileSource(ingress.FileConfig{
			Path:       req.AudioPath,
			SampleRate: f.cfg.Audio.SampleRate,
			ChunkSize:  f.cfg.Audio.ChunkSize,
			Loop:       f.cfg.Audio.Loop,
			Realtime:   true,
		}, f.logger)
		if err != nil {
			return pipeline.Config{}, invalid(fmt.Sprintf("audio_path %s is not usable", req.AudioPath), err)
		}
		cfg.Source = src
	}
	return cfg, nil
}

func (f *EngineFactory) egress(req Request) (pipeline.Egress, error) {
	if req.Kind == KindLive {
		if req.Egress == nil {
			return nil, types.NewError(types.ErrInternalError, "live session without a channel")
		}
		return req.Egress, nil
	}
	if req.Egress != nil {
		return req.Egress, nil
	}
	if req.RTMPURL == "" {
		return nil, invalid("rtmp_url is required", nil)
	}

	ec, video := f.cfg.Egress, f.cfg.Video
	out, err := egress.NewRTMP(egress.RTMPConfig{
		URL:            req.RTMPURL,
		FFmpeg:         ec.FFmpeg,
		Width:          video.Width,
		Height:         video.Height,
		FPS:            video.FPS,
		GOP:            ec.GOP,
		MaxRetries:     ec.MaxRetries,
		InitialBackoff: ec.InitialBackoff,
		MaxBackoff:     ec.MaxBackoff,
		CloseTimeout:   ec.CloseTimeout,
	}, f.starter, f.logger.With(zap.String("session_id", req.ID)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// queueConfig 未配置的队列使用 drop_oldest/30.
func queueConfig(pc config.PipelineConfig, name string) pipeline.QueueConfig {
	qc := pipeline.QueueConfig{Name: name, Capacity: 30, Policy: pipeline.DropOldest}
	if s, ok := pc.Queues[name]; ok {
		if s.Capacity > 0 {
			qc.Capacity = s.Capacity
		}
		if s.Policy != "" {
			qc.Policy = pipeline.DropPolicy(s.Policy)
		}
	}
	return qc
}

func invalid(msg string, cause error) error {
	e := types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(http.StatusBadRequest)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}
