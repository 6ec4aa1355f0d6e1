package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/livehead/engine"
	"github.com/BaSui01/livehead/pipeline"
	"github.com/BaSui01/livehead/types"
)

// ============================================================
// 线上格式
// ============================================================

type wireAudio struct {
	Samples    []float32 `json:"samples"`
	SampleRate int       `json:"sample_rate"`
}

type wireField struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float32 `json:"data"`
}

type wireFrame struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pix    []byte `json:"pix"`
}

// wireItem 队列元素的 JSON 表示，载荷字段按 kind 互斥.
type wireItem struct {
	Seq        uint64     `json:"seq"`
	Kind       string     `json:"kind"`
	CapturedAt time.Time  `json:"captured_at"`
	Audio      *wireAudio `json:"audio,omitempty"`
	Motion     []float32  `json:"motion,omitempty"`
	Warp       *wireField `json:"warp,omitempty"`
	Frame      *wireFrame `json:"frame,omitempty"`
}

func encodeItem(it *pipeline.Item) (wireItem, error) {
	w := wireItem{Seq: it.Seq, Kind: string(it.Kind), CapturedAt: it.CapturedAt}
	switch p := it.Payload.(type) {
	case pipeline.AudioChunk:
		w.Audio = &wireAudio{Samples: p.Samples, SampleRate: p.SampleRate}
	case pipeline.MotionVector:
		w.Motion = p.Values
	case pipeline.WarpField:
		w.Warp = &wireField{Width: p.Width, Height: p.Height, Data: p.Data}
	case pipeline.RGBFrame:
		w.Frame = &wireFrame{Width: p.Width, Height: p.Height, Pix: p.Pix}
	default:
		return w, fmt.Errorf("unsupported payload %T", it.Payload)
	}
	return w, nil
}

func decodeItem(w wireItem) (*pipeline.Item, error) {
	it := &pipeline.Item{Kind: pipeline.Kind(w.Kind), CapturedAt: w.CapturedAt}
	switch {
	case w.Audio != nil:
		it.Payload = pipeline.AudioChunk{Samples: w.Audio.Samples, SampleRate: w.Audio.SampleRate}
	case w.Motion != nil:
		it.Payload = pipeline.MotionVector{Values: w.Motion}
	case w.Warp != nil:
		it.Payload = pipeline.WarpField{Width: w.Warp.Width, Height: w.Warp.Height, Data: w.Warp.Data}
	case w.Frame != nil:
		f := pipeline.RGBFrame{Width: w.Frame.Width, Height: w.Frame.Height, Pix: w.Frame.Pix}
		if !f.Valid() {
			return nil, fmt.Errorf("frame %dx%d with %d bytes", f.Width, f.Height, len(f.Pix))
		}
		it.Payload = f
	default:
		return nil, errors.New("response item has no payload")
	}
	return it, nil
}

// ============================================================
// 阶段适配器
// ============================================================

// Stage 远程推理阶段.
type Stage struct {
	name    string
	session string
	client  *Client
	params  engine.Params
	logger  *zap.Logger
}

// NewStages 为一个会话构造五个远程阶段.
func NewStages(client *Client, session string, p engine.Params) []pipeline.Adapter {
	stages := make([]pipeline.Adapter, 0, len(engine.StageOrder))
	for _, name := range engine.StageOrder {
		stages = append(stages, NewStage(client, session, name, p))
	}
	return stages
}

// NewStage 创建远程阶段.
func NewStage(client *Client, session, name string, p engine.Params) *Stage {
	return &Stage{
		name:    name,
		session: session,
		client:  client,
		params:  p,
		logger:  client.logger.With(zap.String("stage", name), zap.String("session_id", session)),
	}
}

// Name 实现 pipeline.Adapter.
func (s *Stage) Name() string { return s.name }

// Open 在服务端分配阶段句柄.
func (s *Stage) Open(ctx context.Context) error {
	if _, _, err := s.client.do(ctx, http.MethodPost, s.client.stageURL(s.session, s.name), s.params); err != nil {
		return fmt.Errorf("open remote stage %s: %w", s.name, err)
	}
	return nil
}

// Process 实现 pipeline.Adapter.
func (s *Stage) Process(ctx context.Context, in *pipeline.Item) (*pipeline.Item, error) {
	req, err := encodeItem(in)
	if err != nil {
		return nil, pipeline.ItemError(err)
	}

	status, body, err := s.client.do(ctx, http.MethodPost, s.client.stageURL(s.session, s.name, "process"), req)
	if err != nil {
		return nil, classify(s.name, err)
	}
	if status == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}

	var resp wireItem
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, pipeline.ItemError(fmt.Errorf("decode response: %w", err))
	}
	out, err := decodeItem(resp)
	if err != nil {
		return nil, pipeline.ItemError(err)
	}
	if out.Kind == "" {
		out.Kind = engine.OutputKind(s.name)
	}
	return out, nil
}

// Close 释放服务端句柄；失败只记录日志.
func (s *Stage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := s.client.do(ctx, http.MethodDelete, s.client.stageURL(s.session, s.name), nil); err != nil {
		s.logger.Warn("release remote stage", zap.Error(err))
		return err
	}
	return nil
}

// classify 将传输错误映射为流水线错误分类.
func classify(stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *statusError
	if errors.As(err, &se) && se.status >= 400 && se.status < 500 {
		return pipeline.ItemError(err)
	}
	return types.NewError(types.ErrStageFatal, "inference service unavailable").WithStage(stage).WithCause(err)
}
