package synthetic

import (
	"context"
	"fmt"
	"image"
	"os"

	// 注册源图解码器
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"

	"github.com/BaSui01/livehead/engine"
	"github.com/BaSui01/livehead/pipeline"
)

// region 源图中被替换的人脸区域.
type region struct {
	x, y, w, h int
}

// PutBack 将解码的人脸区域贴回源图，输出 width×height 的合成帧.
type PutBack struct {
	base
	params engine.Params
	logger *zap.Logger

	source pipeline.RGBFrame
	face   region
}

// NewPutBack 创建 putback 阶段；源图在 Open 时加载.
func NewPutBack(p engine.Params, logger *zap.Logger) *PutBack {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PutBack{
		base:   base{name: engine.StagePutBack, latency: p.Latency},
		params: p,
		logger: logger,
	}
}

// Open 加载源图，路径不可读或格式不支持时返回错误.
func (p *PutBack) Open(context.Context) error {
	f, err := os.Open(p.params.SourcePath)
	if err != nil {
		return fmt.Errorf("open source image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode source image: %w", err)
	}
	p.source = pipeline.FrameFromImage(img).Resize(p.params.Width, p.params.Height)
	p.face = cropRegion(p.params)
	p.logger.Debug("source image loaded",
		zap.String("path", p.params.SourcePath),
		zap.String("format", format),
		zap.Int("face_w", p.face.w),
		zap.Int("face_h", p.face.h),
	)
	return nil
}

// cropRegion 根据 crop_scale 与 crop_vx/vy_ratio 计算人脸区域.
func cropRegion(p engine.Params) region {
	side := int(float64(min(p.Width, p.Height)) / p.CropScale * 1.5)
	side = max(1, min(side, p.Width, p.Height))
	cx := p.Width/2 + int(p.CropVXRatio*float64(p.Width))
	cy := p.Height/2 + int(p.CropVYRatio*float64(p.Height))
	x := min(max(cx-side/2, 0), p.Width-side)
	y := min(max(cy-side/2, 0), p.Height-side)
	return region{x: x, y: y, w: side, h: side}
}

// Process 实现 pipeline.Adapter.
func (p *PutBack) Process(ctx context.Context, in *pipeline.Item) (*pipeline.Item, error) {
	face, ok := in.Payload.(pipeline.RGBFrame)
	if !ok || !face.Valid() {
		return nil, pipeline.ItemError(fmt.Errorf("unexpected frame payload %T", in.Payload))
	}
	if p.source.Pix == nil {
		return nil, pipeline.FatalError(fmt.Errorf("putback used before open"))
	}
	if err := simulate(ctx, p.latency); err != nil {
		return nil, err
	}

	out := p.source.Clone()
	patch := face.Resize(p.face.w, p.face.h)
	for y := 0; y < p.face.h; y++ {
		for x := 0; x < p.face.w; x++ {
			s := (y*p.face.w + x) * 3
			d := ((p.face.y+y)*out.Width + p.face.x + x) * 3
			// 50% 混合，保留源图纹理
			for c := 0; c < 3; c++ {
				out.Pix[d+c] = byte((uint16(out.Pix[d+c]) + uint16(patch.Pix[s+c])) / 2)
			}
		}
	}
	return &pipeline.Item{Kind: pipeline.KindComposite, Payload: out}, nil
}

// Close 释放源图缓冲区.
func (p *PutBack) Close() error {
	p.source = pipeline.RGBFrame{}
	return nil
}
