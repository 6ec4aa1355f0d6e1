package ingress

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/livehead/pipeline"
)

// FileConfig 文件音频来源配置.
type FileConfig struct {
	Path       string
	SampleRate int
	ChunkSize  int
	// Loop 播放结束后从头开始，直到 ctx 取消
	Loop bool
	// Realtime 按音频时长节拍推送；关闭时尽快推送
	Realtime bool
}

// FileSource 从 WAV 或原始 float32 文件读取音频，实现 pipeline.Source.
type FileSource struct {
	cfg     FileConfig
	samples []float32
	logger  *zap.Logger
}

// NewFileSource 加载音频文件并重采样到目标采样率.
//
// .wav 按 16-bit PCM 解析，其余扩展名按目标采样率的小端 float32 解析。
func NewFileSource(cfg FileConfig, logger *zap.Logger) (*FileSource, error) {
	if cfg.SampleRate <= 0 || cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d or chunk size %d", cfg.SampleRate, cfg.ChunkSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}

	var samples []float32
	if strings.EqualFold(filepath.Ext(cfg.Path), ".wav") {
		pcm, rate, err := DecodeWAV(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		samples = Resample(pcm, rate, cfg.SampleRate)
	} else {
		samples, err = DecodeFloat32LE(data)
		if err != nil {
			return nil, err
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("audio file %s has no samples", cfg.Path)
	}

	return &FileSource{
		cfg:     cfg,
		samples: samples,
		logger:  logger.With(zap.String("component", "file_source"), zap.String("path", cfg.Path)),
	}, nil
}

// Duration 返回音频总时长.
func (s *FileSource) Duration() time.Duration {
	return time.Duration(len(s.samples)) * time.Second / time.Duration(s.cfg.SampleRate)
}

// Run 实现 pipeline.Source.
func (s *FileSource) Run(ctx context.Context, emit func(pipeline.AudioChunk, time.Time) error) error {
	interval := time.Duration(s.cfg.ChunkSize) * time.Second / time.Duration(s.cfg.SampleRate)
	var tick <-chan time.Time
	if s.cfg.Realtime {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for pass := 0; ; pass++ {
		for off := 0; off < len(s.samples); off += s.cfg.ChunkSize {
			if tick != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-tick:
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}

			end := min(off+s.cfg.ChunkSize, len(s.samples))
			chunk := make([]float32, end-off)
			copy(chunk, s.samples[off:end])
			if err := emit(pipeline.AudioChunk{Samples: chunk, SampleRate: s.cfg.SampleRate}, time.Now()); err != nil {
				return err
			}
		}
		if !s.cfg.Loop {
			s.logger.Debug("audio file finished", zap.Int("passes", pass+1))
			return nil
		}
	}
}
