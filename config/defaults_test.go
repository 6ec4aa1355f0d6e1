package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, SessionConfig{}, cfg.Session)
	assert.NotEqual(t, InferenceConfig{}, cfg.Inference)
	assert.NotEqual(t, AudioConfig{}, cfg.Audio)
	assert.NotEqual(t, VideoConfig{}, cfg.Video)
	assert.NotEqual(t, EgressConfig{}, cfg.Egress)
	assert.NotEqual(t, HistoryConfig{}, cfg.History)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultConfig_FreshMaps(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	a.Pipeline.Queues["video"] = QueueSettings{Capacity: 1, Policy: "drop_newest"}
	assert.Equal(t, 30, b.Pipeline.Queues["video"].Capacity)
}

// --- Individual Default*Config functions ---

func TestDefaultInferenceConfig(t *testing.T) {
	cfg := DefaultInferenceConfig()
	assert.Equal(t, "synthetic", cfg.Engine)
	assert.True(t, cfg.OnlineMode)
	assert.Equal(t, 25, cfg.SamplingTimesteps)
	assert.Equal(t, 2.3, cfg.CropScale)
	assert.Equal(t, 512, cfg.MaxSize)
}

func TestDefaultAudioAndVideoConfig(t *testing.T) {
	audio := DefaultAudioConfig()
	video := DefaultVideoConfig()
	assert.Equal(t, 16000, audio.SampleRate)
	assert.Equal(t, audio.SampleRate/video.FPS, audio.ChunkSize, "one chunk per video frame")
	assert.Equal(t, 80, video.JPEGQuality)
}

func TestDefaultPipelineConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()
	assert.Equal(t, 5*time.Second, cfg.WatchdogTimeout)
	assert.Equal(t, 5*time.Second, cfg.DrainTimeout)
	for _, name := range []string{"audio2motion", "stitch", "warp", "decode", "putback", "video"} {
		q, ok := cfg.Queues[name]
		require.True(t, ok, name)
		assert.Positive(t, q.Capacity)
	}
	assert.Equal(t, 30, cfg.Queues["video"].Capacity)
	assert.Equal(t, "drop_newest", cfg.Queues["audio2motion"].Policy)
}

func TestDefaultEgressConfig(t *testing.T) {
	cfg := DefaultEgressConfig()
	assert.Equal(t, "ffmpeg", cfg.FFmpeg)
	assert.Equal(t, 30, cfg.GOP)
	assert.Equal(t, 5*time.Second, cfg.CloseTimeout)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "livehead", cfg.ServiceName)
}
