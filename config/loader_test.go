// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8000, cfg.Server.HTTPPort)
	assert.Equal(t, "synthetic", cfg.Inference.Engine)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

session:
  max_sessions: 8
  stop_timeout: 3s

pipeline:
  watchdog_timeout: 2s
  queues:
    video:
      capacity: 60
      policy: drop_oldest

inference:
  online_mode: false
  sampling_timesteps: 10
  crop_scale: 2.0

video:
  width: 256
  height: 256
  fps: 30

log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 8, cfg.Session.MaxSessions)
	assert.Equal(t, 3*time.Second, cfg.Session.StopTimeout)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.WatchdogTimeout)
	assert.Equal(t, QueueSettings{Capacity: 60, Policy: "drop_oldest"}, cfg.Pipeline.Queues["video"])
	// 未覆盖的队列保留默认值
	assert.Equal(t, "drop_newest", cfg.Pipeline.Queues["audio2motion"].Policy)
	assert.False(t, cfg.Inference.OnlineMode)
	assert.Equal(t, 10, cfg.Inference.SamplingTimesteps)
	assert.Equal(t, 512, cfg.Inference.MaxSize, "unset fields keep defaults")
	assert.Equal(t, 30, cfg.Video.FPS)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("LIVEHEAD_SERVER_HTTP_PORT", "7777")
	t.Setenv("LIVEHEAD_SESSION_IDLE_TIMEOUT", "45s")
	t.Setenv("LIVEHEAD_INFERENCE_ONLINE_MODE", "false")
	t.Setenv("LIVEHEAD_INFERENCE_CROP_SCALE", "1.8")
	t.Setenv("LIVEHEAD_INFERENCE_REMOTE_ENDPOINT", "http://gpu:9000")
	t.Setenv("LIVEHEAD_LOG_OUTPUT_PATHS", "stdout, /tmp/livehead.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.Session.IdleTimeout)
	assert.False(t, cfg.Inference.OnlineMode)
	assert.Equal(t, 1.8, cfg.Inference.CropScale)
	assert.Equal(t, "http://gpu:9000", cfg.Inference.Remote.Endpoint)
	assert.Equal(t, []string{"stdout", "/tmp/livehead.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: 8888\n"), 0644))
	t.Setenv("LIVEHEAD_SERVER_HTTP_PORT", "9999")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_VIDEO_WIDTH", "320")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Video.Width)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("LIVEHEAD_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error { return c.Validate() }).Load()
	assert.NoError(t, err)

	t.Setenv("LIVEHEAD_AUDIO_SAMPLE_RATE", "44100")
	_, err = NewLoader().WithValidator(func(c *Config) error { return c.Validate() }).Load()
	assert.Error(t, err)
}

func TestMustLoad_PanicsOnBadFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("::bad"), 0644))
	assert.Panics(t, func() { MustLoad(configPath) })
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad http port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"negative max sessions", func(c *Config) { c.Session.MaxSessions = -1 }},
		{"wrong sample rate", func(c *Config) { c.Audio.SampleRate = 8000 }},
		{"zero chunk size", func(c *Config) { c.Audio.ChunkSize = 0 }},
		{"zero fps", func(c *Config) { c.Video.FPS = 0 }},
		{"jpeg quality", func(c *Config) { c.Video.JPEGQuality = 0 }},
		{"zero watchdog", func(c *Config) { c.Pipeline.WatchdogTimeout = 0 }},
		{"queue without policy", func(c *Config) { c.Pipeline.Queues["warp"] = QueueSettings{Capacity: 4} }},
		{"queue without capacity", func(c *Config) { c.Pipeline.Queues["warp"] = QueueSettings{Policy: "drop_oldest"} }},
		{"unknown engine", func(c *Config) { c.Inference.Engine = "cuda" }},
		{"remote without endpoint", func(c *Config) { c.Inference.Engine = "remote" }},
		{"zero crop scale", func(c *Config) { c.Inference.CropScale = 0 }},
		{"negative egress retries", func(c *Config) { c.Egress.MaxRetries = -1 }},
		{"unknown history backend", func(c *Config) { c.History.Backend = "etcd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Inference.Engine = "remote"
	cfg.Inference.Remote.Endpoint = "http://localhost:9000"
	assert.NoError(t, cfg.Validate())
}
