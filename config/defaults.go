// =============================================================================
// 📦 LiveHead 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Session:   DefaultSessionConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Inference: DefaultInferenceConfig(),
		Audio:     DefaultAudioConfig(),
		Video:     DefaultVideoConfig(),
		Egress:    DefaultEgressConfig(),
		History:   DefaultHistoryConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8000,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxSessions:  4,
		StopTimeout:  10 * time.Second,
		IdleTimeout:  0,
		ReapInterval: 30 * time.Second,
	}
}

// DefaultPipelineConfig 返回默认流水线配置
//
// 音频输入队列使用 drop_newest 保护已缓冲的语音，
// 阶段间与视频输出队列使用 drop_oldest 保证新鲜度。
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		WatchdogTimeout:   5 * time.Second,
		DrainTimeout:      5 * time.Second,
		DegradedThreshold: 2 * time.Second,
		Queues: map[string]QueueSettings{
			"audio2motion": {Capacity: 100, Policy: "drop_newest"},
			"stitch":       {Capacity: 30, Policy: "drop_oldest"},
			"warp":         {Capacity: 30, Policy: "drop_oldest"},
			"decode":       {Capacity: 30, Policy: "drop_oldest"},
			"putback":      {Capacity: 30, Policy: "drop_oldest"},
			"video":        {Capacity: 30, Policy: "drop_oldest"},
		},
		Budgets: map[string]time.Duration{
			"audio2motion": 10 * time.Millisecond,
			"stitch":       5 * time.Millisecond,
			"warp":         15 * time.Millisecond,
			"decode":       10 * time.Millisecond,
			"putback":      5 * time.Millisecond,
		},
	}
}

// DefaultInferenceConfig 返回默认推理配置
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		Engine:            "synthetic",
		OnlineMode:        true,
		SamplingTimesteps: 25,
		CropScale:         2.3,
		CropVXRatio:       0,
		CropVYRatio:       -0.125,
		MaxSize:           512,
		SimulatedLatency:  2 * time.Millisecond,
		Remote: RemoteConfig{
			Timeout:      2 * time.Second,
			MaxRetries:   2,
			RetryWaitMin: 50 * time.Millisecond,
			RetryWaitMax: 500 * time.Millisecond,
		},
	}
}

// DefaultAudioConfig 返回默认音频配置
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:      16000,
		ChunkSize:       640,
		MaxMessageBytes: 1 << 20,
	}
}

// DefaultVideoConfig 返回默认视频配置
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		Width:       512,
		Height:      512,
		FPS:         25,
		JPEGQuality: 80,
	}
}

// DefaultEgressConfig 返回默认推流配置
func DefaultEgressConfig() EgressConfig {
	return EgressConfig{
		FFmpeg:         "ffmpeg",
		GOP:            30,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		CloseTimeout:   5 * time.Second,
	}
}

// DefaultHistoryConfig 返回默认历史存储配置
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Backend:    "memory",
		TTL:        time.Hour,
		MaxEntries: 256,
		KeyPrefix:  "livehead:session:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "livehead",
		SampleRate:   0.1,
	}
}
