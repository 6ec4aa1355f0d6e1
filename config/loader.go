// =============================================================================
// 📦 LiveHead 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("LIVEHEAD").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 LiveHead 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Session 会话管理配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Pipeline 流水线配置
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Inference 推理引擎配置
	Inference InferenceConfig `yaml:"inference" env:"INFERENCE"`

	// Audio 音频输入配置
	Audio AudioConfig `yaml:"audio" env:"AUDIO"`

	// Video 视频输出配置
	Video VideoConfig `yaml:"video" env:"VIDEO"`

	// Egress 推流出口配置
	Egress EgressConfig `yaml:"egress" env:"EGRESS"`

	// History 终态摘要存储配置
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，0 表示不限制（实时通道是长连接）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的跨域来源，空表示不开启 CORS
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// SessionConfig 会话管理配置
type SessionConfig struct {
	// 最大并发会话数，0 表示不限制
	MaxSessions int `yaml:"max_sessions" env:"MAX_SESSIONS"`
	// StopSession 等待排空的上限
	StopTimeout time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	// 无音频输入超过该时长的会话被回收，0 表示关闭回收
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 回收检查间隔
	ReapInterval time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
}

// QueueSettings 单个队列的容量与丢弃策略
type QueueSettings struct {
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy"`
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	// 阶段看门狗超时
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout" env:"WATCHDOG_TIMEOUT"`
	// 排空超时
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	// 队列持续饱和超过该时长视为降级
	DegradedThreshold time.Duration `yaml:"degraded_threshold" env:"DEGRADED_THRESHOLD"`
	// 各阶段输入队列，键为阶段名，video 为输出队列
	Queues map[string]QueueSettings `yaml:"queues" env:"-"`
	// 各阶段软延迟预算
	Budgets map[string]time.Duration `yaml:"budgets" env:"-"`
}

// RemoteConfig 远程推理服务配置
type RemoteConfig struct {
	// 服务地址
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// 单次请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试最小等待
	RetryWaitMin time.Duration `yaml:"retry_wait_min" env:"RETRY_WAIT_MIN"`
	// 重试最大等待
	RetryWaitMax time.Duration `yaml:"retry_wait_max" env:"RETRY_WAIT_MAX"`
}

// InferenceConfig 推理引擎配置
type InferenceConfig struct {
	// 引擎类型: synthetic, remote
	Engine string `yaml:"engine" env:"ENGINE"`
	// 在线模式
	OnlineMode bool `yaml:"online_mode" env:"ONLINE_MODE"`
	// 扩散采样步数
	SamplingTimesteps int `yaml:"sampling_timesteps" env:"SAMPLING_TIMESTEPS"`
	// 人脸裁剪缩放
	CropScale float64 `yaml:"crop_scale" env:"CROP_SCALE"`
	// 裁剪水平偏移比例
	CropVXRatio float64 `yaml:"crop_vx_ratio" env:"CROP_VX_RATIO"`
	// 裁剪垂直偏移比例
	CropVYRatio float64 `yaml:"crop_vy_ratio" env:"CROP_VY_RATIO"`
	// 推理最大边长
	MaxSize int `yaml:"max_size" env:"MAX_SIZE"`
	// 合成引擎每次调用的模拟耗时
	SimulatedLatency time.Duration `yaml:"simulated_latency" env:"SIMULATED_LATENCY"`
	// Remote 远程引擎配置
	Remote RemoteConfig `yaml:"remote" env:"REMOTE"`
}

// AudioConfig 音频输入配置
type AudioConfig struct {
	// 采样率，固定 16000
	SampleRate int `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 切块大小（采样数）
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	// 实时通道单条消息上限（字节）
	MaxMessageBytes int64 `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	// 文件来源是否循环播放
	Loop bool `yaml:"loop" env:"LOOP"`
}

// VideoConfig 视频输出配置
type VideoConfig struct {
	// 宽度
	Width int `yaml:"width" env:"WIDTH"`
	// 高度
	Height int `yaml:"height" env:"HEIGHT"`
	// 帧率
	FPS int `yaml:"fps" env:"FPS"`
	// 实时通道 JPEG 质量
	JPEGQuality int `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
}

// EgressConfig 推流出口配置
type EgressConfig struct {
	// ffmpeg 可执行文件
	FFmpeg string `yaml:"ffmpeg" env:"FFMPEG"`
	// 关键帧间隔
	GOP int `yaml:"gop" env:"GOP"`
	// 推流失败后的最大重连次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始退避
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// 最大退避
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 关闭时等待编码器退出的时长
	CloseTimeout time.Duration `yaml:"close_timeout" env:"CLOSE_TIMEOUT"`
}

// HistoryConfig 终态摘要存储配置
type HistoryConfig struct {
	// 存储后端: memory, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// 保留时长
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 内存后端最大条目数
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "LIVEHEAD",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Session.MaxSessions < 0 {
		errs = append(errs, "session.max_sessions must be >= 0")
	}
	if c.Audio.SampleRate != 16000 {
		errs = append(errs, "audio.sample_rate must be 16000")
	}
	if c.Audio.ChunkSize <= 0 {
		errs = append(errs, "audio.chunk_size must be positive")
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 || c.Video.FPS <= 0 {
		errs = append(errs, "video width, height and fps must be positive")
	}
	if c.Video.JPEGQuality < 1 || c.Video.JPEGQuality > 100 {
		errs = append(errs, "video.jpeg_quality must be between 1 and 100")
	}
	if c.Pipeline.WatchdogTimeout <= 0 {
		errs = append(errs, "pipeline.watchdog_timeout must be positive")
	}
	for name, q := range c.Pipeline.Queues {
		if q.Capacity <= 0 {
			errs = append(errs, fmt.Sprintf("pipeline.queues.%s.capacity must be positive", name))
		}
		if q.Policy != "drop_oldest" && q.Policy != "drop_newest" {
			errs = append(errs, fmt.Sprintf("pipeline.queues.%s.policy %q is not supported", name, q.Policy))
		}
	}
	switch c.Inference.Engine {
	case "synthetic":
	case "remote":
		if c.Inference.Remote.Endpoint == "" {
			errs = append(errs, "inference.remote.endpoint is required for the remote engine")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown inference engine %q", c.Inference.Engine))
	}
	if c.Inference.CropScale <= 0 || c.Inference.MaxSize <= 0 || c.Inference.SamplingTimesteps <= 0 {
		errs = append(errs, "inference crop_scale, max_size and sampling_timesteps must be positive")
	}
	if c.Egress.MaxRetries < 0 {
		errs = append(errs, "egress.max_retries must be >= 0")
	}
	switch c.History.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown history backend %q", c.History.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
