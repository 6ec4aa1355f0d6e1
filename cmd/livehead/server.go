package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/livehead/api/handlers"
	"github.com/BaSui01/livehead/config"
	"github.com/BaSui01/livehead/internal/cache"
	"github.com/BaSui01/livehead/internal/metrics"
	"github.com/BaSui01/livehead/internal/server"
	"github.com/BaSui01/livehead/internal/telemetry"
	"github.com/BaSui01/livehead/session"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 LiveHead 的主服务器
type Server struct {
	cfg        *config.Config
	loader     *config.Loader
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 会话层
	cache    *cache.Manager
	history  session.History
	factory  *session.EngineFactory
	sessions *session.Manager

	// Handlers
	healthHandler *handlers.HealthHandler
	streamHandler *handlers.StreamHandler
	liveHandler   *handlers.LiveHandler
	demoHandler   *handlers.DemoHandler

	// 指标收集器
	metricsCollector *metrics.Collector
	telemetry        *telemetry.Providers

	// 日志级别热更新
	reloader *config.LogLevelReloader

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, loader *config.Loader, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		loader:     loader,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 遥测（失败不阻止启动）
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger, telemetry.AttrEngine.String(s.cfg.Inference.Engine))
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	// 2. 指标收集器
	s.metricsCollector = metrics.NewCollector("livehead", s.logger)

	// 3. 会话层
	if err := s.initSessions(); err != nil {
		return fmt.Errorf("failed to init sessions: %w", err)
	}

	// 4. Handlers
	s.initHandlers()

	// 5. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 7. 日志级别热更新
	s.startLogLevelReloader()

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("history_backend", s.history.Name()),
		zap.Bool("log_reload_enabled", s.reloader != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initSessions 初始化历史存储、引擎工厂与会话注册表
func (s *Server) initSessions() error {
	hc := s.cfg.History
	switch hc.Backend {
	case "redis":
		rc := s.cfg.Redis
		cfg := cache.DefaultConfig()
		cfg.Addr = rc.Addr
		cfg.Password = rc.Password
		cfg.DB = rc.DB
		cfg.PoolSize = rc.PoolSize
		cfg.MinIdleConns = rc.MinIdleConns
		cfg.TLS = rc.TLS
		cfg.DefaultTTL = hc.TTL

		c, err := cache.NewManager(cfg, s.logger)
		if err != nil {
			// Redis 不可用时退回内存存储，会话功能不受影响
			s.logger.Warn("Redis not available, session history kept in memory", zap.Error(err))
			s.history = session.NewMemoryHistory(hc.MaxEntries, hc.TTL)
			break
		}
		s.cache = c
		s.history = session.NewRedisHistory(c, hc.KeyPrefix, hc.TTL, hc.MaxEntries, s.logger)
	default:
		s.history = session.NewMemoryHistory(hc.MaxEntries, hc.TTL)
	}

	factory, err := session.NewEngineFactory(s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.factory = factory

	sc := s.cfg.Session
	s.sessions = session.NewManager(factory, session.Options{
		MaxSessions:  sc.MaxSessions,
		StopTimeout:  sc.StopTimeout,
		IdleTimeout:  sc.IdleTimeout,
		ReapInterval: sc.ReapInterval,
	},
		session.WithHistory(s.history),
		session.WithMetrics(s.metricsCollector),
		session.WithObserver(s.metricsCollector),
		session.WithLogger(s.logger),
	)

	s.logger.Info("Session manager initialized",
		zap.String("engine", s.cfg.Inference.Engine),
		zap.Int("max_sessions", sc.MaxSessions),
		zap.Duration("idle_timeout", sc.IdleTimeout),
	)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler("livehead", s.logger)
	// 存活只看注册表能否枚举，单个会话失败不影响
	s.healthHandler.SetLiveness(handlers.NewFuncCheck("sessions", s.sessions.HealthCheck))
	s.healthHandler.RegisterCheck(handlers.NewFuncCheck("history", s.history.Ping))
	s.healthHandler.RegisterCheck(handlers.NewFuncCheck("inference", s.factory.Ping))

	s.streamHandler = handlers.NewStreamHandler(s.sessions, s.logger)

	audio, video := s.cfg.Audio, s.cfg.Video
	s.liveHandler = handlers.NewLiveHandler(s.sessions, handlers.LiveConfig{
		SampleRate:      audio.SampleRate,
		ChunkSize:       audio.ChunkSize,
		MaxMessageBytes: audio.MaxMessageBytes,
		JPEGQuality:     video.JPEGQuality,
		Width:           video.Width,
		Height:          video.Height,
		StopTimeout:     s.cfg.Session.StopTimeout,
		OriginPatterns:  s.cfg.Server.CORSAllowedOrigins,
	}, s.metricsCollector, s.logger)

	s.demoHandler = handlers.NewDemoHandler()

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 推流控制面与实时通道
	// ========================================
	s.streamHandler.Register(mux)
	s.liveHandler.Register(mux)
	s.demoHandler.Register(mux)

	// ========================================
	// 构建中间件链
	// ========================================
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.APIConfig(s.cfg.Server)

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.MetricsConfig(s.cfg.Server)

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// startLogLevelReloader 指定配置文件时监听 log.level 变更
func (s *Server) startLogLevelReloader() {
	if s.configPath == "" {
		return
	}
	r, err := config.NewLogLevelReloader(s.loader, s.level, s.logger)
	if err != nil {
		s.logger.Warn("log level reload disabled", zap.Error(err))
		return
	}
	if err := r.Start(context.Background()); err != nil {
		s.logger.Warn("log level reload disabled", zap.Error(err))
		return
	}
	s.reloader = r
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号或服务异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	server.WaitForSignal(context.Background(), s.logger, s.httpManager.Errors(), s.metricsManager.Errors())
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止后台 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.reloader != nil {
		if err := s.reloader.Stop(); err != nil {
			s.logger.Error("Log level reloader shutdown error", zap.Error(err))
		}
	}

	// 1. 停止所有会话：排空后写入历史，实时通道随之结束
	if s.sessions != nil {
		if err := s.sessions.Close(ctx); err != nil {
			s.logger.Error("Session shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Redis 与遥测
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
