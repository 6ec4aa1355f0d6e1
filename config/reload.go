package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevelReloader 监听配置文件并热更新日志级别。
//
// 其余配置项只在启动时生效，变更后需要重启进程。
type LogLevelReloader struct {
	loader  *Loader
	level   zap.AtomicLevel
	watcher *FileWatcher
	logger  *zap.Logger
}

// NewLogLevelReloader 创建日志级别热更新器
func NewLogLevelReloader(loader *Loader, level zap.AtomicLevel, logger *zap.Logger, opts ...WatcherOption) (*LogLevelReloader, error) {
	if loader == nil || loader.configPath == "" {
		return nil, fmt.Errorf("log level reload requires a config file")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]WatcherOption{WithWatcherLogger(logger)}, opts...)
	w, err := NewFileWatcher(loader.configPath, opts...)
	if err != nil {
		return nil, err
	}
	r := &LogLevelReloader{loader: loader, level: level, watcher: w, logger: logger}
	w.OnChange(r.handle)
	return r, nil
}

// Start 开始监听
func (r *LogLevelReloader) Start(ctx context.Context) error {
	return r.watcher.Start(ctx)
}

// Stop 停止监听
func (r *LogLevelReloader) Stop() error {
	return r.watcher.Stop()
}

func (r *LogLevelReloader) handle(evt FileEvent) {
	if evt.Op == FileOpRemove {
		return
	}
	cfg, err := r.loader.Load()
	if err != nil {
		r.logger.Warn("reload config", zap.Error(err))
		return
	}
	if err := r.Apply(cfg.Log.Level); err != nil {
		r.logger.Warn("apply log level", zap.String("level", cfg.Log.Level), zap.Error(err))
	}
}

// Apply 设置日志级别，未变化时不做任何事
func (r *LogLevelReloader) Apply(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	if r.level.Level() == lvl {
		return nil
	}
	old := r.level.Level()
	r.level.SetLevel(lvl)
	r.logger.Info("log level changed", zap.String("from", old.String()), zap.String("to", lvl.String()))
	return nil
}
