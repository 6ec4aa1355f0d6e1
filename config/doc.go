// Package config 提供 LiveHead 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → LIVEHEAD_* 环境变量 的顺序叠加，
// 并支持在运行时监听配置文件变更，热更新日志级别。
package config
