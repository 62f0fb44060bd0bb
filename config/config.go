// Package config 为 meshkit 提供统一的配置管理能力。
// 支持多源配置加载和热更新，基于 Viper 实现。
//
// 特性：
//   - 多源配置加载：YAML/JSON 文件、环境变量
//   - 配置优先级：环境变量 > 配置文件 > 默认值
//   - 热更新支持：监听配置文件变化并回调通知
//   - 接口优先设计：基于接口的 API，隐藏实现细节
//
// 基本使用：
//
//	loader, err := config.New(
//		config.WithConfigName("mesh"),
//		config.WithConfigPaths("./config"),
//		config.WithEnvPrefix("MESHKIT"),
//	)
//	if err != nil {
//		return err
//	}
//	if err := loader.Load(ctx); err != nil {
//		return err
//	}
//
//	var cfg mesh.Config
//	if err := loader.Unmarshal(&cfg); err != nil {
//		return err
//	}
package config

import "context"

// Loader 定义配置加载器的核心行为
// 职责：加载、解析和监听配置变化
type Loader interface {
	// Load 加载配置并初始化内部状态
	Load(ctx context.Context) error

	// Get 获取原始配置值
	Get(key string) any

	// Unmarshal 将整个配置反序列化到结构体
	Unmarshal(v any) error

	// UnmarshalKey 将指定 Key 的配置反序列化到结构体
	UnmarshalKey(key string, v any) error

	// OnChange 注册配置文件变化回调
	// 必须在 Load 之后调用，回调在 viper 的 watch goroutine 中执行
	OnChange(fn func())
}

// New 创建配置加载器实例
func New(opts ...Option) (Loader, error) {
	return newLoader(opts...)
}

// MustLoad 创建加载器并立即加载配置，出错时 panic
// 仅用于初始化阶段
func MustLoad(opts ...Option) Loader {
	l, err := New(opts...)
	if err != nil {
		panic(err)
	}
	if err := l.Load(context.Background()); err != nil {
		panic(err)
	}
	return l
}
