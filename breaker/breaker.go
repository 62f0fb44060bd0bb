// Package breaker 提供了熔断器组件，专注于 RPC 客户端的故障隔离与自动恢复。
//
// breaker 是 meshkit 治理层的核心组件，它提供了：
// - 显式 CLOSED / OPEN / HALF_OPEN 状态机，基于连续失败计数触发熔断
// - 依赖级粒度的熔断管理（按下游服务名惰性创建、独立熔断）
// - 自动故障隔离和自动恢复（恢复超时后通过半开状态探测）
// - 灵活的降级策略（快速失败或自定义降级逻辑）
// - gRPC Unary / Stream Interceptor 无侵入集成
// - 管理接口：Stats 快照、Reset / ResetAll 手动复位
//
// ## 状态机
//
//   - CLOSED → OPEN：记录失败后连续失败数达到 FailureThreshold
//   - OPEN → HALF_OPEN：下一次调用时距最近失败已超过 RecoveryTimeout；
//     未超时的调用被直接拒绝（快速失败，不触发下游调用）
//   - HALF_OPEN → CLOSED：连续成功数达到 SuccessThreshold
//   - HALF_OPEN → OPEN：半开期间任意一次失败立即重新打开
//   - CLOSED 下的成功会将连续失败计数清零
//
// ## 基本使用
//
//	brk, _ := breaker.New(&breaker.Config{
//		FailureThreshold: 5,
//		RecoveryTimeout:  60 * time.Second,
//		SuccessThreshold: 3,
//		CallTimeout:      30 * time.Second,
//	}, breaker.WithLogger(logger))
//
//	result, err := brk.Execute(ctx, "payments", func(ctx context.Context) (any, error) {
//		return client.Charge(ctx, req)
//	})
//	if xerrors.Is(err, breaker.ErrCircuitOpen) {
//		// 下游熔断中，快速失败
//	}
//
// ## gRPC 集成
//
//	conn, _ := grpc.NewClient(
//		"dns:///payments.mesh.internal:9001",
//		grpc.WithUnaryInterceptor(brk.UnaryClientInterceptor()),
//	)
package breaker

import (
	"context"
	"time"

	"github.com/ceyewan/meshkit/clog"

	"google.golang.org/grpc"
)

// ========================================
// 接口定义 (Interface Definitions)
// ========================================

// Breaker 熔断器核心接口
// 按名称管理一组独立的熔断器，名称首次出现时惰性创建
type Breaker interface {
	// Execute 执行受熔断保护的函数
	// name: 熔断键（下游依赖名）
	// fn: 要执行的函数，入参 ctx 已套用 CallTimeout
	// 熔断打开且未到恢复时间时返回 ErrCircuitOpen，fn 不会被调用
	Execute(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error)

	// State 获取指定名称的熔断器状态
	// 名称未知时返回 StateClosed（尚未创建即视为正常）
	State(name string) (State, error)

	// Stats 获取指定名称熔断器的即时统计快照
	// 名称未知时返回 ErrBreakerNotFound
	Stats(name string) (Stats, error)

	// Reset 将指定名称的熔断器无条件复位为 CLOSED 并清零计数器
	// 名称未知时返回 ErrBreakerNotFound
	Reset(name string) error

	// ResetAll 复位所有已知的熔断器
	ResetAll()

	// UnaryClientInterceptor 返回 gRPC 一元调用客户端拦截器
	// 支持 InterceptorOption 配置 Key 生成策略
	UnaryClientInterceptor(opts ...InterceptorOption) grpc.UnaryClientInterceptor

	// StreamClientInterceptor 返回 gRPC 流式调用客户端拦截器
	StreamClientInterceptor(opts ...InterceptorOption) grpc.StreamClientInterceptor
}

// State 熔断器状态
type State int

const (
	// StateClosed 闭合状态（正常）
	StateClosed State = iota
	// StateHalfOpen 半开状态（探测恢复）
	StateHalfOpen
	// StateOpen 打开状态（熔断中）
	StateOpen
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Stats 熔断器统计快照
// TotalRequests / TotalFailures 包含被快速拒绝的调用
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
}

// ========================================
// 配置定义 (Configuration)
// ========================================

// Config 熔断器配置
// 对所有按名称创建的熔断器生效
type Config struct {
	// FailureThreshold 触发熔断的连续失败次数（默认：5）
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// RecoveryTimeout 打开状态持续时间（默认：60s）
	// 超时后的下一次调用进入半开状态进行探测
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout" mapstructure:"recovery_timeout"`

	// SuccessThreshold 半开状态下闭合所需的连续成功次数（默认：3）
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold" mapstructure:"success_threshold"`

	// CallTimeout 单次受保护调用的超时时间（默认：30s）
	// 超时按失败记账
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" mapstructure:"call_timeout"`
}

// DefaultConfig 返回默认熔断配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		CallTimeout:      30 * time.Second,
	}
}

// validate 填充零值字段的默认值
func (c *Config) validate() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// ========================================
// 工厂函数 (Factory Functions)
// ========================================

// New 创建熔断器实例
// 这是标准的工厂函数，支持在不依赖其他容器的情况下独立实例化
//
// 参数:
//   - cfg: 熔断器配置，nil 时使用默认配置
//   - opts: 可选参数 (Logger, Meter, Fallback)
func New(cfg *Config, opts ...Option) (Breaker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.validate()

	opt := options{}
	for _, o := range opts {
		o(&opt)
	}

	logger := opt.logger
	if logger == nil {
		logger = clog.Discard()
	}

	logger.Info("creating circuit breaker",
		clog.Int("failure_threshold", cfg.FailureThreshold),
		clog.Duration("recovery_timeout", cfg.RecoveryTimeout),
		clog.Int("success_threshold", cfg.SuccessThreshold),
		clog.Duration("call_timeout", cfg.CallTimeout))

	return newRegistry(cfg, logger, opt.meter, opt.fallback), nil
}
