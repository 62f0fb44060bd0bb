// Package channel 提供了 RPC 通道管理组件，负责出站连接的生命周期与弹性调用。
//
// channel 是 meshkit 治理层的客户端核心，它提供了：
// - 按服务名管理长连接（每个服务名一条 gRPC Channel，按名缓存复用）
// - 静态回退目录：未显式指定 endpoint 时按 service -> host:port 表解析
// - 默认 Keep-Alive 参数（30s ping 间隔 / 5s 超时，默认允许无流 ping）
// - 类型化 Stub 的构造与缓存
// - Invoke：带指数退避的有界重试，仅对传输类错误重试，
//   重试间隙观察调用方 context 取消
// - 非阻塞健康检查：直接读取连接的 connectivity 状态
// - 可选的熔断器集成：附加 breaker 后每次 Invoke 均受熔断保护
//
// ## 基本使用
//
//	mgr, _ := channel.New(&channel.Config{
//		Endpoints: map[string]string{"payments": "10.0.0.5:9001"},
//	}, channel.WithLogger(logger), channel.WithBreaker(brk))
//	defer mgr.CloseAll()
//
//	conn, _ := mgr.CreateChannel(ctx, "payments", "")
//	stub, _ := mgr.CreateStub(ctx, "payments", func(cc grpc.ClientConnInterface) any {
//		return pb.NewPaymentsClient(cc)
//	}, "")
//
//	var resp pb.ChargeResponse
//	err := mgr.Invoke(ctx, "payments", "/mesh.Payments/Charge", req, &resp)
package channel

import (
	"context"
	"time"

	"github.com/ceyewan/meshkit/breaker"
	"github.com/ceyewan/meshkit/clog"
	"github.com/ceyewan/meshkit/metrics"

	"google.golang.org/grpc"
)

// StubConstructor 由调用方提供的 Stub 构造函数
// 通常是 protoc 生成的 NewXxxClient
type StubConstructor func(cc grpc.ClientConnInterface) any

// Manager RPC 通道管理接口
type Manager interface {
	// CreateChannel 创建（或复用）到指定服务的通道
	// endpoint 为空时查询静态回退目录，目录中也没有则返回 ErrNoEndpoint。
	// 同名通道已存在时直接复用，指向新地址前必须先 CloseChannel。
	// ctx 带 deadline 时会主动触发连接并等待 Ready 或超时返回。
	CreateChannel(ctx context.Context, serviceName, endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error)

	// GetChannel 获取已创建的通道，不存在时返回 ErrNoChannel
	GetChannel(serviceName string) (*grpc.ClientConn, error)

	// CreateStub 在服务通道上构造类型化 Stub 并按服务名缓存
	// 通道不存在时先行创建（endpoint 语义同 CreateChannel）
	CreateStub(ctx context.Context, serviceName string, constructor StubConstructor, endpoint string) (any, error)

	// Stub 获取已缓存的 Stub，不存在时返回 ErrNoStub
	Stub(serviceName string) (any, error)

	// Invoke 在服务通道上执行一次一元调用
	// 传输类失败（Unavailable / DeadlineExceeded / ResourceExhausted）
	// 最多额外重试 RetryAttempts 次，间隔按 RetryBaseDelay * 2^attempt 递增；
	// 应用层错误不重试，立即返回。
	// 通道不存在时返回 ErrNoChannel。
	Invoke(ctx context.Context, serviceName, fullMethod string, req, reply any, opts ...grpc.CallOption) error

	// HealthCheck 非阻塞健康检查
	// 仅当通道的 connectivity 状态为 READY 时返回 true；无通道返回 false
	HealthCheck(serviceName string) bool

	// CloseChannel 关闭服务通道及其关联 Stub，幂等
	CloseChannel(serviceName string) error

	// CloseAll 关闭所有通道
	CloseAll()

	// AddEndpoint 向静态回退目录添加/覆盖条目
	AddEndpoint(serviceName, endpoint string)

	// RemoveEndpoint 从静态回退目录移除条目
	RemoveEndpoint(serviceName string)

	// ListEndpoints 返回静态回退目录的副本
	ListEndpoints() map[string]string
}

// Config 通道管理器配置
type Config struct {
	// Endpoints 静态回退目录：service -> host:port
	// 与 DNS Resolver 是两条独立的命名路径，此处仅在未显式传入 endpoint 时使用
	Endpoints map[string]string `yaml:"endpoints" json:"endpoints" mapstructure:"endpoints"`

	// KeepAliveTime 无活动时发送 ping 的间隔（默认：30s）
	KeepAliveTime time.Duration `yaml:"keepalive_time" json:"keepalive_time" mapstructure:"keepalive_time"`

	// KeepAliveTimeout ping 应答超时（默认：5s）
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout" json:"keepalive_timeout" mapstructure:"keepalive_timeout"`

	// DisablePingWithoutStream 禁止无活动调用时发送 keep-alive ping
	// 零值（false）即允许无流 ping，这是内网长连接的推荐默认
	DisablePingWithoutStream bool `yaml:"disable_ping_without_stream" json:"disable_ping_without_stream" mapstructure:"disable_ping_without_stream"`

	// RetryAttempts 首次调用之外的最大重试次数
	// 0 表示使用默认值 3，传入负数表示不重试
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`

	// RetryBaseDelay 重试退避基准间隔（默认：1s），第 n 次重试前等待 base * 2^(n-1)
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay" mapstructure:"retry_base_delay"`

	// CallTimeout 单次调用尝试的超时（默认：30s）
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout" mapstructure:"call_timeout"`
}

// validate 填充默认值
func (c *Config) validate() {
	if c.KeepAliveTime <= 0 {
		c.KeepAliveTime = 30 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 5 * time.Second
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	} else if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	breaker breaker.Breaker
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "channel" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("channel")
		}
	}
}

// WithMeter 设置指标收集器
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithBreaker 附加熔断器
// 附加后每次 Invoke（含全部重试）作为一次受保护调用经过熔断器，
// 熔断键为服务名
func WithBreaker(b breaker.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// New 创建通道管理器实例
//
// 参数:
//   - cfg: 组件配置，nil 时使用默认配置
//   - opts: 可选参数 (Logger, Meter, Breaker)
func New(cfg *Config, opts ...Option) (Manager, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.validate()

	opt := &options{}
	for _, o := range opts {
		o(opt)
	}
	if opt.logger == nil {
		opt.logger = clog.Discard()
	}

	return newManager(cfg, opt), nil
}
