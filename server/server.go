// Package server 提供了 RPC 服务端注册组件，统一管理服务挂载、健康上报与生命周期。
//
// server 是 meshkit 治理层的服务端核心，它提供了：
// - 服务实现的注册与注销（注册须在 Start 之前完成）
// - 标准 gRPC 健康协议（grpc.health.v1）的自动接入
// - 按服务名的自定义健康检查函数
// - 生命周期管理：NotStarted -> Running -> Stopped，单向不可逆
// - 优雅停机：先排空在途请求，超过宽限期后强制关闭
// - 服务端健康快照（实例 ID、服务计数、逐服务健康状态）
//
// ## 基本使用
//
//	reg, _ := server.New(&server.Config{BindAddress: ":50051"},
//		server.WithLogger(logger))
//
//	reg.AddService("payments", func(s *grpc.Server) {
//		pb.RegisterPaymentsServer(s, &paymentsImpl{})
//	})
//	reg.AddHealthCheck("payments", func(ctx context.Context) error {
//		return db.Ping(ctx)
//	})
//
//	if err := reg.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer reg.Stop(context.Background(), 30*time.Second)
//
//	reg.WaitForTermination(ctx)
package server

import (
	"context"
	"time"

	"github.com/ceyewan/meshkit/clog"
	"github.com/ceyewan/meshkit/metrics"

	"google.golang.org/grpc"
)

// LifecycleState 服务端生命周期状态
type LifecycleState int32

const (
	// StateNotStarted 尚未启动，可注册服务
	StateNotStarted LifecycleState = iota
	// StateRunning 正在服务
	StateRunning
	// StateStopped 已停止，状态不可逆
	StateStopped
)

// String 返回状态的可读名称
func (s LifecycleState) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// RegisterFunc 服务注册回调，在其中调用 protoc 生成的 RegisterXxxServer
type RegisterFunc func(s *grpc.Server)

// HealthCheckFunc 自定义健康检查，返回 nil 表示健康
type HealthCheckFunc func(ctx context.Context) error

// ServerHealth 服务端健康快照
type ServerHealth struct {
	InstanceID      string          `json:"instance_id"`
	State           LifecycleState  `json:"state"`
	Running         bool            `json:"running"`
	Address         string          `json:"address"`
	ServicesCount   int             `json:"services_count"`
	HealthyServices int             `json:"healthy_services"`
	Services        map[string]bool `json:"services"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Registry RPC 服务端注册接口
type Registry interface {
	// AddService 注册服务实现
	// 只能在 Start 之前调用，启动后返回 ErrAlreadyStarted；
	// 重名注册返回 ErrServiceExists
	AddService(serviceName string, register RegisterFunc) error

	// RemoveService 注销服务
	// gRPC 不支持运行期卸载 handler，注销将服务标记为 NOT_SERVING
	// 并从健康快照中移除；未注册的服务返回 ErrServiceNotFound
	RemoveService(serviceName string) error

	// AddHealthCheck 为服务挂接自定义健康检查函数
	AddHealthCheck(serviceName string, check HealthCheckFunc)

	// CheckServiceHealth 检查单个服务的健康状态
	// 优先执行自定义检查函数，否则查询标准健康协议的状态
	CheckServiceHealth(ctx context.Context, serviceName string) bool

	// Start 绑定监听地址并开始服务
	// 重复启动返回 ErrAlreadyRunning，已停止的实例返回 ErrStopped
	Start(ctx context.Context) error

	// Stop 优雅停机
	// 先停止接收新请求并排空在途调用，超过 grace 后强制关闭；
	// 幂等，未启动时返回 ErrNotRunning
	Stop(ctx context.Context, grace time.Duration) error

	// WaitForTermination 阻塞直到服务端退出或 ctx 取消
	WaitForTermination(ctx context.Context) error

	// Addr 返回实际监听地址（Start 之后有效）
	Addr() string

	// GetServerHealth 返回服务端健康快照
	GetServerHealth(ctx context.Context) ServerHealth

	// Cleanup 进程退出时的兜底清理
	// 运行中则先停机（使用给定宽限期），随后清空服务与健康检查簿记
	Cleanup(ctx context.Context, grace time.Duration) error
}

// Config 服务端配置
type Config struct {
	// BindAddress 监听地址（默认：":50051"）
	BindAddress string `yaml:"bind_address" json:"bind_address" mapstructure:"bind_address"`

	// MaxRecvMsgSize 单条入站消息上限，0 使用 gRPC 默认值
	MaxRecvMsgSize int `yaml:"max_recv_msg_size" json:"max_recv_msg_size" mapstructure:"max_recv_msg_size"`

	// MaxSendMsgSize 单条出站消息上限，0 使用 gRPC 默认值
	MaxSendMsgSize int `yaml:"max_send_msg_size" json:"max_send_msg_size" mapstructure:"max_send_msg_size"`

	// MaxConcurrentStreams 单连接并发流上限，0 使用 gRPC 默认值
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams" json:"max_concurrent_streams" mapstructure:"max_concurrent_streams"`
}

// validate 填充默认值
func (c *Config) validate() {
	if c.BindAddress == "" {
		c.BindAddress = ":50051"
	}
}

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger     clog.Logger
	meter      metrics.Meter
	serverOpts []grpc.ServerOption
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "server" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("server")
		}
	}
}

// WithMeter 设置指标收集器
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithServerOptions 追加底层 grpc.ServerOption（拦截器、凭证等）
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// New 创建服务端注册实例
//
// 参数:
//   - cfg: 组件配置，nil 时使用默认配置
//   - opts: 可选参数 (Logger, Meter, ServerOptions)
func New(cfg *Config, opts ...Option) (Registry, error) {
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

	return newRegistry(cfg, opt), nil
}
