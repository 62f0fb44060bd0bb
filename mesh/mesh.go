// Package mesh 将熔断、通道、服务端与解析四个组件装配成一个可独立持有的运行时。
//
// Runtime 是显式构造的对象，不依赖任何包级单例：同一进程可以并存多个
// Runtime（各自独立的熔断状态、连接池与缓存），测试也无需全局清理。
//
// ## 基本使用
//
//	rt, err := mesh.New(&mesh.Config{
//		Server:  server.Config{BindAddress: ":50051"},
//		Channel: channel.Config{Endpoints: map[string]string{"payments": "10.0.0.5:9001"}},
//	}, mesh.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Close(context.Background())
//
//	rt.Server().AddService("payments", registerPayments)
//	rt.Server().Start(ctx)
//
//	endpoints := rt.Endpoints(ctx, "sessions", 50051)
package mesh

import (
	"context"
	"time"

	"github.com/ceyewan/meshkit/breaker"
	"github.com/ceyewan/meshkit/channel"
	"github.com/ceyewan/meshkit/clog"
	"github.com/ceyewan/meshkit/config"
	"github.com/ceyewan/meshkit/metrics"
	"github.com/ceyewan/meshkit/resolver"
	"github.com/ceyewan/meshkit/server"
	"github.com/ceyewan/meshkit/xerrors"

	"github.com/google/uuid"
)

// Config 运行时配置，聚合四个组件各自的配置段
type Config struct {
	Breaker  breaker.Config  `yaml:"breaker" json:"breaker" mapstructure:"breaker"`
	Channel  channel.Config  `yaml:"channel" json:"channel" mapstructure:"channel"`
	Server   server.Config   `yaml:"server" json:"server" mapstructure:"server"`
	Resolver resolver.Config `yaml:"resolver" json:"resolver" mapstructure:"resolver"`
}

// Runtime 服务网格通信运行时
//
// 持有并装配四个治理组件：
// - 出站调用经 channel 发出，默认挂接 breaker 保护
// - 入站服务由 server 承载并暴露标准健康协议
// - 服务寻址静态目录优先，DNS 解析兜底
type Runtime struct {
	id       string
	logger   clog.Logger
	meter    metrics.Meter
	breaker  breaker.Breaker
	channels channel.Manager
	server   server.Registry
	resolver resolver.Resolver
}

// Option 运行时初始化选项函数
type Option func(*options)

type options struct {
	logger   clog.Logger
	meter    metrics.Meter
	lookuper resolver.Lookuper
}

// WithLogger 注入日志记录器，各组件在其下派生自己的 namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMeter 设置指标收集器
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithLookuper 注入 DNS 查询后端（测试用）
func WithLookuper(l resolver.Lookuper) Option {
	return func(o *options) {
		o.lookuper = l
	}
}

// New 创建并装配运行时
//
// 参数:
//   - cfg: 聚合配置，nil 时各组件使用默认配置
//   - opts: 可选参数 (Logger, Meter, Lookuper)
func New(cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	opt := &options{}
	for _, o := range opts {
		o(opt)
	}
	if opt.logger == nil {
		opt.logger = clog.Discard()
	}
	logger := opt.logger.WithNamespace("mesh")

	brk, err := breaker.New(&cfg.Breaker,
		breaker.WithLogger(opt.logger),
		breaker.WithMeter(opt.meter))
	if err != nil {
		return nil, xerrors.Wrap(err, "init breaker")
	}

	channels, err := channel.New(&cfg.Channel,
		channel.WithLogger(opt.logger),
		channel.WithMeter(opt.meter),
		channel.WithBreaker(brk))
	if err != nil {
		return nil, xerrors.Wrap(err, "init channel manager")
	}

	registry, err := server.New(&cfg.Server,
		server.WithLogger(opt.logger),
		server.WithMeter(opt.meter))
	if err != nil {
		return nil, xerrors.Wrap(err, "init server registry")
	}

	resolverOpts := []resolver.Option{resolver.WithLogger(opt.logger)}
	if opt.lookuper != nil {
		resolverOpts = append(resolverOpts, resolver.WithLookuper(opt.lookuper))
	}
	res, err := resolver.New(&cfg.Resolver, resolverOpts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "init resolver")
	}

	rt := &Runtime{
		id:       uuid.NewString(),
		logger:   logger,
		meter:    opt.meter,
		breaker:  brk,
		channels: channels,
		server:   registry,
		resolver: res,
	}

	logger.Info("runtime assembled", clog.String("runtime_id", rt.id))
	return rt, nil
}

// NewFromLoader 从配置加载器构造运行时，读取 "mesh" 配置段
func NewFromLoader(loader config.Loader, opts ...Option) (*Runtime, error) {
	cfg := &Config{}
	if err := loader.UnmarshalKey("mesh", cfg); err != nil {
		return nil, xerrors.Wrap(err, "load mesh config")
	}
	return New(cfg, opts...)
}

// ID 返回运行时实例标识
func (rt *Runtime) ID() string {
	return rt.id
}

// Breaker 返回熔断器注册表
func (rt *Runtime) Breaker() breaker.Breaker {
	return rt.breaker
}

// Channels 返回通道管理器
func (rt *Runtime) Channels() channel.Manager {
	return rt.channels
}

// Server 返回服务端注册表
func (rt *Runtime) Server() server.Registry {
	return rt.server
}

// Resolver 返回 DNS 服务解析器
func (rt *Runtime) Resolver() resolver.Resolver {
	return rt.resolver
}

// Endpoints 组合寻址：静态目录命中则返回单个条目，否则走 DNS 解析
//
// 两条命名路径保持独立，这里只是读侧的便捷汇聚，不做写穿透
func (rt *Runtime) Endpoints(ctx context.Context, serviceName string, defaultPort int) []resolver.HostPort {
	if addr, ok := rt.channels.ListEndpoints()[serviceName]; ok {
		if hp, err := splitHostPort(addr, defaultPort); err == nil {
			return []resolver.HostPort{hp}
		}
		rt.logger.Warn("malformed static endpoint, falling through to dns",
			clog.String("service", serviceName),
			clog.String("endpoint", addr))
	}
	return rt.resolver.ResolveWithPort(ctx, serviceName, defaultPort)
}

// Close 关闭运行时：停止服务端、关闭全部出站通道并清空解析缓存
func (rt *Runtime) Close(ctx context.Context) error {
	err := rt.server.Cleanup(ctx, 30*time.Second)
	rt.channels.CloseAll()
	rt.resolver.ClearCache()

	rt.logger.Info("runtime closed", clog.String("runtime_id", rt.id))
	return err
}
