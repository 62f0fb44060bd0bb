// Package resolver 提供了基于 DNS 的服务解析组件，支持 A/AAAA/SRV 记录与本地缓存。
//
// resolver 是 meshkit 治理层的服务发现入口，它提供了：
// - 逻辑服务名到 DNS 域名的映射（默认后缀约定，可按名覆盖）
// - A / AAAA / SRV 三种记录类型的查询
// - 有界 TTL 的本地缓存（惰性失效，刷新时整体替换缓存条目）
// - SRV 优先的 host:port 解析与随机选路
//
// 解析失败不向调用方抛错：按设计降级为返回空列表并记录错误日志，
// 调用方必须将"无地址"视为正常结果处理。
//
// ## 基本使用
//
//	res, _ := resolver.New(&resolver.Config{
//		DomainSuffix: "mesh.internal",
//		CacheTTL:     300 * time.Second,
//	}, resolver.WithLogger(logger))
//
//	records := res.Resolve(ctx, "auth-service", resolver.RecordA)
//	endpoints := res.ResolveWithPort(ctx, "auth-service", 50051)
//	endpoint, ok := res.ResolveRandom(ctx, "auth-service", 50051)
package resolver

import (
	"context"
	"net"
	"time"

	"github.com/ceyewan/meshkit/clog"
)

// RecordType DNS 记录类型
type RecordType string

const (
	// RecordA IPv4 地址记录
	RecordA RecordType = "A"
	// RecordAAAA IPv6 地址记录
	RecordAAAA RecordType = "AAAA"
	// RecordSRV 服务记录（host + port + priority + weight）
	RecordSRV RecordType = "SRV"
)

// Record 一条解析结果
// Port/Priority/Weight 仅对 SRV 记录有效
// TTL 为本地缓存的有效期（标准库查询不透出权威 TTL）
type Record struct {
	Type     RecordType    `json:"type"`
	Host     string        `json:"host"`
	Port     int           `json:"port,omitempty"`
	Priority int           `json:"priority,omitempty"`
	Weight   int           `json:"weight,omitempty"`
	TTL      time.Duration `json:"ttl"`
}

// HostPort 一个可连接的网络位置
type HostPort struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// CacheStats 缓存统计快照
// Valid/Expired 在调用时逐条重新判定新鲜度（缓存采用惰性失效）
type CacheStats struct {
	Total   int           `json:"total"`
	Valid   int           `json:"valid"`
	Expired int           `json:"expired"`
	TTL     time.Duration `json:"ttl"`
}

// Resolver 服务解析接口
type Resolver interface {
	// Resolve 解析指定服务的 DNS 记录
	// 缓存命中且未过期时直接返回缓存结果；
	// 不支持的记录类型或查询失败时返回空列表（不返回错误）
	Resolve(ctx context.Context, serviceName string, recordType RecordType) []Record

	// ResolveWithPort 解析服务的 host:port 列表
	// 优先使用 SRV 记录（自带端口）；无 SRV 时回退到 A 记录 + defaultPort
	ResolveWithPort(ctx context.Context, serviceName string, defaultPort int) []HostPort

	// ResolveRandom 从 ResolveWithPort 的结果中均匀随机选取一个
	// 无可用地址时返回 ok=false
	ResolveRandom(ctx context.Context, serviceName string, defaultPort int) (HostPort, bool)

	// AddServiceDomain 覆盖服务名到域名的映射
	AddServiceDomain(serviceName, domain string)

	// RemoveServiceDomain 移除服务名的域名覆盖，回退到后缀约定
	RemoveServiceDomain(serviceName string)

	// ClearCache 清空所有缓存条目
	ClearCache()

	// CacheStats 返回缓存统计快照
	CacheStats() CacheStats
}

// Lookuper DNS 查询后端抽象，*net.Resolver 天然满足该接口
// 主要用于测试注入
type Lookuper interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Config Resolver 组件配置
type Config struct {
	// DomainSuffix 服务名映射到域名的默认后缀，默认 "mesh.internal"
	// 例如 "auth-service" -> "auth-service.mesh.internal"
	DomainSuffix string `yaml:"domain_suffix" json:"domain_suffix" mapstructure:"domain_suffix"`

	// CacheTTL 缓存条目有效期，默认 300s
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl"`

	// Domains 预置的服务名到域名覆盖表
	Domains map[string]string `yaml:"domains" json:"domains" mapstructure:"domains"`
}

// validate 填充默认值
func (c *Config) validate() {
	if c.DomainSuffix == "" {
		c.DomainSuffix = "mesh.internal"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 300 * time.Second
	}
}

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger   clog.Logger
	lookuper Lookuper
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "resolver" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("resolver")
		}
	}
}

// WithLookuper 注入 DNS 查询后端，默认使用 net.DefaultResolver
func WithLookuper(l Lookuper) Option {
	return func(o *options) {
		o.lookuper = l
	}
}

// New 创建 Resolver 实例
//
// 参数:
//   - cfg: 组件配置，nil 时使用默认配置
//   - opts: 可选参数 (Logger, Lookuper)
func New(cfg *Config, opts ...Option) (Resolver, error) {
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
	if opt.lookuper == nil {
		opt.lookuper = net.DefaultResolver
	}

	return newDNSResolver(cfg, opt.logger, opt.lookuper), nil
}
