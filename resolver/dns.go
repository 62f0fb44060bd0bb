package resolver

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ceyewan/meshkit/clog"
)

// dnsResolver 基于 DNS 的 Resolver 实现
type dnsResolver struct {
	cfg      *Config
	logger   clog.Logger
	lookuper Lookuper

	mu      sync.RWMutex
	domains map[string]string
	cache   map[cacheKey]*cacheEntry
}

type cacheKey struct {
	serviceName string
	recordType  RecordType
}

// cacheEntry 缓存条目，创建后不再原地修改，刷新时整体替换
type cacheEntry struct {
	records   []Record
	timestamp time.Time
}

func newDNSResolver(cfg *Config, logger clog.Logger, lookuper Lookuper) *dnsResolver {
	domains := make(map[string]string, len(cfg.Domains))
	for name, domain := range cfg.Domains {
		domains[name] = domain
	}

	return &dnsResolver{
		cfg:      cfg,
		logger:   logger,
		lookuper: lookuper,
		domains:  domains,
		cache:    make(map[cacheKey]*cacheEntry),
	}
}

// Resolve 解析指定服务的 DNS 记录
func (r *dnsResolver) Resolve(ctx context.Context, serviceName string, recordType RecordType) []Record {
	if serviceName == "" {
		r.logger.Error("resolve called with empty service name")
		return nil
	}

	switch recordType {
	case RecordA, RecordAAAA, RecordSRV:
	default:
		r.logger.Error("unsupported record type",
			clog.String("service_name", serviceName),
			clog.String("record_type", string(recordType)))
		return nil
	}

	key := cacheKey{serviceName: serviceName, recordType: recordType}

	if records, ok := r.cached(key); ok {
		r.logger.Debug("resolver cache hit",
			clog.String("service_name", serviceName),
			clog.String("record_type", string(recordType)),
			clog.Int("count", len(records)))
		return records
	}

	domain := r.domainFor(serviceName)
	records, err := r.query(ctx, domain, recordType)
	if err != nil {
		// 查询失败降级为空结果，调用方将"无地址"按正常结果处理
		r.logger.Error("dns query failed",
			clog.String("service_name", serviceName),
			clog.String("domain", domain),
			clog.String("record_type", string(recordType)),
			clog.Error(err))
		return nil
	}

	r.mu.Lock()
	r.cache[key] = &cacheEntry{records: records, timestamp: time.Now()}
	r.mu.Unlock()

	r.logger.Debug("resolved service",
		clog.String("service_name", serviceName),
		clog.String("domain", domain),
		clog.String("record_type", string(recordType)),
		clog.Int("count", len(records)))

	return records
}

// ResolveWithPort 解析服务的 host:port 列表，SRV 优先
func (r *dnsResolver) ResolveWithPort(ctx context.Context, serviceName string, defaultPort int) []HostPort {
	srvRecords := r.Resolve(ctx, serviceName, RecordSRV)
	if len(srvRecords) > 0 {
		endpoints := make([]HostPort, 0, len(srvRecords))
		for _, rec := range srvRecords {
			endpoints = append(endpoints, HostPort{Host: rec.Host, Port: rec.Port})
		}
		return endpoints
	}

	aRecords := r.Resolve(ctx, serviceName, RecordA)
	endpoints := make([]HostPort, 0, len(aRecords))
	for _, rec := range aRecords {
		endpoints = append(endpoints, HostPort{Host: rec.Host, Port: defaultPort})
	}
	return endpoints
}

// ResolveRandom 均匀随机选取一个可用地址
func (r *dnsResolver) ResolveRandom(ctx context.Context, serviceName string, defaultPort int) (HostPort, bool) {
	endpoints := r.ResolveWithPort(ctx, serviceName, defaultPort)
	if len(endpoints) == 0 {
		return HostPort{}, false
	}
	return endpoints[rand.IntN(len(endpoints))], true
}

// AddServiceDomain 覆盖服务名到域名的映射
func (r *dnsResolver) AddServiceDomain(serviceName, domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[serviceName] = domain

	r.logger.Info("service domain override added",
		clog.String("service_name", serviceName),
		clog.String("domain", domain))
}

// RemoveServiceDomain 移除服务名的域名覆盖
func (r *dnsResolver) RemoveServiceDomain(serviceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.domains, serviceName)
}

// ClearCache 清空所有缓存条目
func (r *dnsResolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]*cacheEntry)

	r.logger.Info("resolver cache cleared")
}

// CacheStats 返回缓存统计快照
func (r *dnsResolver) CacheStats() CacheStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	stats := CacheStats{
		Total: len(r.cache),
		TTL:   r.cfg.CacheTTL,
	}
	for _, entry := range r.cache {
		if now.Sub(entry.timestamp) < r.cfg.CacheTTL {
			stats.Valid++
		} else {
			stats.Expired++
		}
	}
	return stats
}

// cached 读取未过期的缓存条目
func (r *dnsResolver) cached(key cacheKey) ([]Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.timestamp) >= r.cfg.CacheTTL {
		return nil, false
	}
	return entry.records, true
}

// domainFor 返回服务名对应的查询域名
func (r *dnsResolver) domainFor(serviceName string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if domain, ok := r.domains[serviceName]; ok {
		return domain
	}
	return serviceName + "." + r.cfg.DomainSuffix
}

// query 执行实际的 DNS 查询
func (r *dnsResolver) query(ctx context.Context, domain string, recordType RecordType) ([]Record, error) {
	switch recordType {
	case RecordSRV:
		_, srvs, err := r.lookuper.LookupSRV(ctx, "", "", domain)
		if err != nil {
			return nil, err
		}
		records := make([]Record, 0, len(srvs))
		for _, srv := range srvs {
			records = append(records, Record{
				Type:     RecordSRV,
				Host:     strings.TrimSuffix(srv.Target, "."),
				Port:     int(srv.Port),
				Priority: int(srv.Priority),
				Weight:   int(srv.Weight),
				TTL:      r.cfg.CacheTTL,
			})
		}
		return records, nil

	default:
		network := "ip4"
		if recordType == RecordAAAA {
			network = "ip6"
		}
		ips, err := r.lookuper.LookupIP(ctx, network, domain)
		if err != nil {
			return nil, err
		}
		records := make([]Record, 0, len(ips))
		for _, ip := range ips {
			records = append(records, Record{
				Type: recordType,
				Host: ip.String(),
				TTL:  r.cfg.CacheTTL,
			})
		}
		return records, nil
	}
}
