package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshkit/xerrors"
)

// fakeLookuper 可编程的 DNS 后端
type fakeLookuper struct {
	ips        map[string][]net.IP
	srvs       map[string][]*net.SRV
	err        error
	ipQueries  int
	srvQueries int
	networks   []string
}

func (f *fakeLookuper) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	f.ipQueries++
	f.networks = append(f.networks, network)
	if f.err != nil {
		return nil, f.err
	}
	ips, ok := f.ips[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

func (f *fakeLookuper) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	f.srvQueries++
	if f.err != nil {
		return "", nil, f.err
	}
	srvs, ok := f.srvs[name]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, srvs, nil
}

func newTestResolver(t *testing.T, cfg *Config, lookuper Lookuper) Resolver {
	t.Helper()
	res, err := New(cfg, WithLookuper(lookuper))
	require.NoError(t, err)
	return res
}

func TestResolveA(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"auth-service.mesh.internal": {net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.6")},
		},
	}
	res := newTestResolver(t, nil, lookuper)

	records := res.Resolve(context.Background(), "auth-service", RecordA)
	require.Len(t, records, 2)
	assert.Equal(t, RecordA, records[0].Type)
	assert.Equal(t, "10.0.0.5", records[0].Host)
}

func TestResolveAAAA(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"auth-service.mesh.internal": {net.ParseIP("fd00::5")},
		},
	}
	res := newTestResolver(t, nil, lookuper)

	records := res.Resolve(context.Background(), "auth-service", RecordAAAA)
	require.Len(t, records, 1)
	assert.Equal(t, RecordAAAA, records[0].Type)
	assert.Equal(t, "fd00::5", records[0].Host)

	// AAAA 查询走 ip6 网络
	assert.Equal(t, []string{"ip6"}, lookuper.networks)
}

func TestResolveCaching(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"auth-service.mesh.internal": {net.ParseIP("10.0.0.5")},
		},
	}
	res := newTestResolver(t, &Config{CacheTTL: time.Hour}, lookuper)

	ctx := context.Background()
	res.Resolve(ctx, "auth-service", RecordA)
	res.Resolve(ctx, "auth-service", RecordA)

	// TTL 内的第二次调用命中缓存，只发起一次底层查询
	assert.Equal(t, 1, lookuper.ipQueries)
}

func TestResolveCacheExpiry(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"auth-service.mesh.internal": {net.ParseIP("10.0.0.5")},
		},
	}
	res := newTestResolver(t, &Config{CacheTTL: 50 * time.Millisecond}, lookuper)

	ctx := context.Background()
	res.Resolve(ctx, "auth-service", RecordA)
	time.Sleep(60 * time.Millisecond)
	res.Resolve(ctx, "auth-service", RecordA)

	assert.Equal(t, 2, lookuper.ipQueries)
}

func TestResolveFailureReturnsEmpty(t *testing.T) {
	lookuper := &fakeLookuper{err: xerrors.New("servfail")}
	res := newTestResolver(t, nil, lookuper)

	records := res.Resolve(context.Background(), "auth-service", RecordA)
	assert.Empty(t, records)

	// 失败结果不进入缓存，下一次调用重新查询
	res.Resolve(context.Background(), "auth-service", RecordA)
	assert.Equal(t, 2, lookuper.ipQueries)
}

func TestResolveUnsupportedType(t *testing.T) {
	lookuper := &fakeLookuper{}
	res := newTestResolver(t, nil, lookuper)

	records := res.Resolve(context.Background(), "auth-service", RecordType("TXT"))
	assert.Empty(t, records)
	assert.Zero(t, lookuper.ipQueries)
	assert.Zero(t, lookuper.srvQueries)
}

func TestResolveWithPortPrefersSRV(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"auth-service.mesh.internal": {net.ParseIP("10.0.0.9")},
		},
		srvs: map[string][]*net.SRV{
			"auth-service.mesh.internal": {
				{Target: "10.0.0.5.", Port: 50051, Priority: 10, Weight: 1},
			},
		},
	}
	res := newTestResolver(t, nil, lookuper)

	endpoints := res.ResolveWithPort(context.Background(), "auth-service", 80)
	require.Len(t, endpoints, 1)
	// 端口来自 SRV 记录而非默认值
	assert.Equal(t, HostPort{Host: "10.0.0.5", Port: 50051}, endpoints[0])
}

func TestResolveWithPortFallsBackToA(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"auth-service.mesh.internal": {net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.6")},
		},
	}
	res := newTestResolver(t, nil, lookuper)

	endpoints := res.ResolveWithPort(context.Background(), "auth-service", 8080)
	require.Len(t, endpoints, 2)
	for _, ep := range endpoints {
		assert.Equal(t, 8080, ep.Port)
	}
}

func TestResolveRandom(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"auth-service.mesh.internal": {net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.6")},
		},
	}
	res := newTestResolver(t, nil, lookuper)

	endpoint, ok := res.ResolveRandom(context.Background(), "auth-service", 9000)
	require.True(t, ok)
	assert.Contains(t, []string{"10.0.0.5", "10.0.0.6"}, endpoint.Host)
	assert.Equal(t, 9000, endpoint.Port)

	_, ok = res.ResolveRandom(context.Background(), "unknown-service", 9000)
	assert.False(t, ok)
}

func TestServiceDomainOverride(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"auth.legacy.dc1.example.com": {net.ParseIP("10.1.0.1")},
		},
	}
	res := newTestResolver(t, nil, lookuper)

	res.AddServiceDomain("auth-service", "auth.legacy.dc1.example.com")

	records := res.Resolve(context.Background(), "auth-service", RecordA)
	require.Len(t, records, 1)
	assert.Equal(t, "10.1.0.1", records[0].Host)

	// 移除覆盖后回退到后缀约定（查询将失败并返回空）
	res.RemoveServiceDomain("auth-service")
	res.ClearCache()
	records = res.Resolve(context.Background(), "auth-service", RecordA)
	assert.Empty(t, records)
}

func TestCacheStats(t *testing.T) {
	lookuper := &fakeLookuper{
		ips: map[string][]net.IP{
			"a.mesh.internal": {net.ParseIP("10.0.0.1")},
			"b.mesh.internal": {net.ParseIP("10.0.0.2")},
		},
	}
	res := newTestResolver(t, &Config{CacheTTL: 80 * time.Millisecond}, lookuper)

	ctx := context.Background()
	res.Resolve(ctx, "a", RecordA)
	time.Sleep(100 * time.Millisecond)
	res.Resolve(ctx, "b", RecordA)

	stats := res.CacheStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Valid)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 80*time.Millisecond, stats.TTL)

	res.ClearCache()
	stats = res.CacheStats()
	assert.Zero(t, stats.Total)
}
