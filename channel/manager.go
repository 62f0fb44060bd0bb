package channel

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/meshkit/breaker"
	"github.com/ceyewan/meshkit/clog"
	"github.com/ceyewan/meshkit/metrics"
	"github.com/ceyewan/meshkit/xerrors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// invokeFunc 底层一元调用，测试中可替换
type invokeFunc func(ctx context.Context, cc *grpc.ClientConn, fullMethod string, req, reply any, opts ...grpc.CallOption) error

// manager Manager 的默认实现
type manager struct {
	cfg     *Config
	logger  clog.Logger
	meter   metrics.Meter
	breaker breaker.Breaker
	invoke  invokeFunc

	mu        sync.RWMutex
	channels  map[string]*grpc.ClientConn
	stubs     map[string]any
	endpoints map[string]string
}

func newManager(cfg *Config, opt *options) *manager {
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for name, addr := range cfg.Endpoints {
		endpoints[name] = addr
	}

	return &manager{
		cfg:     cfg,
		logger:  opt.logger,
		meter:   opt.meter,
		breaker: opt.breaker,
		invoke: func(ctx context.Context, cc *grpc.ClientConn, fullMethod string, req, reply any, opts ...grpc.CallOption) error {
			return cc.Invoke(ctx, fullMethod, req, reply, opts...)
		},
		channels:  make(map[string]*grpc.ClientConn),
		stubs:     make(map[string]any),
		endpoints: endpoints,
	}
}

// ========================================
// 通道生命周期
// ========================================

// CreateChannel 创建（或复用）到指定服务的通道
func (m *manager) CreateChannel(ctx context.Context, serviceName, endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if serviceName == "" {
		return nil, ErrNameEmpty
	}

	m.mu.Lock()
	if conn, ok := m.channels[serviceName]; ok {
		m.mu.Unlock()
		m.logger.Debug("reusing existing channel",
			clog.String("service", serviceName))
		return conn, nil
	}

	target := endpoint
	if target == "" {
		target = m.endpoints[serviceName]
	}
	if target == "" {
		m.mu.Unlock()
		return nil, xerrors.Wrapf(ErrNoEndpoint, "service %q", serviceName)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                m.cfg.KeepAliveTime,
			Timeout:             m.cfg.KeepAliveTimeout,
			PermitWithoutStream: !m.cfg.DisablePingWithoutStream,
		}),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		m.mu.Unlock()
		return nil, xerrors.Wrapf(err, "create channel to %s", target)
	}
	m.channels[serviceName] = conn
	m.mu.Unlock()

	m.logger.Info("channel created",
		clog.String("service", serviceName),
		clog.String("endpoint", target))
	m.recordActive()

	// 带 deadline 的 ctx 表示调用方希望拿到一条已就绪的通道
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		if err := waitForReady(ctx, conn); err != nil {
			m.logger.Error("channel did not become ready",
				clog.String("service", serviceName),
				clog.String("endpoint", target),
				clog.Error(err))
			_ = m.CloseChannel(serviceName)
			return nil, xerrors.Wrapf(err, "channel to %s not ready", target)
		}
	}

	return conn, nil
}

// GetChannel 获取已创建的通道
func (m *manager) GetChannel(serviceName string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.channels[serviceName]
	if !ok {
		return nil, xerrors.Wrapf(ErrNoChannel, "service %q", serviceName)
	}
	return conn, nil
}

// CreateStub 在服务通道上构造类型化 Stub 并缓存
func (m *manager) CreateStub(ctx context.Context, serviceName string, constructor StubConstructor, endpoint string) (any, error) {
	if serviceName == "" {
		return nil, ErrNameEmpty
	}

	m.mu.RLock()
	stub, ok := m.stubs[serviceName]
	m.mu.RUnlock()
	if ok {
		return stub, nil
	}

	conn, err := m.CreateChannel(ctx, serviceName, endpoint)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 竞争路径下保留先到者的 Stub
	if stub, ok := m.stubs[serviceName]; ok {
		return stub, nil
	}
	stub = constructor(conn)
	m.stubs[serviceName] = stub

	m.logger.Debug("stub created", clog.String("service", serviceName))
	return stub, nil
}

// Stub 获取已缓存的 Stub
func (m *manager) Stub(serviceName string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stub, ok := m.stubs[serviceName]
	if !ok {
		return nil, xerrors.Wrapf(ErrNoStub, "service %q", serviceName)
	}
	return stub, nil
}

// CloseChannel 关闭服务通道及其关联 Stub
func (m *manager) CloseChannel(serviceName string) error {
	m.mu.Lock()
	conn, ok := m.channels[serviceName]
	delete(m.channels, serviceName)
	delete(m.stubs, serviceName)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("close channel failed",
			clog.String("service", serviceName),
			clog.Error(err))
	}

	m.logger.Info("channel closed", clog.String("service", serviceName))
	m.recordActive()
	return nil
}

// CloseAll 关闭所有通道
func (m *manager) CloseAll() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*grpc.ClientConn)
	m.stubs = make(map[string]any)
	m.mu.Unlock()

	for name, conn := range channels {
		if err := conn.Close(); err != nil {
			m.logger.Warn("close channel failed",
				clog.String("service", name),
				clog.Error(err))
		}
	}

	m.logger.Info("all channels closed", clog.Int("count", len(channels)))
	m.recordActive()
}

// ========================================
// 调用
// ========================================

// Invoke 在服务通道上执行一次一元调用，带有界重试
func (m *manager) Invoke(ctx context.Context, serviceName, fullMethod string, req, reply any, opts ...grpc.CallOption) error {
	if serviceName == "" {
		return ErrNameEmpty
	}

	conn, err := m.GetChannel(serviceName)
	if err != nil {
		return err
	}

	start := time.Now()
	if m.breaker != nil {
		// 整个重试序列作为一次受保护调用计入熔断器
		_, err = m.breaker.Execute(ctx, serviceName, func(ctx context.Context) (any, error) {
			return nil, m.invokeWithRetry(ctx, conn, serviceName, fullMethod, req, reply, opts...)
		})
	} else {
		err = m.invokeWithRetry(ctx, conn, serviceName, fullMethod, req, reply, opts...)
	}

	m.recordInvoke(ctx, serviceName, fullMethod, err, time.Since(start))
	return err
}

// invokeWithRetry 执行调用并对传输类错误做指数退避重试
func (m *manager) invokeWithRetry(ctx context.Context, conn *grpc.ClientConn, serviceName, fullMethod string, req, reply any, opts ...grpc.CallOption) error {
	var lastErr error

	for attempt := 0; attempt <= m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := m.cfg.RetryBaseDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			m.logger.Warn("retrying rpc",
				clog.String("service", serviceName),
				clog.String("method", fullMethod),
				clog.Int("attempt", attempt),
				clog.Duration("delay", delay),
				clog.Error(lastErr))
			m.recordRetry(ctx, serviceName)
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		err := m.invoke(callCtx, conn, fullMethod, req, reply, opts...)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		// 应用层错误直接透传，重试只针对传输类失败
		if !isTransient(err) {
			return err
		}
	}

	m.logger.Error("rpc failed after retries",
		clog.String("service", serviceName),
		clog.String("method", fullMethod),
		clog.Int("attempts", m.cfg.RetryAttempts+1),
		clog.Error(lastErr))
	return lastErr
}

// isTransient 判定错误是否属于可重试的传输类失败
func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// ========================================
// 健康与目录
// ========================================

// HealthCheck 非阻塞健康检查
func (m *manager) HealthCheck(serviceName string) bool {
	m.mu.RLock()
	conn, ok := m.channels[serviceName]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.GetState() == connectivity.Ready
}

// AddEndpoint 向静态回退目录添加/覆盖条目
func (m *manager) AddEndpoint(serviceName, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[serviceName] = endpoint

	m.logger.Info("endpoint registered",
		clog.String("service", serviceName),
		clog.String("endpoint", endpoint))
}

// RemoveEndpoint 从静态回退目录移除条目
func (m *manager) RemoveEndpoint(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, serviceName)
}

// ListEndpoints 返回静态回退目录的副本
func (m *manager) ListEndpoints() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.endpoints))
	for name, addr := range m.endpoints {
		out[name] = addr
	}
	return out
}

// waitForReady 主动触发连接并等待通道进入 READY
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// ========================================
// 指标
// ========================================

func (m *manager) recordInvoke(ctx context.Context, serviceName, fullMethod string, err error, duration time.Duration) {
	if m.meter == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	if counter, e := m.meter.Counter(MetricInvocationsTotal, "Unary invocations"); e == nil && counter != nil {
		counter.Inc(ctx,
			metrics.L(LabelService, serviceName),
			metrics.L(LabelMethod, fullMethod),
			metrics.L(LabelResult, result))
	}
	if histogram, e := m.meter.Histogram(MetricInvokeDuration, "Invocation duration", metrics.WithUnit("s")); e == nil && histogram != nil {
		histogram.Record(ctx, duration.Seconds(), metrics.L(LabelService, serviceName))
	}
}

func (m *manager) recordRetry(ctx context.Context, serviceName string) {
	if m.meter == nil {
		return
	}
	if counter, e := m.meter.Counter(MetricRetriesTotal, "Invocation retries"); e == nil && counter != nil {
		counter.Inc(ctx, metrics.L(LabelService, serviceName))
	}
}

func (m *manager) recordActive() {
	if m.meter == nil {
		return
	}
	m.mu.RLock()
	active := len(m.channels)
	m.mu.RUnlock()
	if gauge, e := m.meter.Gauge(MetricChannelsActive, "Active channels"); e == nil && gauge != nil {
		gauge.Set(context.Background(), float64(active))
	}
}
