package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ceyewan/meshkit/clog"
	"github.com/ceyewan/meshkit/metrics"
	"github.com/ceyewan/meshkit/xerrors"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// registry Registry 的默认实现
type registry struct {
	cfg        *Config
	logger     clog.Logger
	meter      metrics.Meter
	instanceID string

	server *grpc.Server
	health *health.Server

	mu       sync.Mutex
	state    LifecycleState
	services map[string]bool
	checks   map[string]HealthCheckFunc
	lis      net.Listener

	// done 在 Serve 返回后关闭
	done chan struct{}
}

func newRegistry(cfg *Config, opt *options) *registry {
	var serverOpts []grpc.ServerOption
	if cfg.MaxRecvMsgSize > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	}
	if cfg.MaxSendMsgSize > 0 {
		serverOpts = append(serverOpts, grpc.MaxSendMsgSize(cfg.MaxSendMsgSize))
	}
	if cfg.MaxConcurrentStreams > 0 {
		serverOpts = append(serverOpts, grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}
	serverOpts = append(serverOpts, opt.serverOpts...)

	srv := grpc.NewServer(serverOpts...)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)

	return &registry{
		cfg:        cfg,
		logger:     opt.logger,
		meter:      opt.meter,
		instanceID: uuid.NewString(),
		server:     srv,
		health:     healthSrv,
		state:      StateNotStarted,
		services:   make(map[string]bool),
		checks:     make(map[string]HealthCheckFunc),
		done:       make(chan struct{}),
	}
}

// ========================================
// 服务注册
// ========================================

// AddService 注册服务实现
func (r *registry) AddService(serviceName string, register RegisterFunc) error {
	if serviceName == "" {
		return ErrNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	if r.services[serviceName] {
		return xerrors.Wrapf(ErrServiceExists, "service %q", serviceName)
	}

	register(r.server)
	r.services[serviceName] = true
	r.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	r.logger.Info("service registered",
		clog.String("service", serviceName),
		clog.Int("services_count", len(r.services)))
	r.recordServices(len(r.services))
	return nil
}

// RemoveService 注销服务
func (r *registry) RemoveService(serviceName string) error {
	if serviceName == "" {
		return ErrNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.services[serviceName] {
		return xerrors.Wrapf(ErrServiceNotFound, "service %q", serviceName)
	}

	// handler 无法从运行中的 gRPC 服务端卸载，只做健康降级与簿记移除
	delete(r.services, serviceName)
	delete(r.checks, serviceName)
	r.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	r.logger.Info("service deregistered",
		clog.String("service", serviceName),
		clog.Int("services_count", len(r.services)))
	r.recordServices(len(r.services))
	return nil
}

// AddHealthCheck 为服务挂接自定义健康检查函数
func (r *registry) AddHealthCheck(serviceName string, check HealthCheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[serviceName] = check
}

// CheckServiceHealth 检查单个服务的健康状态
func (r *registry) CheckServiceHealth(ctx context.Context, serviceName string) bool {
	r.mu.Lock()
	check, hasCheck := r.checks[serviceName]
	registered := r.services[serviceName]
	r.mu.Unlock()

	healthy := false
	switch {
	case hasCheck:
		healthy = check(ctx) == nil
	case registered:
		resp, err := r.health.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
		healthy = err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}

	r.recordHealthCheck(ctx, serviceName, healthy)
	return healthy
}

// ========================================
// 生命周期
// ========================================

// Start 绑定监听地址并开始服务
func (r *registry) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateRunning:
		r.mu.Unlock()
		return ErrAlreadyRunning
	case StateStopped:
		r.mu.Unlock()
		return ErrStopped
	}

	lis, err := net.Listen("tcp", r.cfg.BindAddress)
	if err != nil {
		r.mu.Unlock()
		return xerrors.Wrapf(err, "listen on %s", r.cfg.BindAddress)
	}
	r.lis = lis
	r.state = StateRunning
	servicesCount := len(r.services)
	r.mu.Unlock()

	r.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := r.server.Serve(lis); err != nil {
			r.logger.Error("server terminated abnormally", clog.Error(err))
		}
		close(r.done)
	}()

	r.logger.Info("server started",
		clog.String("address", lis.Addr().String()),
		clog.String("instance_id", r.instanceID),
		clog.Int("services_count", servicesCount))
	return nil
}

// Stop 优雅停机
func (r *registry) Stop(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	switch r.state {
	case StateNotStarted:
		r.mu.Unlock()
		return ErrNotRunning
	case StateStopped:
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	r.mu.Unlock()

	// 先在健康协议上下线，让带健康探测的客户端尽快摘除本实例
	r.health.Shutdown()
	r.logger.Info("server stopping", clog.Duration("grace", grace))

	stopped := make(chan struct{})
	go func() {
		r.server.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-stopped:
	case <-timer.C:
		r.logger.Warn("grace period exceeded, forcing shutdown",
			clog.Duration("grace", grace))
		r.server.Stop()
		<-stopped
	case <-ctx.Done():
		r.server.Stop()
		<-stopped
		return ctx.Err()
	}

	r.logger.Info("server stopped", clog.String("instance_id", r.instanceID))
	return nil
}

// WaitForTermination 阻塞直到服务端退出或 ctx 取消
func (r *registry) WaitForTermination(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	}
}

// Addr 返回实际监听地址
func (r *registry) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lis != nil {
		return r.lis.Addr().String()
	}
	return r.cfg.BindAddress
}

// GetServerHealth 返回服务端健康快照
func (r *registry) GetServerHealth(ctx context.Context) ServerHealth {
	r.mu.Lock()
	state := r.state
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.Unlock()

	snapshot := ServerHealth{
		InstanceID:    r.instanceID,
		State:         state,
		Running:       state == StateRunning,
		Address:       r.Addr(),
		ServicesCount: len(names),
		Services:      make(map[string]bool, len(names)),
		Timestamp:     time.Now(),
	}
	for _, name := range names {
		healthy := r.CheckServiceHealth(ctx, name)
		snapshot.Services[name] = healthy
		if healthy {
			snapshot.HealthyServices++
		}
	}
	return snapshot
}

// Cleanup 进程退出时的兜底清理
func (r *registry) Cleanup(ctx context.Context, grace time.Duration) error {
	err := r.Stop(ctx, grace)
	if xerrors.Is(err, ErrNotRunning) {
		err = nil
	}

	r.mu.Lock()
	r.services = make(map[string]bool)
	r.checks = make(map[string]HealthCheckFunc)
	r.mu.Unlock()

	r.logger.Info("registry cleaned up", clog.String("instance_id", r.instanceID))
	r.recordServices(0)
	return err
}

// ========================================
// 指标
// ========================================

func (r *registry) recordServices(count int) {
	if r.meter == nil {
		return
	}
	if gauge, e := r.meter.Gauge(MetricServicesRegistered, "Registered services"); e == nil && gauge != nil {
		gauge.Set(context.Background(), float64(count))
	}
}

func (r *registry) recordHealthCheck(ctx context.Context, serviceName string, healthy bool) {
	if r.meter == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	if counter, e := r.meter.Counter(MetricHealthChecksTotal, "Health checks"); e == nil && counter != nil {
		counter.Inc(ctx,
			metrics.L(LabelService, serviceName),
			metrics.L(LabelResult, result))
	}
}
