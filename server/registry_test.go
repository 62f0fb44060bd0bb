package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshkit/xerrors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newTestRegistry(t *testing.T, opts ...Option) Registry {
	t.Helper()
	reg, err := New(&Config{BindAddress: "127.0.0.1:0"}, opts...)
	require.NoError(t, err)
	return reg
}

func startTestRegistry(t *testing.T, reg Registry) {
	t.Helper()
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(func() {
		_ = reg.Stop(context.Background(), time.Second)
	})
}

// dialHealth 连接到注册表并返回标准健康协议客户端
func dialHealth(t *testing.T, reg Registry) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(reg.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestAddService(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.AddService("payments", func(s *grpc.Server) {}))
	require.NoError(t, reg.AddService("sessions", func(s *grpc.Server) {}))

	assert.ErrorIs(t, reg.AddService("payments", func(s *grpc.Server) {}), ErrServiceExists)
	assert.ErrorIs(t, reg.AddService("", func(s *grpc.Server) {}), ErrNameEmpty)
}

func TestAddServiceAfterStartForbidden(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.AddService("payments", func(s *grpc.Server) {}))
	startTestRegistry(t, reg)

	err := reg.AddService("late", func(s *grpc.Server) {})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestLifecycle(t *testing.T) {
	reg := newTestRegistry(t)

	// 未启动时停止
	assert.ErrorIs(t, reg.Stop(context.Background(), time.Second), ErrNotRunning)

	require.NoError(t, reg.Start(context.Background()))
	assert.NotEmpty(t, reg.Addr())

	assert.ErrorIs(t, reg.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, reg.Stop(context.Background(), time.Second))
	// 停止幂等
	require.NoError(t, reg.Stop(context.Background(), time.Second))

	// 生命周期单向，停止后不可重启
	assert.ErrorIs(t, reg.Start(context.Background()), ErrStopped)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, reg.WaitForTermination(ctx))
}

func TestWaitForTerminationHonorsContext(t *testing.T) {
	reg := newTestRegistry(t)
	startTestRegistry(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, reg.WaitForTermination(ctx), context.DeadlineExceeded)
}

func TestHealthProtocolEndToEnd(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.AddService("payments", func(s *grpc.Server) {}))
	startTestRegistry(t, reg)

	client := dialHealth(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// 整机状态
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	// 已注册服务
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "payments"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	// 注销后降级为 NOT_SERVING
	require.NoError(t, reg.RemoveService("payments"))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "payments"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestRemoveServiceNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	assert.ErrorIs(t, reg.RemoveService("ghost"), ErrServiceNotFound)
	assert.ErrorIs(t, reg.RemoveService(""), ErrNameEmpty)
}

func TestCustomHealthCheck(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.AddService("payments", func(s *grpc.Server) {}))

	// 自定义检查优先于标准健康协议状态
	reg.AddHealthCheck("payments", func(ctx context.Context) error {
		return xerrors.New("db unreachable")
	})
	assert.False(t, reg.CheckServiceHealth(context.Background(), "payments"))

	reg.AddHealthCheck("payments", func(ctx context.Context) error {
		return nil
	})
	assert.True(t, reg.CheckServiceHealth(context.Background(), "payments"))

	// 未注册且无检查函数的服务视为不健康
	assert.False(t, reg.CheckServiceHealth(context.Background(), "ghost"))
}

func TestGetServerHealth(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.AddService("payments", func(s *grpc.Server) {}))
	require.NoError(t, reg.AddService("sessions", func(s *grpc.Server) {}))
	reg.AddHealthCheck("sessions", func(ctx context.Context) error {
		return xerrors.New("degraded")
	})
	startTestRegistry(t, reg)

	snapshot := reg.GetServerHealth(context.Background())
	assert.NotEmpty(t, snapshot.InstanceID)
	assert.True(t, snapshot.Running)
	assert.Equal(t, StateRunning, snapshot.State)
	assert.Equal(t, 2, snapshot.ServicesCount)
	assert.Equal(t, 1, snapshot.HealthyServices)
	assert.Equal(t, map[string]bool{"payments": true, "sessions": false}, snapshot.Services)
	assert.WithinDuration(t, time.Now(), snapshot.Timestamp, time.Second)

	// 实例 ID 在实例生命周期内保持稳定
	assert.Equal(t, snapshot.InstanceID, reg.GetServerHealth(context.Background()).InstanceID)
}

func TestCleanup(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.AddService("payments", func(s *grpc.Server) {}))
	startTestRegistry(t, reg)

	require.NoError(t, reg.Cleanup(context.Background(), time.Second))

	snapshot := reg.GetServerHealth(context.Background())
	assert.False(t, snapshot.Running)
	assert.Zero(t, snapshot.ServicesCount)

	// 从未启动的实例同样可以清理
	fresh := newTestRegistry(t)
	require.NoError(t, fresh.AddService("sessions", func(s *grpc.Server) {}))
	require.NoError(t, fresh.Cleanup(context.Background(), time.Second))
	assert.Zero(t, fresh.GetServerHealth(context.Background()).ServicesCount)
}
