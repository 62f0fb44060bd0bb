package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshkit/xerrors"

	"google.golang.org/grpc"
)

var errDownstream = xerrors.New("downstream failed")

func newTestBreaker(t *testing.T, cfg *Config, opts ...Option) Breaker {
	t.Helper()
	brk, err := New(cfg, opts...)
	require.NoError(t, err)
	return brk
}

func failNTimes(brk Breaker, name string, n int) {
	for i := 0; i < n; i++ {
		_, _ = brk.Execute(context.Background(), name, func(ctx context.Context) (any, error) {
			return nil, errDownstream
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	brk, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, brk)

	// 未知名称视为 CLOSED
	state, err := brk.State("never-seen")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestExecuteSuccess(t *testing.T) {
	brk := newTestBreaker(t, nil)

	result, err := brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	stats, err := brk.Stats("payments")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.TotalFailures)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
	})

	failNTimes(brk, "payments", 3)

	state, err := brk.State("payments")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	// 熔断打开后调用被快速拒绝，被包装的函数不会执行
	invoked := 0
	_, err = brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		invoked++
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, invoked)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	brk := newTestBreaker(t, &Config{FailureThreshold: 3})

	failNTimes(brk, "payments", 2)

	// 成功一次后连续失败计数清零
	_, err := brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	failNTimes(brk, "payments", 2)

	state, err := brk.State("payments")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestHalfOpenRecovery(t *testing.T) {
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		RecoveryTimeout:  100 * time.Millisecond,
		SuccessThreshold: 2,
	})

	failNTimes(brk, "payments", 3)

	_, err := brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(150 * time.Millisecond)

	// 恢复超时后的第一次调用进入半开并被真正执行
	_, err = brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	stats, err := brk.Stats("payments")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, stats.State)
	assert.Equal(t, 1, stats.SuccessCount)

	// 第二次成功达到 SuccessThreshold，熔断器闭合
	_, err = brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	state, err := brk.State("payments")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		RecoveryTimeout:  100 * time.Millisecond,
		SuccessThreshold: 2,
	})

	failNTimes(brk, "payments", 3)
	time.Sleep(150 * time.Millisecond)

	// 半开中的第一次成功
	_, err := brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	// 半开期间任意失败立即重新打开，且丢弃已积累的成功计数
	failNTimes(brk, "payments", 1)

	state, err := brk.State("payments")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	stats, err := brk.Stats("payments")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.SuccessCount)
}

func TestRejectionsCountTowardTotals(t *testing.T) {
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})

	failNTimes(brk, "payments", 2)

	_, err := brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	stats, err := brk.Stats("payments")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(3), stats.TotalFailures)
}

func TestReset(t *testing.T) {
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})

	failNTimes(brk, "payments", 2)

	require.NoError(t, brk.Reset("payments"))

	stats, err := brk.Stats("payments")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.FailureCount)
	assert.Zero(t, stats.SuccessCount)

	assert.ErrorIs(t, brk.Reset("unknown"), ErrBreakerNotFound)
}

func TestResetAll(t *testing.T) {
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})

	failNTimes(brk, "payments", 1)
	failNTimes(brk, "sessions", 1)

	brk.ResetAll()

	for _, name := range []string{"payments", "sessions"} {
		state, err := brk.State(name)
		require.NoError(t, err)
		assert.Equal(t, StateClosed, state, name)
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		CallTimeout:      50 * time.Millisecond,
		RecoveryTimeout:  time.Minute,
	})

	_, err := brk.Execute(context.Background(), "slow-service", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)

	state, err := brk.State("slow-service")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestFallbackOnOpen(t *testing.T) {
	fallbackCalls := 0
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}, WithFallback(func(ctx context.Context, name string, err error) error {
		fallbackCalls++
		assert.Equal(t, "payments", name)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		return nil
	}))

	failNTimes(brk, "payments", 1)

	_, err := brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, fallbackCalls)
}

func TestScenarioPaymentsOutage(t *testing.T) {
	// 阈值 3、恢复 200ms、闭合需 2 次成功的完整故障恢复场景
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		RecoveryTimeout:  200 * time.Millisecond,
		SuccessThreshold: 2,
	})

	failNTimes(brk, "payments", 3)

	state, _ := brk.State("payments")
	require.Equal(t, StateOpen, state)

	_, err := brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(210 * time.Millisecond)

	_, err = brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	stats, _ := brk.Stats("payments")
	require.Equal(t, StateHalfOpen, stats.State)
	require.Equal(t, 1, stats.SuccessCount)

	_, err = brk.Execute(context.Background(), "payments", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	state, _ = brk.State("payments")
	require.Equal(t, StateClosed, state)
}

func TestConcurrentCreateSingleInstance(t *testing.T) {
	brk := newTestBreaker(t, nil)
	reg := brk.(*registry)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = brk.Execute(context.Background(), "shared", func(ctx context.Context) (any, error) {
				return nil, nil
			})
		}()
	}
	wg.Wait()

	reg.mu.Lock()
	assert.Len(t, reg.breakers, 1)
	reg.mu.Unlock()

	stats, err := brk.Stats("shared")
	require.NoError(t, err)
	assert.Equal(t, int64(32), stats.TotalRequests)
}

func TestStreamInterceptorOpenWithFallback(t *testing.T) {
	brk := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}, WithFallback(func(ctx context.Context, name string, err error) error {
		return nil
	}))

	failNTimes(brk, "events", 1)

	interceptor := brk.StreamClientInterceptor(WithKeyFunc(
		func(ctx context.Context, fullMethod string, cc *grpc.ClientConn) string {
			return "events"
		}))

	streamerCalls := 0
	stream, err := interceptor(context.Background(), &grpc.StreamDesc{}, nil, "/mesh.Events/Watch",
		func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			streamerCalls++
			return nil, nil
		})

	// 打开状态下降级无法产出真实的流，调用方得到显式错误而不是 nil 流
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Nil(t, stream)
	assert.Zero(t, streamerCalls)
}

func TestEmptyName(t *testing.T) {
	brk := newTestBreaker(t, nil)

	_, err := brk.Execute(context.Background(), "", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNameEmpty)

	_, err = brk.State("")
	assert.ErrorIs(t, err, ErrNameEmpty)

	_, err = brk.Stats("")
	assert.ErrorIs(t, err, ErrNameEmpty)

	assert.ErrorIs(t, brk.Reset(""), ErrNameEmpty)
}
