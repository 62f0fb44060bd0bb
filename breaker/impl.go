package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/meshkit/clog"
	"github.com/ceyewan/meshkit/metrics"
)

// registry 熔断器实现（非导出）
// 按名称惰性创建并缓存 entry，entry 生命周期与进程一致，只复位不删除
type registry struct {
	cfg      *Config
	logger   clog.Logger
	meter    metrics.Meter
	fallback FallbackFunc

	mu       sync.Mutex
	breakers map[string]*entry
}

// entry 单个依赖的熔断器状态
//
// 锁约定：callMu 在整个受保护调用期间持有，保证同一熔断器上的
// 两次调用不会交错记账；mu 只保护计数字段，持锁时间极短，
// Stats 等只读访问不会被进行中的网络调用阻塞。
type entry struct {
	name string

	callMu sync.Mutex
	mu     sync.Mutex

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	totalRequests   int64
	totalFailures   int64
}

// newRegistry 创建熔断器注册表（内部函数）
// 注意：cfg 已在 New() 中调用 validate() 设置了默认值
func newRegistry(cfg *Config, logger clog.Logger, meter metrics.Meter, fallback FallbackFunc) Breaker {
	return &registry{
		cfg:      cfg,
		logger:   logger,
		meter:    meter,
		fallback: fallback,
		breakers: make(map[string]*entry),
	}
}

// Execute 执行受熔断保护的函数
func (r *registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	if name == "" {
		return nil, ErrNameEmpty
	}

	e := r.getOrCreate(name)

	// 同一熔断器上的调用串行化
	e.callMu.Lock()
	defer e.callMu.Unlock()

	now := time.Now()

	e.mu.Lock()
	e.totalRequests++
	if e.state == StateOpen {
		if now.Sub(e.lastFailureTime) > r.cfg.RecoveryTimeout {
			r.transition(e, StateHalfOpen)
			e.successCount = 0
		} else {
			// 快速失败同样计入统计（与既有面板口径保持一致）
			e.totalFailures++
			e.mu.Unlock()

			r.recordReject(ctx, name)
			r.logger.Warn("circuit breaker open, rejecting call",
				clog.String("name", name))

			if r.fallback != nil {
				fallbackErr := r.fallback(ctx, name, ErrCircuitOpen)
				if fallbackErr == nil {
					return nil, nil
				}
				return nil, fallbackErr
			}
			return nil, ErrCircuitOpen
		}
	}
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := fn(callCtx)
	duration := time.Since(start)

	r.recordCall(ctx, name, err, duration)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		r.onFailure(e)
		return nil, err
	}

	r.onSuccess(e)
	return result, nil
}

// onFailure 记录一次失败并推进状态机（调用前必须持有 e.mu）
func (r *registry) onFailure(e *entry) {
	e.failureCount++
	e.totalFailures++
	e.lastFailureTime = time.Now()

	switch e.state {
	case StateHalfOpen:
		// 半开期间任意失败立即重新打开
		e.successCount = 0
		r.transition(e, StateOpen)
	case StateClosed:
		if e.failureCount >= r.cfg.FailureThreshold {
			r.transition(e, StateOpen)
		}
	}
}

// onSuccess 记录一次成功并推进状态机（调用前必须持有 e.mu）
func (r *registry) onSuccess(e *entry) {
	e.lastSuccessTime = time.Now()

	switch e.state {
	case StateHalfOpen:
		e.successCount++
		if e.successCount >= r.cfg.SuccessThreshold {
			e.failureCount = 0
			e.successCount = 0
			r.transition(e, StateClosed)
		}
	case StateClosed:
		// 连续失败计数在成功后清零
		e.failureCount = 0
	}
}

// State 获取指定名称的熔断器状态
func (r *registry) State(name string) (State, error) {
	if name == "" {
		return StateClosed, ErrNameEmpty
	}

	r.mu.Lock()
	e, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return StateClosed, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Stats 获取指定名称熔断器的即时统计快照
func (r *registry) Stats(name string) (Stats, error) {
	if name == "" {
		return Stats{}, ErrNameEmpty
	}

	r.mu.Lock()
	e, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return Stats{}, ErrBreakerNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Name:            e.name,
		State:           e.state,
		FailureCount:    e.failureCount,
		SuccessCount:    e.successCount,
		LastFailureTime: e.lastFailureTime,
		LastSuccessTime: e.lastSuccessTime,
		TotalRequests:   e.totalRequests,
		TotalFailures:   e.totalFailures,
	}, nil
}

// Reset 将指定名称的熔断器无条件复位为 CLOSED
func (r *registry) Reset(name string) error {
	if name == "" {
		return ErrNameEmpty
	}

	r.mu.Lock()
	e, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return ErrBreakerNotFound
	}

	r.reset(e)
	return nil
}

// ResetAll 复位所有已知的熔断器
func (r *registry) ResetAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.breakers))
	for _, e := range r.breakers {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		r.reset(e)
	}
}

func (r *registry) reset(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateClosed {
		r.transition(e, StateClosed)
	}
	e.failureCount = 0
	e.successCount = 0

	r.logger.Info("circuit breaker reset",
		clog.String("name", e.name))
}

// getOrCreate 获取或创建指定名称的熔断器
// 创建本身串行化，并发首次请求同一名称不会产生两个实例
func (r *registry) getOrCreate(name string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.breakers[name]; ok {
		return e
	}

	e := &entry{
		name:  name,
		state: StateClosed,
	}
	r.breakers[name] = e

	r.logger.Debug("circuit breaker created",
		clog.String("name", name))

	return e
}

// transition 切换状态并记录日志与指标（调用前必须持有 e.mu）
func (r *registry) transition(e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to

	r.logger.Info("circuit breaker state changed",
		clog.String("name", e.name),
		clog.String("from", from.String()),
		clog.String("to", to.String()))

	if r.meter != nil {
		if counter, err := r.meter.Counter(MetricStateChanges, "Circuit breaker state changes"); err == nil && counter != nil {
			counter.Inc(context.Background(),
				metrics.L(LabelName, e.name),
				metrics.L(LabelFromState, from.String()),
				metrics.L(LabelToState, to.String()))
		}
	}
}

// recordCall 记录一次真实调用的指标
func (r *registry) recordCall(ctx context.Context, name string, err error, duration time.Duration) {
	if r.meter == nil {
		return
	}

	if counter, e := r.meter.Counter(MetricRequestsTotal, "Total requests"); e == nil && counter != nil {
		counter.Inc(ctx, metrics.L(LabelName, name))
	}
	if histogram, e := r.meter.Histogram(MetricRequestDuration, "Request duration", metrics.WithUnit("s")); e == nil && histogram != nil {
		histogram.Record(ctx, duration.Seconds(), metrics.L(LabelName, name))
	}

	if err == nil {
		if counter, e := r.meter.Counter(MetricSuccessTotal, "Successful requests"); e == nil && counter != nil {
			counter.Inc(ctx, metrics.L(LabelName, name))
		}
	} else {
		if counter, e := r.meter.Counter(MetricFailuresTotal, "Failed requests"); e == nil && counter != nil {
			counter.Inc(ctx, metrics.L(LabelName, name))
		}
	}
}

// recordReject 记录一次快速拒绝的指标
func (r *registry) recordReject(ctx context.Context, name string) {
	if r.meter == nil {
		return
	}

	if counter, e := r.meter.Counter(MetricRequestsTotal, "Total requests"); e == nil && counter != nil {
		counter.Inc(ctx, metrics.L(LabelName, name))
	}
	if counter, e := r.meter.Counter(MetricRejectsTotal, "Rejected requests"); e == nil && counter != nil {
		counter.Inc(ctx, metrics.L(LabelName, name))
	}
}
