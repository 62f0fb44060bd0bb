package breaker

import (
	"context"

	"github.com/ceyewan/meshkit/clog"

	"google.golang.org/grpc"
)

// InterceptorOption 拦截器选项函数类型
type InterceptorOption func(*interceptorConfig)

// interceptorConfig 拦截器内部配置（非导出）
type interceptorConfig struct {
	keyFunc KeyFunc
}

// WithKeyFunc 设置 Key 生成函数
func WithKeyFunc(fn KeyFunc) InterceptorOption {
	return func(cfg *interceptorConfig) {
		cfg.keyFunc = fn
	}
}

// WithMethodLevelKey 使用方法级别 Key
func WithMethodLevelKey() InterceptorOption {
	return WithKeyFunc(MethodLevelKey())
}

// WithBackendLevelKey 使用后端级别 Key
// 推荐用于负载均衡场景，实现后端级别的熔断隔离
func WithBackendLevelKey() InterceptorOption {
	return WithKeyFunc(BackendLevelKey())
}

func applyInterceptorOptions(opts []InterceptorOption) *interceptorConfig {
	cfg := &interceptorConfig{
		keyFunc: ServiceLevelKey(),
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// UnaryClientInterceptor 返回 gRPC 一元调用客户端拦截器
// 为每个 gRPC 调用提供熔断保护
//
// 使用示例:
//
//	brk, _ := breaker.New(cfg, breaker.WithLogger(logger))
//	conn, _ := grpc.NewClient(
//		"localhost:9001",
//		grpc.WithUnaryInterceptor(brk.UnaryClientInterceptor()),
//	)
func (r *registry) UnaryClientInterceptor(opts ...InterceptorOption) grpc.UnaryClientInterceptor {
	cfg := applyInterceptorOptions(opts)

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		name := cfg.keyFunc(ctx, method, cc)

		r.logger.Debug("unary call with circuit breaker",
			clog.String("name", name),
			clog.String("method", method))

		_, err := r.Execute(ctx, name, func(callCtx context.Context) (any, error) {
			return nil, invoker(callCtx, method, req, reply, cc, callOpts...)
		})
		return err
	}
}

// StreamClientInterceptor 返回 gRPC 流式调用客户端拦截器
// 熔断保护覆盖流的建立阶段，不覆盖后续的消息收发
func (r *registry) StreamClientInterceptor(opts ...InterceptorOption) grpc.StreamClientInterceptor {
	cfg := applyInterceptorOptions(opts)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		name := cfg.keyFunc(ctx, method, cc)

		r.logger.Debug("stream call with circuit breaker",
			clog.String("name", name),
			clog.String("method", method))

		result, err := r.Execute(ctx, name, func(callCtx context.Context) (any, error) {
			return streamer(ctx, desc, cc, method, callOpts...)
		})
		if err != nil {
			return nil, err
		}
		stream, ok := result.(grpc.ClientStream)
		if !ok {
			// 降级函数吞掉了打开状态的拒绝，但无法替代一条真实的流
			return nil, ErrCircuitOpen
		}
		return stream, nil
	}
}
