package breaker

import "github.com/ceyewan/meshkit/xerrors"

// 错误定义
var (
	// ErrCircuitOpen 熔断器处于打开状态，调用被快速拒绝
	// 区别于下游自身的失败：被拒绝的调用从未到达下游
	ErrCircuitOpen = xerrors.New("breaker: circuit is open")

	// ErrNameEmpty 熔断键为空
	ErrNameEmpty = xerrors.New("breaker: name is empty")

	// ErrBreakerNotFound 指定名称的熔断器尚未创建
	ErrBreakerNotFound = xerrors.New("breaker: breaker not found")
)
