package channel

import "github.com/ceyewan/meshkit/xerrors"

// 预定义错误
var (
	// ErrNameEmpty 服务名为空
	ErrNameEmpty = xerrors.New("channel: service name is empty")
	// ErrNoEndpoint 未显式指定 endpoint 且静态目录中没有该服务
	ErrNoEndpoint = xerrors.New("channel: no endpoint for service")
	// ErrNoChannel 服务对应的通道尚未创建
	ErrNoChannel = xerrors.New("channel: no channel for service")
	// ErrNoStub 服务对应的 Stub 尚未创建
	ErrNoStub = xerrors.New("channel: no stub for service")
)
