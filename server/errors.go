package server

import "github.com/ceyewan/meshkit/xerrors"

// 预定义错误
var (
	// ErrNameEmpty 服务名为空
	ErrNameEmpty = xerrors.New("server: service name is empty")
	// ErrServiceExists 服务名重复注册
	ErrServiceExists = xerrors.New("server: service already registered")
	// ErrServiceNotFound 服务未注册
	ErrServiceNotFound = xerrors.New("server: service not registered")
	// ErrAlreadyStarted 启动后不允许再注册服务
	ErrAlreadyStarted = xerrors.New("server: already started, service registration is closed")
	// ErrAlreadyRunning 服务端已在运行
	ErrAlreadyRunning = xerrors.New("server: already running")
	// ErrNotRunning 服务端未运行
	ErrNotRunning = xerrors.New("server: not running")
	// ErrStopped 服务端已停止，生命周期不可逆
	ErrStopped = xerrors.New("server: stopped, instance cannot be restarted")
)
