package config

import "github.com/ceyewan/meshkit/xerrors"

var (
	// ErrNotLoaded 在 Load 之前访问配置
	ErrNotLoaded = xerrors.New("config: not loaded, call Load first")
)
