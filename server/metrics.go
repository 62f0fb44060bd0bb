package server

// 指标名称
const (
	// MetricServicesRegistered 当前注册的服务数
	MetricServicesRegistered = "server_services_registered"
	// MetricHealthChecksTotal 健康检查执行次数（按服务与结果分类）
	MetricHealthChecksTotal = "server_health_checks_total"
)

// 指标标签
const (
	LabelService = "service"
	LabelResult  = "result"
)
