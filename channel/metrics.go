package channel

// 指标名称
const (
	// MetricInvocationsTotal 一元调用总数（按服务与结果分类）
	MetricInvocationsTotal = "channel_invocations_total"
	// MetricRetriesTotal 重试次数总数
	MetricRetriesTotal = "channel_retries_total"
	// MetricInvokeDuration 调用耗时（含全部重试）
	MetricInvokeDuration = "channel_invoke_duration_seconds"
	// MetricChannelsActive 当前存活通道数
	MetricChannelsActive = "channel_channels_active"
)

// 指标标签
const (
	LabelService = "service"
	LabelMethod  = "method"
	LabelResult  = "result"
)
