package breaker

// 指标名称
const (
	MetricRequestsTotal   = "breaker_requests_total"
	MetricSuccessTotal    = "breaker_success_total"
	MetricFailuresTotal   = "breaker_failures_total"
	MetricRejectsTotal    = "breaker_rejects_total"
	MetricStateChanges    = "breaker_state_changes_total"
	MetricRequestDuration = "breaker_request_duration_seconds"
)

// 指标标签
const (
	LabelName      = "name"
	LabelMethod    = "method"
	LabelResult    = "result"
	LabelFromState = "from_state"
	LabelToState   = "to_state"
)
