package errors

// Code 表示系统内的统一错误码。
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeCollaboratorFailure Code = "COLLABORATOR_FAILURE"
	CodeStorageFailure      Code = "STORAGE_FAILURE"
	CodeRelayFailure        Code = "RELAY_FAILURE"
	CodeTimeout             Code = "TIMEOUT"
)

// Severity 描述错误的严重程度，决定告警路由。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 调用方错误（参数、状态、不存在）只记日志；协作方、存储与超时错误需要告警。
// 中继失败不影响任务本身，只降级为警告。
var catalog = map[Code]Attributes{
	CodeUnknown:             {"unknown error", SeverityCritical, false, true},
	CodeInvalidArgument:     {"invalid argument", SeverityInfo, false, false},
	CodeNotFound:            {"resource not found", SeverityInfo, false, false},
	CodeInvalidState:        {"operation not allowed in current state", SeverityInfo, false, false},
	CodeCollaboratorFailure: {"collaborator call failed", SeverityWarning, true, true},
	CodeStorageFailure:      {"storage failure", SeverityCritical, true, true},
	CodeRelayFailure:        {"event relay failure", SeverityWarning, true, false},
	CodeTimeout:             {"operation timed out", SeverityWarning, true, true},
}

// AttributesOf 返回错误码的默认行为，未知错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	if attr, ok := catalog[code]; ok {
		return attr
	}
	return catalog[CodeUnknown]
}
