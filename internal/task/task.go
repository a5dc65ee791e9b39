package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"AutoTrader-Chain/internal/event"
)

// Type 表示任务种类。
type Type string

const (
	TypePortfolioAnalysis Type = "PORTFOLIO_ANALYSIS"
	TypeTradeExecution    Type = "TRADE_EXECUTION"
	TypeMarketAnalysis    Type = "MARKET_ANALYSIS"
	TypeAgentConversation Type = "AGENT_CONVERSATION"
	TypeSystemMessage     Type = "SYSTEM_MESSAGE"
	TypeAutonomousCycle   Type = "AUTONOMOUS_CYCLE"
)

// IsValidType 检查任务种类是否为支持的枚举值。
func IsValidType(t Type) bool {
	switch t {
	case TypePortfolioAnalysis, TypeTradeExecution, TypeMarketAnalysis,
		TypeAgentConversation, TypeSystemMessage, TypeAutonomousCycle:
		return true
	default:
		return false
	}
}

// Priority 表示任务优先级，数值越大越先调度。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

// String 返回优先级名称。
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Valid 判断优先级是否在枚举范围内。
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority 解析优先级名称，大小写不敏感。
func ParsePriority(name string) (Priority, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for p, n := range priorityNames {
		if n == upper {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

// MarshalJSON 以名称形式编码优先级。
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON 解析名称形式的优先级。
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusQueued             Status = "QUEUED"
	StatusInProgress         Status = "IN_PROGRESS"
	StatusWaitingForFrontend Status = "WAITING_FOR_FRONTEND"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusCancelled          Status = "CANCELLED"
)

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusInProgress, StatusWaitingForFrontend,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active 表示任务已被调度且尚未结束。
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusWaitingForFrontend
}

// Terminal 表示任务已经结束。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task 描述了排队执行的智能体任务。
type Task struct {
	ID                        string         `json:"id"`
	Type                      Type           `json:"type"`
	AgentID                   string         `json:"agentId"`
	Priority                  Priority       `json:"priority"`
	Status                    Status         `json:"status"`
	Payload                   map[string]any `json:"payload,omitempty"`
	Result                    any            `json:"result,omitempty"`
	Error                     string         `json:"error,omitempty"`
	CreatedAt                 time.Time      `json:"createdAt"`
	UpdatedAt                 time.Time      `json:"updatedAt"`
	StartedAt                 *time.Time     `json:"startedAt,omitempty"`
	CompletedAt               *time.Time     `json:"completedAt,omitempty"`
	AllowFrontendIntervention bool           `json:"allowFrontendIntervention"`
	InterventionTimeoutMs     int64          `json:"interventionTimeoutMs,omitempty"`
	InterventionDeadline      *time.Time     `json:"interventionDeadline,omitempty"`
	FrontendResponse          any            `json:"frontendResponse,omitempty"`
	Context                   map[string]any `json:"context,omitempty"`
	Seq                       uint64         `json:"seq"`

	// 干预定时器只挂在当前活动任务上；interventions 标记其所属的干预轮次。
	timer         Timer
	interventions uint64
}

// Request 描述一次入队请求。InterventionTimeout 为 0 时使用队列默认值。
type Request struct {
	Type                Type
	AgentID             string
	Payload             map[string]any
	Priority            Priority
	AllowIntervention   bool
	InterventionTimeout time.Duration
}

// Clone 返回任务的深拷贝（map 一层拷贝）。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Payload = cloneMap(t.Payload)
	clone.Context = cloneMap(t.Context)
	clone.StartedAt = cloneTime(t.StartedAt)
	clone.CompletedAt = cloneTime(t.CompletedAt)
	clone.InterventionDeadline = cloneTime(t.InterventionDeadline)
	clone.timer = nil
	return &clone
}

func (t *Task) snapshot() event.TaskSnapshot {
	return event.TaskSnapshot{
		ID:                        t.ID,
		Type:                      string(t.Type),
		AgentID:                   t.AgentID,
		Priority:                  t.Priority.String(),
		Status:                    string(t.Status),
		Payload:                   cloneMap(t.Payload),
		AllowFrontendIntervention: t.AllowFrontendIntervention,
		CreatedAt:                 t.CreatedAt,
		StartedAt:                 cloneTime(t.StartedAt),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cloned := make(map[string]any, len(m))
	for key, value := range m {
		cloned[key] = value
	}
	return cloned
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
