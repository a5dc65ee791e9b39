package event

import "time"

// 订阅主题。客户端默认订阅 TopicAll。
const (
	TopicAll           = "all"
	TopicTasks         = "tasks"
	TopicInterventions = "interventions"
	TopicConversations = "conversations"
	TopicCycles        = "cycles"
)

// 事件类型名称，与线上协议保持一致。
const (
	TypeTaskQueued                    = "task_queued"
	TypeTaskStarted                   = "task_started"
	TypeTaskCompleted                 = "task_completed"
	TypeTaskFailed                    = "task_failed"
	TypeTaskCancelled                 = "task_cancelled"
	TypeFrontendInterventionRequested = "frontend_intervention_requested"
	TypeFrontendResponseReceived      = "frontend_response_received"
	TypeFrontendInterventionTimeout   = "frontend_intervention_timeout"
	TypeConversationCreated           = "conversation_created"
	TypeConversationMessageAdded      = "conversation_message_added"
	TypeCycleStarted                  = "cycle_started"
	TypeCycleStep                     = "cycle_step"
	TypeCycleCompleted                = "cycle_completed"
	TypeCycleError                    = "cycle_error"
)

// Event 是所有可广播事件的公共接口，具体事件是下方的结构体。
type Event interface {
	Type() string
	Topic() string
}

// Publisher 由 Hub 实现，业务模块只依赖该接口。
type Publisher interface {
	Broadcast(ev Event)
}

// PublisherFunc 允许用函数充当 Publisher。
type PublisherFunc func(ev Event)

// Broadcast 实现 Publisher。
func (f PublisherFunc) Broadcast(ev Event) {
	if f != nil {
		f(ev)
	}
}

// Discard 丢弃所有事件。
var Discard Publisher = PublisherFunc(func(Event) {})

// Envelope 是发送给客户端的统一外层结构。
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskSnapshot 是任务在事件中的只读视图。
type TaskSnapshot struct {
	ID                        string         `json:"id"`
	Type                      string         `json:"type"`
	AgentID                   string         `json:"agentId"`
	Priority                  string         `json:"priority"`
	Status                    string         `json:"status"`
	Payload                   map[string]any `json:"payload,omitempty"`
	AllowFrontendIntervention bool           `json:"allowFrontendIntervention"`
	CreatedAt                 time.Time      `json:"createdAt"`
	StartedAt                 *time.Time     `json:"startedAt,omitempty"`
}

// MessageSnapshot 是会话消息在事件中的只读视图。
type MessageSnapshot struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversationId"`
	Type            string         `json:"type"`
	Sender          string         `json:"sender"`
	Content         string         `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
}

// ConversationSnapshot 是会话在事件中的只读视图。
type ConversationSnapshot struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	AgentIDs  []string       `json:"agentIds"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskQueued 在任务入队后广播。
type TaskQueued struct {
	Task TaskSnapshot `json:"task"`
}

func (TaskQueued) Type() string  { return TypeTaskQueued }
func (TaskQueued) Topic() string { return TopicTasks }

// TaskStarted 在任务被调度执行时广播。
type TaskStarted struct {
	Task TaskSnapshot `json:"task"`
}

func (TaskStarted) Type() string  { return TypeTaskStarted }
func (TaskStarted) Topic() string { return TopicTasks }

// TaskCompleted 在任务成功结束时广播。
type TaskCompleted struct {
	TaskID   string `json:"taskId"`
	TaskType string `json:"taskType"`
	AgentID  string `json:"agentId"`
	Result   any    `json:"result"`
}

func (TaskCompleted) Type() string  { return TypeTaskCompleted }
func (TaskCompleted) Topic() string { return TopicTasks }

// TaskFailed 在任务失败时广播，只携带错误文本。
type TaskFailed struct {
	TaskID   string `json:"taskId"`
	TaskType string `json:"taskType"`
	AgentID  string `json:"agentId"`
	Error    string `json:"error"`
}

func (TaskFailed) Type() string  { return TypeTaskFailed }
func (TaskFailed) Topic() string { return TopicTasks }

// TaskCancelled 在排队中的任务被取消时广播。
type TaskCancelled struct {
	TaskID   string `json:"taskId"`
	TaskType string `json:"taskType"`
	AgentID  string `json:"agentId"`
}

func (TaskCancelled) Type() string  { return TypeTaskCancelled }
func (TaskCancelled) Topic() string { return TopicTasks }

// InterventionRequested 在任务进入等待前端阶段时广播。
type InterventionRequested struct {
	TaskID    string         `json:"taskId"`
	TaskType  string         `json:"taskType"`
	AgentID   string         `json:"agentId"`
	Payload   map[string]any `json:"payload,omitempty"`
	Deadline  time.Time      `json:"deadline"`
	TimeoutMs int64          `json:"timeoutMs"`
}

func (InterventionRequested) Type() string  { return TypeFrontendInterventionRequested }
func (InterventionRequested) Topic() string { return TopicInterventions }

// FrontendResponseReceived 在操作员给出响应后广播。
type FrontendResponseReceived struct {
	TaskID   string `json:"taskId"`
	Response any    `json:"response"`
}

func (FrontendResponseReceived) Type() string  { return TypeFrontendResponseReceived }
func (FrontendResponseReceived) Topic() string { return TopicInterventions }

// InterventionTimeout 在干预窗口到期且无人响应时广播。
type InterventionTimeout struct {
	TaskID string `json:"taskId"`
}

func (InterventionTimeout) Type() string  { return TypeFrontendInterventionTimeout }
func (InterventionTimeout) Topic() string { return TopicInterventions }

// ConversationCreated 在新会话创建后广播。
type ConversationCreated struct {
	Conversation ConversationSnapshot `json:"conversation"`
}

func (ConversationCreated) Type() string  { return TypeConversationCreated }
func (ConversationCreated) Topic() string { return TopicConversations }

// ConversationMessageAdded 在消息追加到会话后广播。
type ConversationMessageAdded struct {
	ConversationID string          `json:"conversationId"`
	Message        MessageSnapshot `json:"message"`
}

func (ConversationMessageAdded) Type() string  { return TypeConversationMessageAdded }
func (ConversationMessageAdded) Topic() string { return TopicConversations }

// CycleStarted 在自主循环开始时广播。
type CycleStarted struct {
	CycleID        string `json:"cycleId"`
	TaskID         string `json:"taskId"`
	ConversationID string `json:"conversationId"`
}

func (CycleStarted) Type() string  { return TypeCycleStarted }
func (CycleStarted) Topic() string { return TopicCycles }

// CycleStep 镜像自主循环中的每个步骤。
type CycleStep struct {
	CycleID string `json:"cycleId"`
	Step    string `json:"step"`
	Status  string `json:"status"`
	Detail  any    `json:"detail,omitempty"`
}

func (CycleStep) Type() string  { return TypeCycleStep }
func (CycleStep) Topic() string { return TopicCycles }

// CycleCompleted 在自主循环成功结束时广播。
type CycleCompleted struct {
	CycleID  string `json:"cycleId"`
	TaskID   string `json:"taskId"`
	Decision any    `json:"decision,omitempty"`
}

func (CycleCompleted) Type() string  { return TypeCycleCompleted }
func (CycleCompleted) Topic() string { return TopicCycles }

// CycleError 在自主循环任一步骤失败时广播。
type CycleError struct {
	CycleID string `json:"cycleId"`
	TaskID  string `json:"taskId"`
	Step    string `json:"step,omitempty"`
	Error   string `json:"error"`
}

func (CycleError) Type() string  { return TypeCycleError }
func (CycleError) Topic() string { return TopicCycles }
