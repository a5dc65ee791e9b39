package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/event"
	"AutoTrader-Chain/internal/task"
	"AutoTrader-Chain/pkg/logger"
)

const (
	// AgentMessageInterventionWindow 是智能体消息升级为任务时给操作员的干预时间。
	AgentMessageInterventionWindow = 30 * time.Second

	// LLMSender 是 LLM 回复消息的发送者。
	LLMSender = "llm"
	// OperatorSender 是操作员通过干预追加消息时的发送者。
	OperatorSender = "operator"
)

// TaskEnqueuer 是 Tracker 依赖的队列能力，由 *task.Queue 实现。
type TaskEnqueuer interface {
	AddTask(req task.Request) (string, error)
}

// Archiver 保存会话归档，返回归档位置。
type Archiver interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// Tracker 维护会话消息的顺序记录，并把智能体消息升级为 AGENT_CONVERSATION 任务。
type Tracker struct {
	mu        sync.Mutex
	store     Store
	tasks     TaskEnqueuer
	publisher event.Publisher
	archiver  Archiver
	now       func() time.Time
	log       *slog.Logger
}

// Option 配置 Tracker。
type Option func(*Tracker)

// WithStore 指定会话存储。
func WithStore(s Store) Option {
	return func(t *Tracker) {
		if s != nil {
			t.store = s
		}
	}
}

// WithPublisher 指定事件发布者。
func WithPublisher(p event.Publisher) Option {
	return func(t *Tracker) {
		if p != nil {
			t.publisher = p
		}
	}
}

// WithArchiver 指定归档目标。
func WithArchiver(a Archiver) Option {
	return func(t *Tracker) { t.archiver = a }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker 创建会话追踪器。tasks 为 nil 时智能体消息不会升级为任务。
func NewTracker(tasks TaskEnqueuer, opts ...Option) *Tracker {
	t := &Tracker{
		store:     NewMemoryStore(),
		tasks:     tasks,
		publisher: event.Discard,
		now:       time.Now,
		log:       logger.Named("conversation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func newID() string {
	return ulid.Make().String()
}

// CreateConversation 创建会话并写入一条列出参与者的系统消息。
func (t *Tracker) CreateConversation(ctx context.Context, title string, agentIDs []string, metadata map[string]any) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "conversation title is required")
	}
	participants := make([]string, 0, len(agentIDs))
	seen := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	conv := &Conversation{
		ID:        newID(),
		Title:     title,
		AgentIDs:  participants,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  cloneMap(metadata),
	}
	seed := Message{
		ID:             newID(),
		ConversationID: conv.ID,
		Type:           MessageSystem,
		Sender:         "system",
		Content:        fmt.Sprintf("Conversation started with participants: %s", strings.Join(participants, ", ")),
		Timestamp:      now,
	}
	conv.Messages = []Message{seed}

	if err := t.store.CreateConversation(ctx, conv); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "create conversation")
	}
	t.publisher.Broadcast(event.ConversationCreated{Conversation: conv.snapshot()})
	t.publisher.Broadcast(event.ConversationMessageAdded{ConversationID: conv.ID, Message: seed.snapshot()})
	t.log.Info("会话已创建", slog.String("conversation_id", conv.ID), slog.Any("agents", participants))
	return conv.ID, nil
}

// MessageOption 为 AddMessage 提供可选字段。
type MessageOption func(*Message)

// WithMetadata 附加消息元数据。
func WithMetadata(metadata map[string]any) MessageOption {
	return func(m *Message) {
		if len(metadata) == 0 {
			return
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			m.Metadata[k] = v
		}
	}
}

// WithParent 把消息指向其因果上的前驱。
func WithParent(parentID string) MessageOption {
	return func(m *Message) { m.ParentMessageID = parentID }
}

// AddMessage 追加消息并广播。AGENT 消息升级为 HIGH 优先级任务，
// PRIMARY_AGENT/SECONDARY_AGENT 消息升级为 NORMAL 优先级任务。
func (t *Tracker) AddMessage(ctx context.Context, convID string, typ MessageType, sender, content string, opts ...MessageOption) (string, error) {
	msg, err := t.appendMessage(ctx, convID, typ, sender, content, opts...)
	if err != nil {
		return "", err
	}
	if IsAgentMessage(typ) {
		t.escalate(msg)
	}
	return msg.ID, nil
}

func (t *Tracker) appendMessage(ctx context.Context, convID string, typ MessageType, sender, content string, opts ...MessageOption) (Message, error) {
	if !IsValidMessageType(typ) {
		return Message{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown message type %q", typ))
	}
	if strings.TrimSpace(sender) == "" {
		return Message{}, xerrors.New(xerrors.CodeInvalidArgument, "message sender is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	conv, err := t.store.GetConversation(ctx, convID)
	if err != nil {
		t.log.Warn("会话不存在", slog.String("conversation_id", convID), slog.Any("error", err))
		return Message{}, err
	}
	msg := Message{
		ID:             newID(),
		ConversationID: convID,
		Type:           typ,
		Sender:         sender,
		Content:        content,
		Timestamp:      touch(conv.UpdatedAt, t.now()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&msg)
		}
	}
	if err := t.store.AppendMessage(ctx, msg); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "append message")
	}
	t.publisher.Broadcast(event.ConversationMessageAdded{ConversationID: convID, Message: msg.snapshot()})
	return msg, nil
}

// escalate 在释放 Tracker 锁之后调用，队列监听器可以安全地回调 Tracker。
func (t *Tracker) escalate(msg Message) {
	if t.tasks == nil {
		return
	}
	priority := task.PriorityNormal
	if msg.Type == MessageAgent {
		priority = task.PriorityHigh
	}
	id, err := t.tasks.AddTask(task.Request{
		Type:     task.TypeAgentConversation,
		AgentID:  msg.Sender,
		Priority: priority,
		Payload: map[string]any{
			"conversationId": msg.ConversationID,
			"messageId":      msg.ID,
			"sender":         msg.Sender,
			"messageType":    string(msg.Type),
			"content":        msg.Content,
		},
		AllowIntervention:   true,
		InterventionTimeout: AgentMessageInterventionWindow,
	})
	if err != nil {
		t.log.Error("智能体消息升级任务失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		return
	}
	t.log.Debug("智能体消息已升级为任务", slog.String("message_id", msg.ID), slog.String("task_id", id))
}

// AddLLMResponse 依次追加提示（AGENT，标记 isPrompt）与 LLM 回复，回复的 ParentMessageID 指向提示。
func (t *Tracker) AddLLMResponse(ctx context.Context, convID, agentID, prompt, response string, metadata map[string]any) (promptID, responseID string, err error) {
	promptID, err = t.AddMessage(ctx, convID, MessageAgent, agentID, prompt,
		WithMetadata(metadata), WithMetadata(map[string]any{"isPrompt": true}))
	if err != nil {
		return "", "", err
	}
	responseID, err = t.AddMessage(ctx, convID, MessageLLM, LLMSender, response,
		WithMetadata(metadata), WithMetadata(map[string]any{"agentId": agentID}), WithParent(promptID))
	if err != nil {
		return promptID, "", err
	}
	return promptID, responseID, nil
}

// GetConversation 返回会话快照。
func (t *Tracker) GetConversation(ctx context.Context, id string) (*Conversation, bool) {
	conv, err := t.store.GetConversation(ctx, id)
	if err != nil {
		t.logReadError("get_conversation", id, err)
		return nil, false
	}
	return conv, true
}

// GetAllConversations 返回所有会话。
func (t *Tracker) GetAllConversations(ctx context.Context) []*Conversation {
	convs, err := t.store.ListConversations(ctx)
	if err != nil {
		t.logReadError("list_conversations", "", err)
		return []*Conversation{}
	}
	return convs
}

// GetConversationsByAgent 返回某个智能体参与的会话。
func (t *Tracker) GetConversationsByAgent(ctx context.Context, agentID string) []*Conversation {
	out := []*Conversation{}
	for _, conv := range t.GetAllConversations(ctx) {
		if conv.HasAgent(agentID) {
			out = append(out, conv)
		}
	}
	return out
}

// GetMessage 按 ID 返回消息。
func (t *Tracker) GetMessage(ctx context.Context, id string) (*Message, bool) {
	msg, err := t.store.GetMessage(ctx, id)
	if err != nil {
		t.logReadError("get_message", id, err)
		return nil, false
	}
	return msg, true
}

// GetMessages 按追加顺序返回会话中的消息。
func (t *Tracker) GetMessages(ctx context.Context, convID string) ([]Message, bool) {
	conv, ok := t.GetConversation(ctx, convID)
	if !ok {
		return nil, false
	}
	return conv.Messages, true
}

// GetMessagesBySender 返回会话中某个发送者的消息。
func (t *Tracker) GetMessagesBySender(ctx context.Context, convID, sender string) []Message {
	return t.filterMessages(ctx, convID, func(m Message) bool { return m.Sender == sender })
}

// GetMessagesByType 返回会话中某种类型的消息。
func (t *Tracker) GetMessagesByType(ctx context.Context, convID string, typ MessageType) []Message {
	return t.filterMessages(ctx, convID, func(m Message) bool { return m.Type == typ })
}

func (t *Tracker) filterMessages(ctx context.Context, convID string, keep func(Message) bool) []Message {
	msgs, _ := t.GetMessages(ctx, convID)
	out := []Message{}
	for _, msg := range msgs {
		if keep(msg) {
			out = append(out, msg)
		}
	}
	return out
}

func (t *Tracker) logReadError(op, id string, err error) {
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		t.log.Debug("记录不存在", slog.String("op", op), slog.String("id", id))
		return
	}
	t.log.Error("读取会话失败", slog.String("op", op), slog.String("id", id), slog.Any("error", err))
}

// HandleAgentConversation 是 AGENT_CONVERSATION 任务的处理函数。
// 操作员响应中带有 message 字段时，以 USER 消息追加到原会话并指向触发任务的消息。
func (t *Tracker) HandleAgentConversation(ctx context.Context, tk *task.Task) (any, error) {
	convID, _ := tk.Payload["conversationId"].(string)
	messageID, _ := tk.Payload["messageId"].(string)
	result := map[string]any{
		"conversationId": convID,
		"messageId":      messageID,
		"acknowledged":   true,
		"intervened":     tk.FrontendResponse != nil,
	}
	response, ok := tk.FrontendResponse.(map[string]any)
	if !ok {
		return result, nil
	}
	text, _ := response["message"].(string)
	if strings.TrimSpace(text) == "" {
		return result, nil
	}
	replyID, err := t.AddMessage(ctx, convID, MessageUser, OperatorSender, text,
		WithParent(messageID), WithMetadata(map[string]any{"taskId": tk.ID}))
	if err != nil {
		return nil, err
	}
	result["operatorMessageId"] = replyID
	return result, nil
}

// ArchiveConversation 将会话记录以 JSON 写入归档并返回位置。
func (t *Tracker) ArchiveConversation(ctx context.Context, id string) (string, error) {
	if t.archiver == nil {
		return "", xerrors.New(xerrors.CodeInvalidState, "archive is not configured")
	}
	conv, err := t.store.GetConversation(ctx, id)
	if err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "encode conversation")
	}
	location, err := t.archiver.Put(ctx, conv.ID+".json", body)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "archive conversation")
	}
	logger.Audit().Info("会话已归档", slog.String("conversation_id", id), slog.String("location", location))
	return location, nil
}
