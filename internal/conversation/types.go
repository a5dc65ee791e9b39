package conversation

import (
	"time"

	"AutoTrader-Chain/internal/event"
)

// MessageType 表示消息来源类别。
type MessageType string

const (
	MessageSystem         MessageType = "SYSTEM"
	MessageUser           MessageType = "USER"
	MessageAgent          MessageType = "AGENT"
	MessagePrimaryAgent   MessageType = "PRIMARY_AGENT"
	MessageSecondaryAgent MessageType = "SECONDARY_AGENT"
	MessageLLM            MessageType = "LLM"
	MessageError          MessageType = "ERROR"
)

// IsValidMessageType 检查消息类型是否为支持的枚举值。
func IsValidMessageType(t MessageType) bool {
	switch t {
	case MessageSystem, MessageUser, MessageAgent, MessagePrimaryAgent,
		MessageSecondaryAgent, MessageLLM, MessageError:
		return true
	default:
		return false
	}
}

// IsAgentMessage 判断消息是否由智能体发出，这类消息会升级为队列任务。
func IsAgentMessage(t MessageType) bool {
	return t == MessageAgent || t == MessagePrimaryAgent || t == MessageSecondaryAgent
}

// Message 是会话中的一条消息。ParentMessageID 把 LLM 回复指向产生它的提示。
type Message struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversationId"`
	Type            MessageType    `json:"type"`
	Sender          string         `json:"sender"`
	Content         string         `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
}

// Conversation 是只追加的消息记录。
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	AgentIDs  []string       `json:"agentIds"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HasAgent 判断智能体是否参与了会话。
func (c *Conversation) HasAgent(agentID string) bool {
	for _, id := range c.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Clone 返回会话的拷贝，消息切片独立。
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.AgentIDs = append([]string(nil), c.AgentIDs...)
	clone.Messages = make([]Message, len(c.Messages))
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.clone()
	}
	clone.Metadata = cloneMap(c.Metadata)
	return &clone
}

func (m Message) clone() Message {
	m.Metadata = cloneMap(m.Metadata)
	return m
}

func (m Message) snapshot() event.MessageSnapshot {
	return event.MessageSnapshot{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Type:            string(m.Type),
		Sender:          m.Sender,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
		Metadata:        cloneMap(m.Metadata),
		ParentMessageID: m.ParentMessageID,
	}
}

func (c *Conversation) snapshot() event.ConversationSnapshot {
	return event.ConversationSnapshot{
		ID:        c.ID,
		Title:     c.Title,
		AgentIDs:  append([]string(nil), c.AgentIDs...),
		CreatedAt: c.CreatedAt,
		Metadata:  cloneMap(c.Metadata),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
