package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AutoTrader-Chain/internal/errors"
)

// ErrNotFound 表示会话或消息不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "conversation or message not found")

// Store 抽象会话记录的持久化。消息只追加，读取时按追加顺序返回。
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	AppendMessage(ctx context.Context, msg Message) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	Close() error
}

// MemoryStore 是默认的进程内会话存储。
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string]string
}

// NewMemoryStore 创建内存会话存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]string),
	}
}

// CreateConversation 保存新会话及其初始消息。
func (s *MemoryStore) CreateConversation(_ context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return xerrors.New(xerrors.CodeInvalidState, "conversation already exists")
	}
	clone := conv.Clone()
	s.conversations[conv.ID] = clone
	for _, msg := range clone.Messages {
		s.messages[msg.ID] = conv.ID
	}
	return nil
}

// AppendMessage 追加消息并更新会话的 UpdatedAt。
func (s *MemoryStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Messages = append(conv.Messages, msg.clone())
	conv.UpdatedAt = msg.Timestamp
	s.messages[msg.ID] = conv.ID
	return nil
}

// GetConversation 返回会话拷贝。
func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// ListConversations 按创建时间升序返回所有会话。
func (s *MemoryStore) ListConversations(_ context.Context) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetMessage 按 ID 查找消息。
func (s *MemoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, msg := range s.conversations[convID].Messages {
		if msg.ID == id {
			clone := msg.clone()
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// Close 对内存存储无需操作。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

// touch 保证同一会话内时间戳不倒退，存储按时间戳排序时仍保持追加顺序。
func touch(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}
