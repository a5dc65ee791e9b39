package task

import (
	"context"
	"sync"
)

// ContextStore 保存按智能体划分的键值上下文，生命周期独立于单个任务。
type ContextStore interface {
	Set(ctx context.Context, agentID, key string, value any) error
	Get(ctx context.Context, agentID, key string) (any, bool, error)
	All(ctx context.Context, agentID string) (map[string]any, error)
	// Clear 删除单个键；key 为空时清空该智能体的全部上下文。
	Clear(ctx context.Context, agentID, key string) error
}

// MemoryContextStore 是默认的进程内上下文存储。
type MemoryContextStore struct {
	mu     sync.RWMutex
	values map[string]map[string]any
}

// NewMemoryContextStore 创建内存上下文存储。
func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{values: make(map[string]map[string]any)}
}

// Set 写入一个键。
func (s *MemoryContextStore) Set(_ context.Context, agentID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.values[agentID]
	if !ok {
		bucket = make(map[string]any)
		s.values[agentID] = bucket
	}
	bucket[key] = value
	return nil
}

// Get 读取一个键。
func (s *MemoryContextStore) Get(_ context.Context, agentID, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[agentID][key]
	return value, ok, nil
}

// All 返回该智能体上下文的拷贝。
func (s *MemoryContextStore) All(_ context.Context, agentID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := cloneMap(s.values[agentID])
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Clear 删除键或整个智能体上下文。
func (s *MemoryContextStore) Clear(_ context.Context, agentID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		delete(s.values, agentID)
		return nil
	}
	delete(s.values[agentID], key)
	if len(s.values[agentID]) == 0 {
		delete(s.values, agentID)
	}
	return nil
}

var _ ContextStore = (*MemoryContextStore)(nil)
