package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/task"
)

// Config 描述 Redis 上下文存储的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

type hashCommands interface {
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// ContextStore 把每个智能体的上下文保存为一个 Redis hash，值以 JSON 编码。
type ContextStore struct {
	client hashCommands
	closer func() error
	prefix string
}

// NewContextStore 连接 Redis 并返回上下文存储。
func NewContextStore(ctx context.Context, cfg Config) (*ContextStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	store := newContextStore(client, cfg.Prefix)
	store.closer = client.Close
	return store, nil
}

// NewContextStoreWithClient 复用已有客户端，Close 不会关闭它。
func NewContextStoreWithClient(client goredis.UniversalClient, prefix string) *ContextStore {
	return newContextStore(client, prefix)
}

func newContextStore(client hashCommands, prefix string) *ContextStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "autotrader"
	}
	return &ContextStore{client: client, prefix: prefix}
}

func (s *ContextStore) key(agentID string) string {
	return s.prefix + ":context:" + agentID
}

// Set 写入单个键。
func (s *ContextStore) Set(ctx context.Context, agentID, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码上下文值失败")
	}
	if err := s.client.HSet(ctx, s.key(agentID), key, string(encoded)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 上下文失败")
	}
	return nil
}

// Get 读取单个键，键不存在时返回 false。
func (s *ContextStore) Get(ctx context.Context, agentID, key string) (any, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(agentID), key).Result()
	if err != nil {
		if stdErrors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 上下文失败")
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析上下文值失败")
	}
	return value, true, nil
}

// All 返回智能体的全部上下文。
func (s *ContextStore) All(ctx context.Context, agentID string) (map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, s.key(agentID)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 上下文失败")
	}
	out := make(map[string]any, len(fields))
	for field, raw := range fields {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析上下文值失败")
		}
		out[field] = value
	}
	return out, nil
}

// Clear 删除单个键；key 为空时删除整个 hash。
func (s *ContextStore) Clear(ctx context.Context, agentID, key string) error {
	var err error
	if key == "" {
		err = s.client.Del(ctx, s.key(agentID)).Err()
	} else {
		err = s.client.HDel(ctx, s.key(agentID), key).Err()
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 上下文失败")
	}
	return nil
}

// Close 释放由 NewContextStore 创建的连接。
func (s *ContextStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

var _ task.ContextStore = (*ContextStore)(nil)
