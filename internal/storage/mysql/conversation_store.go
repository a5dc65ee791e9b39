package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"github.com/go-sql-driver/mysql"

	"AutoTrader-Chain/internal/conversation"
	xerrors "AutoTrader-Chain/internal/errors"
)

const (
	insertConversationSQL = `INSERT INTO conversations (id, title, agent_ids, metadata, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	insertMessageSQL = `INSERT INTO conversation_messages
        (id, conversation_id, type, sender, content, metadata, parent_message_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	selectConversationSQL = `SELECT id, title, agent_ids, metadata, created_at, updated_at FROM conversations`
	selectMessageSQL      = `SELECT id, conversation_id, type, sender, content, metadata, parent_message_id, created_at
        FROM conversation_messages`
)

// ConversationStore 把会话与消息保存在 MySQL 中，实现 conversation.Store。
// 消息按自增 seq 读取，保持追加顺序。
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore 基于已迁移的连接创建会话存储。
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// CreateConversation 在一个事务中写入会话与初始消息。
func (s *ConversationStore) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	agents, err := marshalJSON(conv.AgentIDs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码参与者失败")
	}
	metadata, err := marshalJSON(conv.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话 metadata 失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if _, err := tx.ExecContext(ctx, insertConversationSQL,
		conv.ID, conv.Title, agents, metadata, toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt),
	); err != nil {
		tx.Rollback()
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeInvalidState, "conversation already exists")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	for _, msg := range conv.Messages {
		if err := insertMessage(ctx, tx, msg); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交会话事务失败")
	}
	return nil
}

// AppendMessage 追加消息并推进会话的 updated_at。
func (s *ConversationStore) AppendMessage(ctx context.Context, msg conversation.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ? FOR UPDATE`, msg.ConversationID).Scan(&exists); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	if exists == 0 {
		tx.Rollback()
		return conversation.ErrNotFound
	}
	if err := insertMessage(ctx, tx, msg); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, toMillis(msg.Timestamp), msg.ConversationID); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话时间失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交消息事务失败")
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg conversation.Message) error {
	metadata, err := marshalJSON(msg.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息 metadata 失败")
	}
	if _, err := tx.ExecContext(ctx, insertMessageSQL,
		msg.ID, msg.ConversationID, string(msg.Type), msg.Sender, msg.Content, metadata, msg.ParentMessageID, toMillis(msg.Timestamp),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败")
	}
	return nil
}

// GetConversation 返回会话及其全部消息。
func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, selectConversationSQL+` WHERE id = ?`, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	msgs, err := s.queryMessages(ctx, selectMessageSQL+` WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

// ListConversations 按创建时间升序返回所有会话。
func (s *ConversationStore) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, selectConversationSQL+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	var (
		convs = make([]*conversation.Conversation, 0)
		index = make(map[string]*conversation.Conversation)
	)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
		}
		conv.Messages = []conversation.Message{}
		convs = append(convs, conv)
		index[conv.ID] = conv
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	if len(convs) == 0 {
		return convs, nil
	}

	msgs, err := s.queryMessages(ctx, selectMessageSQL+` ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if conv, ok := index[msg.ConversationID]; ok {
			conv.Messages = append(conv.Messages, msg)
		}
	}
	return convs, nil
}

// GetMessage 按 ID 查找消息。
func (s *ConversationStore) GetMessage(ctx context.Context, id string) (*conversation.Message, error) {
	msgs, err := s.queryMessages(ctx, selectMessageSQL+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, conversation.ErrNotFound
	}
	return &msgs[0], nil
}

// Close 不关闭共享连接。
func (s *ConversationStore) Close() error { return nil }

func (s *ConversationStore) queryMessages(ctx context.Context, query string, args ...any) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	msgs := make([]conversation.Message, 0)
	for rows.Next() {
		var (
			msg       conversation.Message
			typ       string
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &typ, &msg.Sender, &msg.Content, &metadata, &msg.ParentMessageID, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息失败")
		}
		msg.Type = conversation.MessageType(typ)
		msg.Timestamp = fromMillis(createdAt)
		if err := unmarshalJSON(metadata, &msg.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息 metadata 失败")
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	return msgs, nil
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var (
		conv                 conversation.Conversation
		agents, metadata     sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&conv.ID, &conv.Title, &agents, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	if err := unmarshalJSON(agents, &conv.AgentIDs); err != nil {
		return nil, err
	}
	if conv.AgentIDs == nil {
		conv.AgentIDs = []string{}
	}
	if err := unmarshalJSON(metadata, &conv.Metadata); err != nil {
		return nil, err
	}
	return &conv, nil
}

var _ conversation.Store = (*ConversationStore)(nil)
