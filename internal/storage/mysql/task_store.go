package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/task"
)

const taskColumns = `id, seq, type, agent_id, priority, status, payload, result, error, context, frontend_response,
        allow_intervention, intervention_timeout_ms, intervention_deadline, created_at, updated_at, started_at, completed_at`

const upsertTaskSQL = `INSERT INTO tasks (` + taskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), result = VALUES(result), error = VALUES(error),
        context = VALUES(context), frontend_response = VALUES(frontend_response),
        intervention_deadline = VALUES(intervention_deadline), updated_at = VALUES(updated_at),
        started_at = VALUES(started_at), completed_at = VALUES(completed_at)`

// TaskStore 使用 MySQL 保存任务快照，实现 task.Store。
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore 基于已迁移的连接创建任务存储。
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Save 插入或更新任务快照。
func (s *TaskStore) Save(ctx context.Context, t *task.Task) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 payload 失败")
	}
	result, err := marshalJSON(t.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 result 失败")
	}
	taskContext, err := marshalJSON(t.Context)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 context 失败")
	}
	response, err := marshalJSON(t.FrontendResponse)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码前端响应失败")
	}

	if _, err := s.db.ExecContext(ctx, upsertTaskSQL,
		t.ID,
		t.Seq,
		string(t.Type),
		t.AgentID,
		int(t.Priority),
		string(t.Status),
		payload,
		result,
		t.Error,
		taskContext,
		response,
		t.AllowFrontendIntervention,
		t.InterventionTimeoutMs,
		nullMillis(t.InterventionDeadline),
		toMillis(t.CreatedAt),
		toMillis(t.UpdatedAt),
		nullMillis(t.StartedAt),
		nullMillis(t.CompletedAt),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return t, nil
}

// List 按过滤条件分页返回任务。
func (s *TaskStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	opts = normalize(opts)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == task.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, seq ASC"
	} else {
		query += " ORDER BY updated_at DESC, seq DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*task.Task, 0, opts.Limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *TaskStore) Stats(ctx context.Context, opts task.ListOptions) (task.TaskStats, error) {
	opts = normalize(opts)

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(task.StatusQueued),
		string(task.StatusInProgress),
		string(task.StatusWaitingForFrontend),
		string(task.StatusCompleted),
		string(task.StatusFailed),
		string(task.StatusCancelled),
	}
	args = append(args, filterArgs...)

	var (
		stats          task.TaskStats
		oldest, newest int64
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Queued,
		&stats.InProgress,
		&stats.WaitingForFrontend,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&oldest,
		&newest,
	); err != nil {
		return task.TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total > 0 {
		stats.OldestUpdatedAt = oldest / 1000
		stats.NewestUpdatedAt = newest / 1000
	}
	return stats, nil
}

// Close 不关闭共享连接，连接由 Open 的调用方负责释放。
func (s *TaskStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                                  task.Task
		typ, status                        string
		priority                           int
		payload, result, taskContext, resp sql.NullString
		errText                            sql.NullString
		deadline, started, completed       sql.NullInt64
		createdAt, updatedAt               int64
	)
	if err := row.Scan(
		&t.ID,
		&t.Seq,
		&typ,
		&t.AgentID,
		&priority,
		&status,
		&payload,
		&result,
		&errText,
		&taskContext,
		&resp,
		&t.AllowFrontendIntervention,
		&t.InterventionTimeoutMs,
		&deadline,
		&createdAt,
		&updatedAt,
		&started,
		&completed,
	); err != nil {
		return nil, err
	}
	t.Type = task.Type(typ)
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.Error = errText.String
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.InterventionDeadline = timePtr(deadline)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)

	if err := unmarshalJSON(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("解析 payload 失败: %w", err)
	}
	if err := unmarshalJSON(result, &t.Result); err != nil {
		return nil, fmt.Errorf("解析 result 失败: %w", err)
	}
	if err := unmarshalJSON(taskContext, &t.Context); err != nil {
		return nil, fmt.Errorf("解析 context 失败: %w", err)
	}
	if err := unmarshalJSON(resp, &t.FrontendResponse); err != nil {
		return nil, fmt.Errorf("解析前端响应失败: %w", err)
	}
	return &t, nil
}

// normalize 复用 task 包的默认值规则。
func normalize(opts task.ListOptions) task.ListOptions {
	return task.BuildListOptions(func(o *task.ListOptions) { *o = opts })
}

func buildFilterClause(opts task.ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Types) > 0 {
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", placeholders(len(opts.Types))))
		for _, typ := range opts.Types {
			args = append(args, string(typ))
		}
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if !opts.UpdatedGTE.IsZero() {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE.UnixMilli())
	}
	if !opts.UpdatedLTE.IsZero() {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE.UnixMilli())
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(LOWER(agent_id) LIKE ? OR LOWER(type) LIKE ? OR LOWER(error) LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalJSON(raw sql.NullString, dest any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dest)
}

var _ task.Store = (*TaskStore)(nil)
