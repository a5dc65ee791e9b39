package task

import "context"

// Store 抽象了任务记录的持久化接口。队列在每次状态变化后保存快照，
// 终态任务离开队列后仍可通过 Store 查询。
type Store interface {
	Save(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
