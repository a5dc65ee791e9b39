package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total              int   `json:"total"`
	Queued             int   `json:"queued"`
	InProgress         int   `json:"inProgress"`
	WaitingForFrontend int   `json:"waitingForFrontend"`
	Completed          int   `json:"completed"`
	Failed             int   `json:"failed"`
	Cancelled          int   `json:"cancelled"`
	OldestUpdatedAt    int64 `json:"oldestUpdatedAt,omitempty"`
	NewestUpdatedAt    int64 `json:"newestUpdatedAt,omitempty"`
}

func (s *TaskStats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusQueued:
		s.Queued++
	case StatusInProgress:
		s.InProgress++
	case StatusWaitingForFrontend:
		s.WaitingForFrontend++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
	updated := t.UpdatedAt.Unix()
	if updated > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updated
	}
	if s.OldestUpdatedAt == 0 || updated < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updated
	}
}
