package task

import (
	"log/slog"
	"time"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/event"
	"AutoTrader-Chain/pkg/logger"
)

// beginInterventionLocked 将刚调度的任务转入等待前端状态并启动截止定时器。
func (q *Queue) beginInterventionLocked(t *Task, b *batch) {
	timeout := q.defaultTimeout
	if t.InterventionTimeoutMs > 0 {
		timeout = time.Duration(t.InterventionTimeoutMs) * time.Millisecond
	}
	now := q.clock.Now()
	deadline := now.Add(timeout)

	t.Status = StatusWaitingForFrontend
	t.InterventionDeadline = &deadline
	t.UpdatedAt = now
	t.interventions++
	round := t.interventions
	id := t.ID
	t.timer = q.clock.AfterFunc(timeout, func() { q.expireIntervention(id, round) })

	b.record(t, event.InterventionRequested{
		TaskID:    t.ID,
		TaskType:  string(t.Type),
		AgentID:   t.AgentID,
		Payload:   cloneMap(t.Payload),
		Deadline:  deadline,
		TimeoutMs: timeout.Milliseconds(),
	})
	q.metrics.TaskTransition(string(t.Type), string(StatusWaitingForFrontend))
	q.metrics.Intervention("requested")
}

func (q *Queue) stopTimerLocked(t *Task) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// ProvideFrontendResponse 在干预窗口内附加操作员响应并恢复任务执行。
// 每轮干预只能成功一次。
func (q *Queue) ProvideFrontendResponse(id string, response any) bool {
	q.mu.Lock()
	t, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		q.log.Warn("任务不存在", slog.String("task_id", id), slog.String("op", "frontend_response"))
		return false
	}
	if t.Status != StatusWaitingForFrontend {
		q.mu.Unlock()
		q.log.Warn("任务未在等待前端响应",
			slog.String("task_id", id),
			slog.String("status", string(t.Status)),
			slog.String("code", string(xerrors.CodeInvalidState)),
		)
		return false
	}
	q.stopTimerLocked(t)
	t.FrontendResponse = response
	t.Status = StatusInProgress
	t.UpdatedAt = q.clock.Now()

	b := &batch{}
	b.record(t, event.FrontendResponseReceived{TaskID: t.ID, Response: response})
	b.ready = append(b.ready, t.Clone())
	q.metrics.TaskTransition(string(t.Type), string(StatusInProgress))
	q.metrics.Intervention("responded")
	logger.Audit().Info("收到前端响应", slog.String("task_id", t.ID), slog.String("type", string(t.Type)))
	q.release(b)
	return true
}

// expireIntervention 由定时器调用；只有仍处于同一轮等待时才生效。
func (q *Queue) expireIntervention(id string, round uint64) {
	q.mu.Lock()
	t, ok := q.index[id]
	if !ok || t.Status != StatusWaitingForFrontend || t.interventions != round {
		q.mu.Unlock()
		return
	}
	t.timer = nil
	t.Status = StatusInProgress
	t.UpdatedAt = q.clock.Now()

	b := &batch{}
	b.record(t, event.InterventionTimeout{TaskID: t.ID})
	b.ready = append(b.ready, t.Clone())
	q.metrics.TaskTransition(string(t.Type), string(StatusInProgress))
	q.metrics.Intervention("timeout")
	q.log.Info("干预窗口超时，任务继续执行", slog.String("task_id", t.ID))
	q.release(b)
}
