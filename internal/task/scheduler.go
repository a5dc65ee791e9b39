package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/event"
	"AutoTrader-Chain/internal/observability/metrics"
	"AutoTrader-Chain/pkg/logger"
)

const (
	defaultInterventionTimeout = 30 * time.Second
	storeWriteTimeout          = 5 * time.Second
)

// Listener 在任务就绪时被调用：任务已被调度，且无需干预或干预阶段已结束。
// 参数是任务快照，监听器可以同步调用队列的任何方法。
type Listener func(t *Task)

// Queue 是单活动任务的优先级调度器。所有状态变更都在同一把锁下完成，
// 事件、持久化与监听器在锁外按变更顺序执行。
type Queue struct {
	mu     sync.Mutex
	live   []*Task
	index  map[string]*Task
	active *Task
	seq    uint64

	// finished 保存已结束但尚未成功写入存储的任务，GetTask 优先读取。
	finishedMu sync.Mutex
	finished   map[string]*Task

	// emitMu 在释放 mu 之前获取，保证不同操作产生的事件按提交顺序发出。
	emitMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener

	publisher      event.Publisher
	clock          Clock
	defaultTimeout time.Duration
	store          Store
	contexts       ContextStore
	metrics        *metrics.Metrics
	log            *slog.Logger
	newID          func() string
}

// QueueOption 配置 Queue。
type QueueOption func(*Queue)

// WithPublisher 指定事件发布者，通常是 event.Hub。发布者不得阻塞。
func WithPublisher(p event.Publisher) QueueOption {
	return func(q *Queue) {
		if p != nil {
			q.publisher = p
		}
	}
}

// WithClock 替换时钟，测试中使用 ManualClock。
func WithClock(c Clock) QueueOption {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithDefaultInterventionTimeout 设置任务未指定时的干预窗口。
func WithDefaultInterventionTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.defaultTimeout = d
		}
	}
}

// WithStore 指定任务记录存储。
func WithStore(s Store) QueueOption {
	return func(q *Queue) {
		if s != nil {
			q.store = s
		}
	}
}

// WithContextStore 指定智能体上下文存储。
func WithContextStore(s ContextStore) QueueOption {
	return func(q *Queue) {
		if s != nil {
			q.contexts = s
		}
	}
}

// WithMetrics 记录状态迁移与队列深度。
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// WithIDGenerator 替换任务 ID 生成器。
func WithIDGenerator(fn func() string) QueueOption {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

// NewQueue 创建调度器。
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		index:          make(map[string]*Task),
		finished:       make(map[string]*Task),
		publisher:      event.Discard,
		clock:          SystemClock(),
		defaultTimeout: defaultInterventionTimeout,
		store:          NewMemoryStore(),
		contexts:       NewMemoryContextStore(),
		log:            logger.Named("task.queue"),
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Listen 注册任务就绪监听器。
func (q *Queue) Listen(fn Listener) {
	if fn == nil {
		return
	}
	q.listenersMu.Lock()
	q.listeners = append(q.listeners, fn)
	q.listenersMu.Unlock()
}

// batch 收集一次锁内操作产生的副作用。
type batch struct {
	saves  []*Task
	events []event.Event
	ready  []*Task
}

func (b *batch) record(t *Task, ev event.Event) {
	b.saves = append(b.saves, t.Clone())
	if ev != nil {
		b.events = append(b.events, ev)
	}
}

// release 必须在持有 mu 时调用，返回时 mu 已释放。
func (q *Queue) release(b *batch) {
	depth := len(q.live)
	q.emitMu.Lock()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	for _, t := range b.saves {
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		err := q.store.Save(ctx, t)
		cancel()
		if err != nil {
			q.log.Error("保存任务记录失败", slog.String("task_id", t.ID), slog.String("status", string(t.Status)), slog.Any("error", err))
			continue
		}
		if t.Status.Terminal() {
			q.finishedMu.Lock()
			delete(q.finished, t.ID)
			q.finishedMu.Unlock()
		}
	}
	for _, ev := range b.events {
		q.publisher.Broadcast(ev)
	}
	q.emitMu.Unlock()

	if len(b.ready) == 0 {
		return
	}
	q.listenersMu.RLock()
	listeners := append([]Listener(nil), q.listeners...)
	q.listenersMu.RUnlock()
	for _, t := range b.ready {
		for _, fn := range listeners {
			fn(t.Clone())
		}
	}
}

// AddTask 按优先级插入任务，同优先级保持先进先出，并在空闲时立即调度。
func (q *Queue) AddTask(req Request) (string, error) {
	if err := validateRequest(req); err != nil {
		q.log.Warn("拒绝入队", slog.String("agent_id", req.AgentID), slog.Any("error", err))
		return "", err
	}

	q.mu.Lock()
	now := q.clock.Now()
	q.seq++
	t := &Task{
		ID:                        q.newID(),
		Type:                      req.Type,
		AgentID:                   req.AgentID,
		Priority:                  req.Priority,
		Status:                    StatusQueued,
		Payload:                   cloneMap(req.Payload),
		CreatedAt:                 now,
		UpdatedAt:                 now,
		AllowFrontendIntervention: req.AllowIntervention,
		InterventionTimeoutMs:     req.InterventionTimeout.Milliseconds(),
		Context:                   map[string]any{},
		Seq:                       q.seq,
	}
	q.insertLocked(t)

	b := &batch{}
	b.record(t, event.TaskQueued{Task: t.snapshot()})
	q.metrics.TaskTransition(string(t.Type), string(StatusQueued))
	q.log.Debug("任务入队",
		slog.String("task_id", t.ID),
		slog.String("type", string(t.Type)),
		slog.String("priority", t.Priority.String()),
	)
	q.dispatchLocked(b)
	q.release(b)
	return t.ID, nil
}

func validateRequest(req Request) error {
	switch {
	case !IsValidType(req.Type):
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown task type %q", req.Type))
	case !req.Priority.Valid():
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown priority %d", int(req.Priority)))
	case strings.TrimSpace(req.AgentID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	case req.InterventionTimeout < 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "intervention timeout must not be negative")
	}
	return nil
}

func (q *Queue) insertLocked(t *Task) {
	pos := len(q.live)
	for i, existing := range q.live {
		if existing.Priority < t.Priority {
			pos = i
			break
		}
	}
	q.live = append(q.live, nil)
	copy(q.live[pos+1:], q.live[pos:])
	q.live[pos] = t
	q.index[t.ID] = t
}

// removeLocked 把已结束的任务移出队列，并在存储确认前保留其终态快照。
func (q *Queue) removeLocked(t *Task) {
	for i, existing := range q.live {
		if existing == t {
			q.live = append(q.live[:i], q.live[i+1:]...)
			break
		}
	}
	delete(q.index, t.ID)
	q.finishedMu.Lock()
	q.finished[t.ID] = t.Clone()
	q.finishedMu.Unlock()
}

// dispatchLocked 在没有活动任务时取出优先级最高的排队任务。
func (q *Queue) dispatchLocked(b *batch) {
	if q.active != nil {
		return
	}
	var next *Task
	for _, t := range q.live {
		if t.Status == StatusQueued {
			next = t
			break
		}
	}
	if next == nil {
		return
	}

	now := q.clock.Now()
	next.Status = StatusInProgress
	next.StartedAt = &now
	next.UpdatedAt = now
	q.active = next
	b.record(next, event.TaskStarted{Task: next.snapshot()})
	q.metrics.TaskTransition(string(next.Type), string(StatusInProgress))

	if next.AllowFrontendIntervention {
		q.beginInterventionLocked(next, b)
		return
	}
	b.ready = append(b.ready, next.Clone())
}

// CompleteTask 以 result 结束活动任务。任务不处于活动状态时不做任何修改并返回 false。
func (q *Queue) CompleteTask(id string, result any) bool {
	q.mu.Lock()
	t, ok := q.activeLocked(id, "complete")
	if !ok {
		q.mu.Unlock()
		return false
	}
	b := &batch{}
	t.Result = result
	q.finishLocked(t, StatusCompleted, b, event.TaskCompleted{
		TaskID: t.ID, TaskType: string(t.Type), AgentID: t.AgentID, Result: result,
	})
	logger.Audit().Info("任务完成", slog.String("task_id", t.ID), slog.String("type", string(t.Type)), slog.String("agent_id", t.AgentID))
	q.release(b)
	return true
}

// FailTask 以错误信息结束活动任务。任务不处于活动状态时不做任何修改并返回 false。
func (q *Queue) FailTask(id string, message string) bool {
	q.mu.Lock()
	t, ok := q.activeLocked(id, "fail")
	if !ok {
		q.mu.Unlock()
		return false
	}
	b := &batch{}
	t.Error = message
	q.finishLocked(t, StatusFailed, b, event.TaskFailed{
		TaskID: t.ID, TaskType: string(t.Type), AgentID: t.AgentID, Error: message,
	})
	logger.Audit().Warn("任务失败", slog.String("task_id", t.ID), slog.String("type", string(t.Type)), slog.String("error", message))
	q.release(b)
	return true
}

func (q *Queue) activeLocked(id, op string) (*Task, bool) {
	t, ok := q.index[id]
	if !ok {
		q.log.Warn("任务不存在", slog.String("task_id", id), slog.String("op", op), slog.String("code", string(xerrors.CodeNotFound)))
		return nil, false
	}
	if !t.Status.Active() {
		q.log.Warn("任务状态不允许该操作",
			slog.String("task_id", id),
			slog.String("op", op),
			slog.String("status", string(t.Status)),
			slog.String("code", string(xerrors.CodeInvalidState)),
		)
		return nil, false
	}
	return t, true
}

func (q *Queue) finishLocked(t *Task, status Status, b *batch, ev event.Event) {
	q.stopTimerLocked(t)
	now := q.clock.Now()
	t.Status = status
	t.CompletedAt = &now
	t.UpdatedAt = now
	q.removeLocked(t)
	if q.active == t {
		q.active = nil
	}
	b.record(t, ev)
	q.metrics.TaskTransition(string(t.Type), string(status))
	if t.StartedAt != nil {
		q.metrics.ObserveTaskDuration(string(t.Type), string(status), now.Sub(*t.StartedAt))
	}
	q.dispatchLocked(b)
}

// CancelTask 取消尚未调度的任务。已调度的任务只能完成或失败。
func (q *Queue) CancelTask(id string) bool {
	q.mu.Lock()
	t, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		q.log.Warn("任务不存在", slog.String("task_id", id), slog.String("op", "cancel"))
		return false
	}
	if t.Status != StatusQueued {
		q.mu.Unlock()
		q.log.Warn("只能取消排队中的任务", slog.String("task_id", id), slog.String("status", string(t.Status)))
		return false
	}
	now := q.clock.Now()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	t.UpdatedAt = now
	q.removeLocked(t)

	b := &batch{}
	b.record(t, event.TaskCancelled{TaskID: t.ID, TaskType: string(t.Type), AgentID: t.AgentID})
	q.metrics.TaskTransition(string(t.Type), string(StatusCancelled))
	logger.Audit().Info("任务取消", slog.String("task_id", t.ID), slog.String("type", string(t.Type)))
	q.release(b)
	return true
}

// GetTask 返回任务快照。已结束的任务在写入存储前从内存读取，之后从存储读取。
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, bool) {
	q.mu.Lock()
	t, ok := q.index[id]
	if ok {
		clone := t.Clone()
		q.mu.Unlock()
		return clone, true
	}
	q.mu.Unlock()

	q.finishedMu.Lock()
	done, ok := q.finished[id]
	if ok {
		clone := done.Clone()
		q.finishedMu.Unlock()
		return clone, true
	}
	q.finishedMu.Unlock()

	stored, err := q.store.Get(ctx, id)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			q.log.Error("读取任务记录失败", slog.String("task_id", id), slog.Any("error", err))
		}
		return nil, false
	}
	return stored, true
}

// GetTasks 返回队列中的任务快照，按调度顺序排列。
func (q *Queue) GetTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.live))
	for _, t := range q.live {
		out = append(out, t.Clone())
	}
	return out
}

// GetCurrentTask 返回活动任务快照，空闲时返回 nil。
func (q *Queue) GetCurrentTask() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active.Clone()
}

// History 查询存储中的任务记录，包括已结束的任务。
func (q *Queue) History(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	return q.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回存储中任务的状态统计。
func (q *Queue) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	return q.store.Stats(ctx, BuildListOptions(opts...))
}

// SetTaskContext 在队列中的任务上写入上下文键。
func (q *Queue) SetTaskContext(id, key string, value any) bool {
	if key == "" {
		return false
	}
	q.mu.Lock()
	t, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		q.log.Warn("任务不存在或已结束", slog.String("task_id", id), slog.String("op", "set_task_context"))
		return false
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	t.Context[key] = value
	t.UpdatedAt = q.clock.Now()
	b := &batch{}
	b.record(t, nil)
	q.release(b)
	return true
}

// GetTaskContext 读取任务上下文键。
func (q *Queue) GetTaskContext(ctx context.Context, id, key string) (any, bool) {
	t, ok := q.GetTask(ctx, id)
	if !ok {
		return nil, false
	}
	value, ok := t.Context[key]
	return value, ok
}

// SetContext 写入智能体上下文。
func (q *Queue) SetContext(ctx context.Context, agentID, key string, value any) bool {
	if agentID == "" || key == "" {
		return false
	}
	if err := q.contexts.Set(ctx, agentID, key, value); err != nil {
		q.log.Error("写入智能体上下文失败", slog.String("agent_id", agentID), slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// GetContext 读取智能体上下文键。
func (q *Queue) GetContext(ctx context.Context, agentID, key string) (any, bool) {
	value, ok, err := q.contexts.Get(ctx, agentID, key)
	if err != nil {
		q.log.Error("读取智能体上下文失败", slog.String("agent_id", agentID), slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return value, ok
}

// GetAgentContext 返回智能体的全部上下文。
func (q *Queue) GetAgentContext(ctx context.Context, agentID string) map[string]any {
	values, err := q.contexts.All(ctx, agentID)
	if err != nil {
		q.log.Error("读取智能体上下文失败", slog.String("agent_id", agentID), slog.Any("error", err))
		return map[string]any{}
	}
	return values
}

// ClearContext 删除智能体上下文键；key 为空时清空全部。
func (q *Queue) ClearContext(ctx context.Context, agentID, key string) bool {
	if agentID == "" {
		return false
	}
	if err := q.contexts.Clear(ctx, agentID, key); err != nil {
		q.log.Error("清理智能体上下文失败", slog.String("agent_id", agentID), slog.Any("error", err))
		return false
	}
	return true
}
