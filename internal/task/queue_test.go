package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AutoTrader-Chain/internal/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Broadcast(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type()
	}
	return out
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *recorder) last() event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, opts ...QueueOption) (*Queue, *recorder, *ManualClock) {
	t.Helper()
	rec := &recorder{}
	clock := NewManualClock(epoch)
	seq := 0
	base := []QueueOption{
		WithPublisher(rec),
		WithClock(clock),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("task-%d", seq)
		}),
	}
	return NewQueue(append(base, opts...)...), rec, clock
}

func mustAdd(t *testing.T, q *Queue, req Request) string {
	t.Helper()
	id, err := q.AddTask(req)
	require.NoError(t, err)
	return id
}

func countActive(q *Queue) int {
	n := 0
	for _, task := range q.GetTasks() {
		if task.Status.Active() {
			n++
		}
	}
	return n
}

func TestDispatchOrderIsPriorityThenFIFO(t *testing.T) {
	q, _, _ := newTestQueue(t)
	var started []string
	q.Listen(func(task *Task) { started = append(started, task.Payload["name"].(string)) })

	add := func(name string, p Priority) {
		mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a1", Priority: p, Payload: map[string]any{"name": name}})
	}
	add("blocker", PriorityNormal)
	add("low", PriorityLow)
	add("high", PriorityHigh)
	add("normal-1", PriorityNormal)
	add("critical", PriorityCritical)
	add("normal-2", PriorityNormal)

	for q.GetCurrentTask() != nil {
		require.True(t, q.CompleteTask(q.GetCurrentTask().ID, nil))
	}
	assert.Equal(t, []string{"blocker", "critical", "high", "normal-1", "normal-2", "low"}, started)
}

func TestHighPriorityDispatchedBeforeLowRegardlessOfInsertion(t *testing.T) {
	q, _, _ := newTestQueue(t)
	blocker := mustAdd(t, q, Request{Type: TypeSystemMessage, AgentID: "sys", Priority: PriorityNormal})
	low := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityLow})
	high := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityHigh})

	tasks := q.GetTasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{high, blocker, low}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
	assert.Equal(t, blocker, q.GetCurrentTask().ID)

	require.True(t, q.CompleteTask(blocker, nil))
	assert.Equal(t, high, q.GetCurrentTask().ID)
}

func TestCompleteTaskScenario(t *testing.T) {
	q, rec, _ := newTestQueue(t)
	id := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Payload: map[string]any{}, Priority: PriorityNormal})
	require.Equal(t, id, q.GetCurrentTask().ID)

	require.True(t, q.CompleteTask(id, map[string]any{"ok": true}))

	assert.Empty(t, q.GetTasks())
	assert.Nil(t, q.GetCurrentTask())
	assert.Equal(t, []string{event.TypeTaskQueued, event.TypeTaskStarted, event.TypeTaskCompleted}, rec.types())
	completed := rec.last().(event.TaskCompleted)
	assert.Equal(t, map[string]any{"ok": true}, completed.Result)

	stored, ok := q.GetTask(context.Background(), id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestCompleteAndFailRequireActiveTask(t *testing.T) {
	q, rec, _ := newTestQueue(t)
	active := mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a1", Priority: PriorityNormal})
	queued := mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a1", Priority: PriorityNormal})
	rec.reset()

	assert.False(t, q.CompleteTask(queued, "x"))
	assert.False(t, q.FailTask(queued, "x"))
	assert.False(t, q.CompleteTask("missing", "x"))
	assert.Empty(t, rec.types())
	task, _ := q.GetTask(context.Background(), queued)
	assert.Equal(t, StatusQueued, task.Status)

	require.True(t, q.FailTask(active, "rpc unavailable"))
	assert.False(t, q.CompleteTask(active, "late"))
	assert.False(t, q.FailTask(active, "late"))

	failed, _ := q.GetTask(context.Background(), active)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "rpc unavailable", failed.Error)
	assert.Equal(t, 1, rec.count(event.TypeTaskFailed))
	assert.Equal(t, queued, q.GetCurrentTask().ID)
}

func TestCancelOnlyQueuedTasks(t *testing.T) {
	q, rec, _ := newTestQueue(t)
	active := mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a1", Priority: PriorityNormal})
	queued := mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a1", Priority: PriorityNormal})
	rec.reset()

	assert.False(t, q.CancelTask(active))
	assert.Empty(t, rec.types())

	require.True(t, q.CancelTask(queued))
	assert.False(t, q.CancelTask(queued))
	assert.Equal(t, []string{event.TypeTaskCancelled}, rec.types())
	require.Len(t, q.GetTasks(), 1)

	cancelled, ok := q.GetTask(context.Background(), queued)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, active, q.GetCurrentTask().ID)
}

func TestInterventionTimeoutResumesTaskOnce(t *testing.T) {
	q, rec, clock := newTestQueue(t)
	var ready []*Task
	q.Listen(func(task *Task) { ready = append(ready, task) })

	id := mustAdd(t, q, Request{
		Type:                TypeAutonomousCycle,
		AgentID:             "trader",
		Payload:             map[string]any{"cycleId": "abc"},
		Priority:            PriorityNormal,
		AllowIntervention:   true,
		InterventionTimeout: 5000 * time.Millisecond,
	})

	current := q.GetCurrentTask()
	require.Equal(t, StatusWaitingForFrontend, current.Status)
	require.NotNil(t, current.InterventionDeadline)
	assert.Equal(t, epoch.Add(5*time.Second), *current.InterventionDeadline)
	assert.Empty(t, ready)
	requested := rec.last().(event.InterventionRequested)
	assert.Equal(t, int64(5000), requested.TimeoutMs)
	assert.Equal(t, "abc", requested.Payload["cycleId"])

	clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, 0, rec.count(event.TypeFrontendInterventionTimeout))

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, rec.count(event.TypeFrontendInterventionTimeout))
	assert.Equal(t, StatusInProgress, q.GetCurrentTask().Status)
	require.Len(t, ready, 1)
	assert.Nil(t, ready[0].FrontendResponse)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, rec.count(event.TypeFrontendInterventionTimeout))
	assert.False(t, q.ProvideFrontendResponse(id, "too late"))
	assert.Equal(t, 0, clock.Pending())
}

func TestFrontendResponseSucceedsOnceAndCancelsTimer(t *testing.T) {
	q, rec, clock := newTestQueue(t, WithDefaultInterventionTimeout(30*time.Second))
	var ready []*Task
	q.Listen(func(task *Task) { ready = append(ready, task) })

	id := mustAdd(t, q, Request{Type: TypeAgentConversation, AgentID: "a1", Priority: PriorityHigh, AllowIntervention: true})
	deadline := q.GetCurrentTask().InterventionDeadline
	require.NotNil(t, deadline)
	assert.Equal(t, epoch.Add(30*time.Second), *deadline)
	require.Equal(t, 1, clock.Pending())

	response := map[string]any{"action": "approve"}
	require.True(t, q.ProvideFrontendResponse(id, response))
	assert.False(t, q.ProvideFrontendResponse(id, response))
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Minute)
	assert.Equal(t, 0, rec.count(event.TypeFrontendInterventionTimeout))
	assert.Equal(t, 1, rec.count(event.TypeFrontendResponseReceived))

	current := q.GetCurrentTask()
	assert.Equal(t, StatusInProgress, current.Status)
	assert.Equal(t, response, current.FrontendResponse)
	require.Len(t, ready, 1)
	assert.Equal(t, response, ready[0].FrontendResponse)
}

func TestCompletingWaitingTaskStopsTimer(t *testing.T) {
	q, rec, clock := newTestQueue(t)
	id := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityNormal, AllowIntervention: true})
	next := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityNormal})

	require.True(t, q.CompleteTask(id, "done without waiting"))
	assert.Equal(t, 0, clock.Pending())
	clock.Advance(time.Hour)
	assert.Equal(t, 0, rec.count(event.TypeFrontendInterventionTimeout))
	assert.Equal(t, next, q.GetCurrentTask().ID)
}

func TestResponseRejectedWhenNotWaiting(t *testing.T) {
	q, _, _ := newTestQueue(t)
	id := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityNormal})
	assert.False(t, q.ProvideFrontendResponse(id, "x"))
	assert.False(t, q.ProvideFrontendResponse("missing", "x"))
}

func TestAddTaskValidatesInput(t *testing.T) {
	q, rec, _ := newTestQueue(t)
	cases := []Request{
		{Type: "UNKNOWN", AgentID: "a1"},
		{Type: TypeTradeExecution, AgentID: "a1", Priority: Priority(9)},
		{Type: TypeTradeExecution, AgentID: " "},
		{Type: TypeTradeExecution, AgentID: "a1", InterventionTimeout: -time.Second},
	}
	for _, req := range cases {
		id, err := q.AddTask(req)
		assert.Error(t, err)
		assert.Empty(t, id)
	}
	assert.Empty(t, rec.types())
	assert.Empty(t, q.GetTasks())
}

func TestAtMostOneActiveTaskUnderRandomOperations(t *testing.T) {
	q, _, clock := newTestQueue(t)
	rng := rand.New(rand.NewSource(42))
	var ids []string

	for step := 0; step < 500; step++ {
		switch rng.Intn(6) {
		case 0, 1:
			id, err := q.AddTask(Request{
				Type:              TypeMarketAnalysis,
				AgentID:           "a1",
				Priority:          Priority(rng.Intn(4)),
				AllowIntervention: rng.Intn(2) == 0,
			})
			require.NoError(t, err)
			ids = append(ids, id)
		case 2:
			if current := q.GetCurrentTask(); current != nil {
				q.CompleteTask(current.ID, step)
			}
		case 3:
			if len(ids) > 0 {
				q.CancelTask(ids[rng.Intn(len(ids))])
			}
		case 4:
			if len(ids) > 0 {
				q.ProvideFrontendResponse(ids[rng.Intn(len(ids))], step)
			}
		case 5:
			clock.Advance(time.Duration(rng.Intn(40)) * time.Second)
		}
		require.LessOrEqual(t, countActive(q), 1, "step %d", step)
		require.LessOrEqual(t, clock.Pending(), 1, "step %d", step)
		if current := q.GetCurrentTask(); current == nil {
			for _, task := range q.GetTasks() {
				require.NotEqual(t, StatusQueued, task.Status, "idle scheduler with queued work at step %d", step)
			}
		}
	}
}

func TestEventsKeepCommitOrderAcrossGoroutines(t *testing.T) {
	q, rec, _ := newTestQueue(t, WithIDGenerator(nil))
	q.Listen(func(task *Task) {
		go q.CompleteTask(task.ID, nil)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.AddTask(Request{Type: TypeMarketAnalysis, AgentID: "a1", Priority: PriorityNormal})
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return rec.count(event.TypeTaskCompleted) == 20 }, 2*time.Second, 5*time.Millisecond)

	started := map[string]bool{}
	for _, ev := range rec.events {
		switch e := ev.(type) {
		case event.TaskStarted:
			started[e.Task.ID] = true
		case event.TaskCompleted:
			require.True(t, started[e.TaskID], "completed before started: %s", e.TaskID)
		}
	}
}

func TestAgentAndTaskContext(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	require.True(t, q.SetContext(ctx, "a1", "riskLevel", "moderate"))
	require.True(t, q.SetContext(ctx, "a1", "lastCycle", "c-1"))
	assert.False(t, q.SetContext(ctx, "", "k", 1))

	value, ok := q.GetContext(ctx, "a1", "riskLevel")
	require.True(t, ok)
	assert.Equal(t, "moderate", value)
	assert.Len(t, q.GetAgentContext(ctx, "a1"), 2)

	require.True(t, q.ClearContext(ctx, "a1", "riskLevel"))
	_, ok = q.GetContext(ctx, "a1", "riskLevel")
	assert.False(t, ok)
	require.True(t, q.ClearContext(ctx, "a1", ""))
	assert.Empty(t, q.GetAgentContext(ctx, "a1"))

	id := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityNormal})
	require.True(t, q.SetTaskContext(id, "quote", 1.5))
	assert.False(t, q.SetTaskContext("missing", "quote", 1))
	value, ok = q.GetTaskContext(ctx, id, "quote")
	require.True(t, ok)
	assert.Equal(t, 1.5, value)

	require.True(t, q.CompleteTask(id, nil))
	assert.False(t, q.SetTaskContext(id, "quote", 2))
	value, ok = q.GetTaskContext(ctx, id, "quote")
	require.True(t, ok)
	assert.Equal(t, 1.5, value)
}

func TestHistoryAndStatsReadFromStore(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	first := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityNormal})
	second := mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a2", Priority: PriorityNormal})
	third := mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a2", Priority: PriorityLow})
	clock.Advance(time.Second)
	require.True(t, q.CompleteTask(first, nil))
	clock.Advance(time.Second)
	require.True(t, q.FailTask(second, "boom"))
	require.True(t, q.CancelTask(mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a3", Priority: PriorityLow})))

	history, err := q.History(ctx, WithStatuses(StatusCompleted, StatusFailed))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second, history[0].ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, stats.InProgress)
	assert.Equal(t, third, q.GetCurrentTask().ID)
}

func TestPriorityJSONUsesNames(t *testing.T) {
	raw, err := PriorityHigh.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"HIGH"`, string(raw))

	var p Priority
	require.NoError(t, p.UnmarshalJSON([]byte(`"critical"`)))
	assert.Equal(t, PriorityCritical, p)
	assert.Error(t, p.UnmarshalJSON([]byte(`"URGENT"`)))
}

// slowStore 在保存终态记录时阻塞或失败，模拟存储延迟与故障。
type slowStore struct {
	*MemoryStore
	entered chan string
	gate    chan struct{}
	fail    bool
}

func (s *slowStore) Save(ctx context.Context, t *Task) error {
	if t.Status.Terminal() {
		if s.fail {
			return errors.New("mysql: connection refused")
		}
		s.entered <- t.ID
		<-s.gate
	}
	return s.MemoryStore.Save(ctx, t)
}

func TestFinishedTaskReadableWhileSaveInFlight(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(), entered: make(chan string, 1), gate: make(chan struct{})}
	q, _, _ := newTestQueue(t, WithStore(store))
	ctx := context.Background()
	first := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityNormal})
	second := mustAdd(t, q, Request{Type: TypeTradeExecution, AgentID: "a1", Priority: PriorityNormal})

	done := make(chan bool, 1)
	go func() { done <- q.CompleteTask(first, "filled") }()
	require.Equal(t, first, <-store.entered)

	got, ok := q.GetTask(ctx, first)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "filled", got.Result)
	assert.Equal(t, second, q.GetCurrentTask().ID)

	close(store.gate)
	require.True(t, <-done)
	got, ok = q.GetTask(ctx, first)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	q.finishedMu.Lock()
	assert.Empty(t, q.finished)
	q.finishedMu.Unlock()
}

func TestFinishedTaskReadableWhenSaveFails(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(), fail: true}
	q, _, _ := newTestQueue(t, WithStore(store))
	ctx := context.Background()
	failed := mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a1", Priority: PriorityNormal})
	cancelled := mustAdd(t, q, Request{Type: TypeMarketAnalysis, AgentID: "a1", Priority: PriorityLow})

	require.True(t, q.CancelTask(cancelled))
	require.True(t, q.FailTask(failed, "rpc unavailable"))

	got, ok := q.GetTask(ctx, failed)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "rpc unavailable", got.Error)
	got, ok = q.GetTask(ctx, cancelled)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)

	stored, err := store.MemoryStore.Get(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, stored.Status)
}
