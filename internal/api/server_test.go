package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AutoTrader-Chain/internal/agent"
	"AutoTrader-Chain/internal/autonomous"
	"AutoTrader-Chain/internal/conversation"
	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/task"
)

type fakeCycles struct {
	err error
}

func (f *fakeCycles) RunCycle(context.Context) (autonomous.Cycle, error) {
	if f.err != nil {
		return autonomous.Cycle{}, f.err
	}
	return autonomous.Cycle{ID: "cycle-1", TaskID: "task-1", ConversationID: "conv-1"}, nil
}

type fakeAgent struct{}

func (fakeAgent) Status(context.Context) (agent.Status, error) {
	return agent.Status{AgentID: "trader", State: agent.StateIdle}, nil
}

func (fakeAgent) AnalyzePortfolio(context.Context, agent.Portfolio, agent.MarketData) (*agent.Analysis, error) {
	return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "unused")
}

func (fakeAgent) ExecuteTrade(context.Context, agent.TradeType, string, string, float64) (*agent.TradeResult, error) {
	return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "unused")
}

func (fakeAgent) ReasoningHistory(context.Context, string) (*agent.Reasoning, error) {
	return nil, xerrors.New(xerrors.CodeNotFound, "unused")
}

func newTestServer(t *testing.T, opts ...Option) (http.Handler, *task.Queue, *conversation.Tracker) {
	t.Helper()
	clock := task.NewManualClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	queue := task.NewQueue(task.WithClock(clock))
	tracker := conversation.NewTracker(queue)
	server := NewServer(":0", queue, tracker, opts...)
	return server.Handler(), queue, tracker
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateTaskAndDetail(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{
		"type":     "PORTFOLIO_ANALYSIS",
		"agentId":  "trader",
		"priority": "high",
		"payload":  map[string]any{"symbol": "ETH"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	id := decode[map[string]string](t, rec)["id"]

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	got := decode[task.Task](t, rec)
	if got.ID != id || got.Priority != task.PriorityHigh || got.Status != task.StatusInProgress {
		t.Fatalf("unexpected task: %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/current", nil)
	if current := decode[task.Task](t, rec); current.ID != id {
		t.Fatalf("expected current task %s, got %+v", id, current)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body any
	}{
		{"unknown type", map[string]any{"type": "NOPE", "agentId": "trader"}},
		{"missing agent", map[string]any{"type": "MARKET_ANALYSIS"}},
		{"bad priority", map[string]any{"type": "MARKET_ANALYSIS", "agentId": "trader", "priority": "URGENT"}},
		{"not json", nil},
		{"negative timeout", map[string]any{"type": "MARKET_ANALYSIS", "agentId": "trader", "interventionTimeoutMs": -1}},
		{"timeout overflow", map[string]any{"type": "MARKET_ANALYSIS", "agentId": "trader", "interventionTimeoutMs": int64(18446744073710)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/tasks", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
			}
			body := decode[errorBody](t, rec)
			if body.Code != string(xerrors.CodeInvalidArgument) || body.Error == "" {
				t.Fatalf("unexpected error body: %+v", body)
			}
		})
	}
}

func TestTaskTransitions(t *testing.T) {
	h, queue, _ := newTestServer(t)
	first, err := queue.AddTask(task.Request{Type: task.TypeMarketAnalysis, AgentID: "trader", Priority: task.PriorityNormal})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	second, err := queue.AddTask(task.Request{Type: task.TypeMarketAnalysis, AgentID: "trader", Priority: task.PriorityNormal})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	t.Run("complete queued task conflicts", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/tasks/"+second+"/complete", map[string]any{"result": "x"})
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
		}
		if body := decode[errorBody](t, rec); body.Code != string(xerrors.CodeInvalidState) || body.Error != "complete is not allowed while task is QUEUED" {
			t.Fatalf("unexpected error body: %+v", body)
		}
	})

	t.Run("complete active task", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/tasks/"+first+"/complete", map[string]any{"result": "done"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if got := decode[task.Task](t, rec); got.Status != task.StatusCompleted {
			t.Fatalf("unexpected task: %+v", got)
		}
	})

	t.Run("fail next task", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/tasks/"+second+"/fail", map[string]any{"error": "boom"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if got := decode[task.Task](t, rec); got.Status != task.StatusFailed || got.Error != "boom" {
			t.Fatalf("unexpected task: %+v", got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/tasks/missing/cancel", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("history", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/tasks/history?status=completed,failed&limit=10", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if got := decode[[]task.Task](t, rec); len(got) != 2 {
			t.Fatalf("expected 2 finished tasks, got %d", len(got))
		}
	})

	t.Run("bad history bound", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/tasks/history?since=yesterday", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestFrontendResponse(t *testing.T) {
	h, queue, _ := newTestServer(t)
	id, err := queue.AddTask(task.Request{
		Type: task.TypeTradeExecution, AgentID: "trader", Priority: task.PriorityHigh,
		AllowIntervention: true, InterventionTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/tasks/"+id+"/response", map[string]any{"response": map[string]any{"action": "skip"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	got := decode[task.Task](t, rec)
	if got.Status != task.StatusInProgress || got.FrontendResponse == nil {
		t.Fatalf("unexpected task: %+v", got)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/tasks/"+id+"/response", map[string]any{"response": "again"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected second response to conflict, got %d", rec.Code)
	}
}

func TestContextEndpoints(t *testing.T) {
	h, queue, _ := newTestServer(t)
	id, _ := queue.AddTask(task.Request{Type: task.TypeMarketAnalysis, AgentID: "trader", Priority: task.PriorityLow})

	rec := do(t, h, http.MethodPut, "/api/v1/tasks/"+id+"/context/step", map[string]any{"value": "fetch"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set task context: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/tasks/"+id+"/context/step", nil)
	if got := decode[contextValue](t, rec); got.Value != "fetch" {
		t.Fatalf("unexpected task context: %+v", got)
	}

	rec = do(t, h, http.MethodPut, "/api/v1/agents/trader/context/mood", map[string]any{"value": "bullish"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set agent context: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/agents/trader/context", nil)
	if got := decode[map[string]any](t, rec); got["mood"] != "bullish" {
		t.Fatalf("unexpected agent context: %+v", got)
	}
	rec = do(t, h, http.MethodDelete, "/api/v1/agents/trader/context/mood", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear agent context: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/agents/trader/context/mood", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected cleared key to be missing, got %d", rec.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	h, queue, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/conversations", map[string]any{"title": "desk", "agentIds": []string{"alpha"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create conversation: %d %s", rec.Code, rec.Body.String())
	}
	convID := decode[map[string]string](t, rec)["id"]

	rec = do(t, h, http.MethodPost, "/api/v1/conversations/"+convID+"/messages",
		map[string]any{"type": "agent", "sender": "alpha", "content": "rebalance?"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add message: %d %s", rec.Code, rec.Body.String())
	}
	msgID := decode[map[string]string](t, rec)["id"]
	if current := queue.GetCurrentTask(); current == nil || current.Type != task.TypeAgentConversation {
		t.Fatalf("expected agent message to be escalated, got %+v", current)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/messages/"+msgID, nil)
	if got := decode[conversation.Message](t, rec); got.Content != "rebalance?" {
		t.Fatalf("unexpected message: %+v", got)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/conversations/"+convID+"/llm-responses",
		map[string]any{"agentId": "alpha", "prompt": "should we?", "response": "yes"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add llm response: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/conversations/"+convID+"/messages?type=llm", nil)
	if got := decode[[]conversation.Message](t, rec); len(got) != 1 || got[0].Content != "yes" {
		t.Fatalf("unexpected llm messages: %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/conversations?agentId=alpha", nil)
	if got := decode[[]conversation.Conversation](t, rec); len(got) != 1 || len(got[0].Messages) != 4 {
		t.Fatalf("unexpected conversations: %+v", got)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/conversations/missing/messages",
		map[string]any{"type": "USER", "sender": "op", "content": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/conversations/"+convID+"/archive", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected archive without archiver to conflict, got %d", rec.Code)
	}
}

func TestCyclesAndAgentStatus(t *testing.T) {
	h, _, _ := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/api/v1/cycles", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected unconfigured cycles to conflict, got %d", rec.Code)
	}

	h, _, _ = newTestServer(t, WithCycleRunner(&fakeCycles{}), WithAgent(fakeAgent{}))
	rec := do(t, h, http.MethodPost, "/api/v1/cycles", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
	if got := decode[autonomous.Cycle](t, rec); got.ID != "cycle-1" {
		t.Fatalf("unexpected cycle: %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/agent/status", nil)
	if got := decode[agent.Status](t, rec); got.AgentID != "trader" {
		t.Fatalf("unexpected status: %+v", got)
	}

	h, _, _ = newTestServer(t, WithCycleRunner(&fakeCycles{err: xerrors.New(xerrors.CodeCollaboratorFailure, "rpc down")}))
	if rec := do(t, h, http.MethodPost, "/api/v1/cycles", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	h, _, _ := newTestServer(t)
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz ok, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/api/v1/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Code != string(xerrors.CodeNotFound) {
		t.Fatalf("unexpected error body: %+v", body)
	}
}
