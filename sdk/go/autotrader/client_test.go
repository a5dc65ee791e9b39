package autotrader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitTask(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Type != "TRADE_EXECUTION" || body.Priority != "HIGH" || !body.AllowFrontendIntervention {
			t.Fatalf("unexpected submission: %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
	}))

	id, err := client.SubmitTask(context.Background(), TaskSubmission{
		Type:                      "TRADE_EXECUTION",
		Priority:                  "HIGH",
		AllowFrontendIntervention: true,
	})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if id != "task-1" {
		t.Fatalf("expected task-1, got %q", id)
	}
}

func TestGetTaskError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "task not found", "code": "NOT_FOUND"})
	}))

	_, err := client.GetTask(context.Background(), "task-404")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T (%v)", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" || apiErr.Message != "task not found" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestHistoryQuery(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/history" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("status") != "FAILED" || q.Get("limit") != "5" || q.Get("since") != "2026-01-02T03:04:05Z" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Has("offset") || q.Has("until") {
			t.Fatalf("zero values must be omitted: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "task-9", Status: "FAILED", Error: "boom"}})
	}))

	tasks, err := client.History(context.Background(), HistoryQuery{Status: "FAILED", Limit: 5, Since: since})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Error != "boom" {
		t.Fatalf("unexpected history: %+v", tasks)
	}
}

func TestRespondAndConflict(t *testing.T) {
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-1/response" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "frontend response rejected", "code": "INVALID_STATE"})
			return
		}
		var body struct {
			Response map[string]any `json:"response"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "IN_PROGRESS", FrontendResponse: body.Response})
	}))

	updated, err := client.Respond(context.Background(), "task-1", map[string]any{"action": "skip"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if updated.Status != "IN_PROGRESS" {
		t.Fatalf("unexpected status: %s", updated.Status)
	}
	_, err = client.Respond(context.Background(), "task-1", map[string]any{"action": "skip"})
	if apiErr, ok := err.(*APIError); !ok || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAgentContext(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			if r.URL.Path != "/api/v1/agents/trader/context/mode" {
				t.Fatalf("unexpected path: %s", r.URL.Path)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"key": "mode", "value": "paper"})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"mode": "paper"})
		}
	}))

	if err := client.SetAgentContext(context.Background(), "trader", "mode", "paper"); err != nil {
		t.Fatalf("set context: %v", err)
	}
	values, err := client.AgentContext(context.Background(), "trader")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if values["mode"] != "paper" {
		t.Fatalf("unexpected context: %+v", values)
	}
}

func TestEventsStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var msg map[string]string
		if err := conn.ReadJSON(&msg); err != nil {
			t.Errorf("read control: %v", err)
			return
		}
		subscribed <- msg["type"] + ":" + msg["topic"]
		_ = conn.WriteJSON(map[string]any{
			"type":      "cycle_started",
			"data":      map[string]string{"cycleId": "c-1"},
			"timestamp": time.Now().UTC(),
		})
		_, _, _ = conn.ReadMessage()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Events(ctx, "cycles")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer stream.Close()

	if got := <-subscribed; got != "subscribe:cycles" {
		t.Fatalf("unexpected control message: %s", got)
	}
	select {
	case ev := <-stream.C():
		if ev.Type != "cycle_started" {
			t.Fatalf("unexpected event type: %s", ev.Type)
		}
		var data struct {
			CycleID string `json:"cycleId"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.CycleID != "c-1" {
			t.Fatalf("unexpected event data: %s", ev.Data)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
