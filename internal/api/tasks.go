package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/task"
)

// maxInterventionTimeoutMs 是换算为 time.Duration 时不溢出的最大毫秒数。
const maxInterventionTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

type createTaskRequest struct {
	Type                      task.Type      `json:"type"`
	AgentID                   string         `json:"agentId"`
	Payload                   map[string]any `json:"payload"`
	Priority                  string         `json:"priority"`
	AllowFrontendIntervention bool           `json:"allowFrontendIntervention"`
	InterventionTimeoutMs     int64          `json:"interventionTimeoutMs"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	priority := task.PriorityNormal
	if req.Priority != "" {
		parsed, err := task.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无效的优先级"))
			return
		}
		priority = parsed
	}
	if req.InterventionTimeoutMs > maxInterventionTimeoutMs {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "interventionTimeoutMs 超出范围",
			xerrors.WithMetadata("max", strconv.FormatInt(maxInterventionTimeoutMs, 10))))
		return
	}
	id, err := s.queue.AddTask(task.Request{
		Type:                req.Type,
		AgentID:             req.AgentID,
		Payload:             req.Payload,
		Priority:            priority,
		AllowIntervention:   req.AllowFrontendIntervention,
		InterventionTimeout: time.Duration(req.InterventionTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetTasks())
}

func (s *Server) handleCurrentTask(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetCurrentTask())
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.queue.History(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.queue.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listOptionsFromQuery 解析 status、type、agentId、q、limit、offset、order、since、until。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须是整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if values := splitValues(query["status"]); len(values) > 0 {
		statuses := make([]task.Status, 0, len(values))
		for _, v := range values {
			statuses = append(statuses, task.Status(strings.ToUpper(v)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if values := splitValues(query["type"]); len(values) > 0 {
		types := make([]task.Type, 0, len(values))
		for _, v := range values {
			types = append(types, task.Type(strings.ToUpper(v)))
		}
		opts = append(opts, task.WithTypes(types...))
	}
	if agentID := query.Get("agentId"); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	for _, bound := range []struct {
		name  string
		apply func(time.Time) task.ListOption
	}{
		{"since", task.WithUpdatedSince},
		{"until", task.WithUpdatedUntil},
	} {
		raw := query.Get(bound.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, bound.name+" 必须是 RFC3339 时间")
		}
		opts = append(opts, bound.apply(ts))
	}
	return opts, nil
}

func splitValues(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// lookupTask 在任务不存在时写出 404。
func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	id := chi.URLParam(r, "id")
	t, ok := s.queue.GetTask(r.Context(), id)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "task not found", xerrors.WithMetadata("task_id", id)))
		return nil, false
	}
	return t, true
}

// transition 执行一次队列状态迁移；队列拒绝时按任务当前状态返回 409。
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op string, apply func(id string) bool) {
	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	if !apply(t.ID) {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidState, task.ErrInvalidState, op+" is not allowed while task is "+string(t.Status),
			xerrors.WithMetadata("task_id", t.ID)))
		return
	}
	updated, _ := s.queue.GetTask(r.Context(), t.ID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result any `json:"result"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	s.transition(w, r, "complete", func(id string) bool { return s.queue.CompleteTask(id, body.Result) })
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error string `json:"error"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	s.transition(w, r, "fail", func(id string) bool { return s.queue.FailTask(id, body.Error) })
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancel", s.queue.CancelTask)
}

func (s *Server) handleFrontendResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Response any `json:"response"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	s.transition(w, r, "frontend response", func(id string) bool { return s.queue.ProvideFrontendResponse(id, body.Response) })
}

type contextValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *Server) handleGetTaskContext(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok := s.queue.GetTaskContext(r.Context(), chi.URLParam(r, "id"), key)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "task context key not found"))
		return
	}
	writeJSON(w, http.StatusOK, contextValue{Key: key, Value: value})
}

func (s *Server) handleSetTaskContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if !s.queue.SetTaskContext(chi.URLParam(r, "id"), key, body.Value) {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "task is not queued or active"))
		return
	}
	writeJSON(w, http.StatusOK, contextValue{Key: key, Value: body.Value})
}

func (s *Server) handleGetAgentContext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetAgentContext(r.Context(), chi.URLParam(r, "agentID")))
}

func (s *Server) handleGetAgentContextKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok := s.queue.GetContext(r.Context(), chi.URLParam(r, "agentID"), key)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "agent context key not found"))
		return
	}
	writeJSON(w, http.StatusOK, contextValue{Key: key, Value: value})
}

func (s *Server) handleSetAgentContextKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if !s.queue.SetContext(r.Context(), chi.URLParam(r, "agentID"), key, body.Value) {
		writeError(w, xerrors.New(xerrors.CodeStorageFailure, "写入智能体上下文失败"))
		return
	}
	writeJSON(w, http.StatusOK, contextValue{Key: key, Value: body.Value})
}

// handleClearAgentContext 同时服务于整体清空与单键删除。
func (s *Server) handleClearAgentContext(w http.ResponseWriter, r *http.Request) {
	if !s.queue.ClearContext(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "key")) {
		writeError(w, xerrors.New(xerrors.CodeStorageFailure, "清理智能体上下文失败"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
