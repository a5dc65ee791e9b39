package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"AutoTrader-Chain/internal/agent"
	"AutoTrader-Chain/internal/autonomous"
	"AutoTrader-Chain/internal/conversation"
	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/observability/metrics"
	"AutoTrader-Chain/internal/task"
	"AutoTrader-Chain/pkg/logger"
)

const maxBodyBytes = 1 << 20

// CycleRunner 手动触发一次自主周期，由 *autonomous.Orchestrator 实现。
type CycleRunner interface {
	RunCycle(ctx context.Context) (autonomous.Cycle, error)
}

// Server 负责暴露 REST 接口，供前端观察与干预智能体决策。
type Server struct {
	addr           string
	queue          *task.Queue
	tracker        *conversation.Tracker
	cycles         CycleRunner
	agent          agent.Agent
	events         http.Handler
	metricsHandler http.Handler
	metrics        *metrics.Metrics
	allowedOrigins []string
	log            *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithCycleRunner 启用 POST /api/v1/cycles。
func WithCycleRunner(r CycleRunner) Option {
	return func(s *Server) { s.cycles = r }
}

// WithAgent 启用 GET /api/v1/agent/status。
func WithAgent(a agent.Agent) Option {
	return func(s *Server) { s.agent = a }
}

// WithEventStream 把 websocket 事件流挂载到 /ws。
func WithEventStream(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// WithMetrics 记录请求指标并挂载 /metrics。
func WithMetrics(m *metrics.Metrics, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithAllowedOrigins 设置跨域白名单，为空时允许任意来源。
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, queue *task.Queue, tracker *conversation.Tracker, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		queue:   queue,
		tracker: tracker,
		log:     logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	if s.events != nil {
		r.Method(http.MethodGet, "/ws", s.events)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/current", s.handleCurrentTask)
			r.Get("/history", s.handleTaskHistory)
			r.Get("/stats", s.handleTaskStats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleTaskDetail)
				r.Post("/complete", s.handleCompleteTask)
				r.Post("/fail", s.handleFailTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/response", s.handleFrontendResponse)
				r.Get("/context/{key}", s.handleGetTaskContext)
				r.Put("/context/{key}", s.handleSetTaskContext)
			})
		})
		r.Route("/agents/{agentID}/context", func(r chi.Router) {
			r.Get("/", s.handleGetAgentContext)
			r.Delete("/", s.handleClearAgentContext)
			r.Get("/{key}", s.handleGetAgentContextKey)
			r.Put("/{key}", s.handleSetAgentContextKey)
			r.Delete("/{key}", s.handleClearAgentContext)
		})
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", s.handleCreateConversation)
			r.Get("/", s.handleListConversations)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleConversationDetail)
				r.Post("/messages", s.handleAddMessage)
				r.Get("/messages", s.handleListMessages)
				r.Post("/llm-responses", s.handleAddLLMResponse)
				r.Post("/archive", s.handleArchiveConversation)
			})
		})
		r.Get("/messages/{id}", s.handleMessageDetail)
		r.Post("/cycles", s.handleRunCycle)
		r.Get("/agent/status", s.handleAgentStatus)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Code: string(xerrors.CodeInvalidArgument)})
	})

	return cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.cycles == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidState, "autonomous cycles are not configured"))
		return
	}
	cycle, err := s.cycles.RunCycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cycle)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidState, "agent is not configured"))
		return
	}
	status, err := s.agent.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// observe 记录访问日志与请求指标。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.metrics.ObserveHTTPRequest(route, r.Method, ww.Status(), elapsed)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.log.Log(r.Context(), level, http.StatusText(ww.Status()),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidState:
		return http.StatusConflict
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeCollaboratorFailure, xerrors.CodeTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Error: message, Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBody 解析请求体；allowEmpty 为 true 时空请求体视为零值。
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "服务已关闭", Code: string(xerrors.CodeInvalidState)})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
