package autonomous

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"AutoTrader-Chain/internal/agent"
	"AutoTrader-Chain/internal/conversation"
	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/event"
	"AutoTrader-Chain/internal/observability/metrics"
	"AutoTrader-Chain/internal/task"
	"AutoTrader-Chain/pkg/logger"
)

const (
	// CycleInterventionWindow 是操作员在资金变动前检查周期的时间。
	CycleInterventionWindow = 5 * time.Minute
	// DefaultInterval 是两次周期之间的默认间隔。
	DefaultInterval = 60 * time.Minute

	defaultAgentID        = "autonomous-trader"
	defaultRiskLevel      = "moderate"
	sessionTitle          = "Autonomous Trading Session"
	stepMarketData        = "market_data"
	stepPortfolioAnalysis = "portfolio_analysis"
	stepDecision          = "decision"
	stepTradeExecution    = "trade_execution"
)

// Queue 是编排器依赖的任务队列能力，由 *task.Queue 实现。
type Queue interface {
	AddTask(req task.Request) (string, error)
	GetTask(ctx context.Context, id string) (*task.Task, bool)
}

// Registrar 注册任务处理函数，由 *task.Processor 实现。
type Registrar interface {
	Handle(t task.Type, h task.Handler)
}

// Transcript 是周期叙述写入的会话记录，由 *conversation.Tracker 实现。
type Transcript interface {
	CreateConversation(ctx context.Context, title string, agentIDs []string, metadata map[string]any) (string, error)
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, bool)
	AddMessage(ctx context.Context, convID string, typ conversation.MessageType, sender, content string, opts ...conversation.MessageOption) (string, error)
}

// Cycle 标识一次已入队的周期。
type Cycle struct {
	ID             string `json:"cycleId"`
	TaskID         string `json:"taskId"`
	ConversationID string `json:"conversationId"`
}

// Orchestrator 按固定间隔运行自主交易周期。周期失败只结束对应任务，不影响调度。
type Orchestrator struct {
	queue      Queue
	transcript Transcript
	agent      agent.Agent
	data       agent.DataSource
	publisher  event.Publisher
	metrics    *metrics.Metrics
	agentID    string
	riskLevel  string
	interval   time.Duration
	window     time.Duration
	log        *slog.Logger

	mu             sync.Mutex
	conversationID string
	activeTaskID   string
	cron           *cron.Cron
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithPublisher 指定周期事件的广播目标。
func WithPublisher(p event.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithMetrics 记录周期结果与耗时。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAgentID 设置周期任务与叙述消息使用的智能体 ID。
func WithAgentID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.agentID = id
		}
	}
}

// WithRiskLevel 设置风险等级：conservative、moderate 或 aggressive。
func WithRiskLevel(level string) Option {
	return func(o *Orchestrator) {
		if level != "" {
			o.riskLevel = level
		}
	}
}

// WithInterval 设置周期间隔。
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithInterventionWindow 覆盖周期任务的干预窗口。
func WithInterventionWindow(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.window = d
		}
	}
}

// New 创建编排器并把周期处理函数注册到 registrar。
func New(queue Queue, registrar Registrar, transcript Transcript, ag agent.Agent, data agent.DataSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:      queue,
		transcript: transcript,
		agent:      ag,
		data:       data,
		publisher:  event.Discard,
		agentID:    defaultAgentID,
		riskLevel:  defaultRiskLevel,
		interval:   DefaultInterval,
		window:     CycleInterventionWindow,
		log:        logger.Named("autonomous"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if registrar != nil {
		registrar.Handle(task.TypeAutonomousCycle, o.handleCycle)
	}
	return o
}

// Start 启动周期调度。上一次周期仍未结束时跳过本次触发。
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cron != nil {
		return xerrors.New(xerrors.CodeInvalidState, "autonomous scheduler already started")
	}
	cl := cronLogger{log: o.log}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(cron.Every(o.interval), cron.FuncJob(func() { o.tick(ctx) }))
	c.Start()
	o.cron = c
	o.log.Info("自主交易循环已启动", slog.Duration("interval", o.interval), slog.String("risk_level", o.riskLevel))
	return nil
}

// Stop 停止调度并等待正在执行的触发返回。
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	c := o.cron
	o.cron = nil
	o.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	o.log.Info("自主交易循环已停止")
}

func (o *Orchestrator) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cycle, err := o.RunCycle(ctx)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeInvalidState {
			o.log.Info("上一周期仍在进行，跳过本次触发", slog.Any("reason", err))
			return
		}
		o.log.Error("自主周期入队失败", slog.Any("error", err))
		return
	}
	o.log.Info("自主周期已入队", slog.String("cycle_id", cycle.ID), slog.String("task_id", cycle.TaskID))
}

// RunCycle 入队一次周期。上一周期任务尚未结束时返回 INVALID_STATE。
func (o *Orchestrator) RunCycle(ctx context.Context) (Cycle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.activeTaskID != "" {
		if t, ok := o.queue.GetTask(ctx, o.activeTaskID); ok && !t.Status.Terminal() {
			return Cycle{}, xerrors.New(xerrors.CodeInvalidState, "previous autonomous cycle is still running",
				xerrors.WithMetadata("task_id", t.ID))
		}
	}

	convID, err := o.ensureConversationLocked(ctx)
	if err != nil {
		return Cycle{}, err
	}
	cycle := Cycle{ID: ulid.Make().String(), ConversationID: convID}
	cycle.TaskID, err = o.queue.AddTask(task.Request{
		Type:    task.TypeAutonomousCycle,
		AgentID: o.agentID,
		Payload: map[string]any{
			"cycleId":        cycle.ID,
			"conversationId": convID,
			"riskLevel":      o.riskLevel,
		},
		Priority:            task.PriorityNormal,
		AllowIntervention:   true,
		InterventionTimeout: o.window,
	})
	if err != nil {
		return Cycle{}, err
	}
	o.activeTaskID = cycle.TaskID
	o.publisher.Broadcast(event.CycleStarted{CycleID: cycle.ID, TaskID: cycle.TaskID, ConversationID: convID})
	o.narrate(ctx, convID, cycle.ID, "queued", conversation.MessageSystem,
		fmt.Sprintf("Autonomous cycle %s queued; operators have %s to intervene.", cycle.ID, o.window))
	return cycle, nil
}

func (o *Orchestrator) ensureConversationLocked(ctx context.Context) (string, error) {
	if o.conversationID != "" {
		if _, ok := o.transcript.GetConversation(ctx, o.conversationID); ok {
			return o.conversationID, nil
		}
	}
	id, err := o.transcript.CreateConversation(ctx, sessionTitle, []string{o.agentID},
		map[string]any{"mode": "autonomous", "riskLevel": o.riskLevel})
	if err != nil {
		return "", err
	}
	o.conversationID = id
	return id, nil
}

// ConversationID 返回当前运行会话的 ID，尚未创建时为空。
func (o *Orchestrator) ConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationID
}

// handleCycle 在周期任务就绪后运行；返回的错误使任务失败。
func (o *Orchestrator) handleCycle(ctx context.Context, t *task.Task) (any, error) {
	started := time.Now()
	cycleID, _ := t.Payload["cycleId"].(string)
	convID, _ := t.Payload["conversationId"].(string)
	riskLevel, _ := t.Payload["riskLevel"].(string)
	if riskLevel == "" {
		riskLevel = o.riskLevel
	}
	run := &cycleRun{o: o, cycleID: cycleID, taskID: t.ID, convID: convID}

	result, err := run.execute(ctx, riskLevel, t.FrontendResponse)
	if err != nil {
		o.metrics.Cycle("failed", time.Since(started))
		return nil, err
	}
	o.metrics.Cycle("completed", time.Since(started))
	o.publisher.Broadcast(event.CycleCompleted{CycleID: cycleID, TaskID: t.ID, Decision: result.Decision})
	o.narrate(ctx, convID, cycleID, "completed", conversation.MessageSystem,
		fmt.Sprintf("Autonomous cycle %s completed: %s.", cycleID, result.Decision.Reason))
	return result, nil
}

func (o *Orchestrator) narrate(ctx context.Context, convID, cycleID, step string, typ conversation.MessageType, content string, opts ...conversation.MessageOption) string {
	if convID == "" {
		return ""
	}
	sender := o.agentID
	if typ == conversation.MessageLLM {
		sender = conversation.LLMSender
	}
	opts = append(opts, conversation.WithMetadata(map[string]any{"cycleId": cycleID, "step": step}))
	id, err := o.transcript.AddMessage(ctx, convID, typ, sender, content, opts...)
	if err != nil {
		o.log.Warn("写入周期叙述失败", slog.String("cycle_id", cycleID), slog.String("step", step), slog.Any("error", err))
	}
	return id
}

// cronLogger 把 cron 的日志接口接到 slog。
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
