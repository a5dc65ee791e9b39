package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/observability/alerting"
	"AutoTrader-Chain/pkg/logger"
)

// Handler 执行一个已就绪的任务。返回值成为任务结果，错误使任务失败。
type Handler func(ctx context.Context, t *Task) (any, error)

// Dispatcher 是 Processor 依赖的队列能力，由 *Queue 实现。
type Dispatcher interface {
	Listen(fn Listener)
	CompleteTask(id string, result any) bool
	FailTask(id string, message string) bool
}

// Processor 为已就绪的任务运行按类型注册的处理函数，并把结果回报给队列。
// 没有注册处理函数的任务保持活动状态，等待外部调用方完成或失败。
type Processor struct {
	queue   Dispatcher
	mu      sync.RWMutex
	hands   map[Type]Handler
	wg      conc.WaitGroup
	ctx     context.Context
	timeout time.Duration
	logger  *slog.Logger
	alerter alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHandlerTimeout 限制单个处理函数的执行时间。
func WithHandlerTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(queue Dispatcher, opts ...ProcessorOption) *Processor {
	p := &Processor{
		queue:  queue,
		hands:  make(map[Type]Handler),
		ctx:    context.Background(),
		logger: logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Handle 注册某一任务类型的处理函数，重复注册会覆盖。
func (p *Processor) Handle(t Type, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hands[t] = h
}

// Start 开始监听队列。ctx 结束后不再启动新的处理函数，已在运行的处理函数收到取消信号。
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	p.queue.Listen(p.onReady)
}

// Wait 等待所有处理函数返回。
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) onReady(t *Task) {
	p.mu.RLock()
	h, ok := p.hands[t.Type]
	ctx := p.ctx
	p.mu.RUnlock()
	if !ok {
		p.logger.Debug("没有处理函数，等待外部完成", slog.String("task_id", t.ID), slog.String("type", string(t.Type)))
		return
	}
	if ctx.Err() != nil {
		p.queue.FailTask(t.ID, "processor stopped: "+ctx.Err().Error())
		return
	}
	p.wg.Go(func() { p.run(ctx, h, t) })
}

func (p *Processor) run(ctx context.Context, h Handler, t *Task) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var (
		result  any
		execErr error
		catcher panics.Catcher
	)
	started := time.Now()
	catcher.Try(func() { result, execErr = h(ctx, t) })
	if recovered := catcher.Recovered(); recovered != nil {
		execErr = xerrors.Wrap(xerrors.CodeCollaboratorFailure, recovered.AsError(), "task handler panicked")
	}

	if execErr != nil {
		p.queue.FailTask(t.ID, execErr.Error())
		p.logger.Warn("任务处理失败",
			slog.String("task_id", t.ID),
			slog.String("type", string(t.Type)),
			slog.Any("error", execErr),
			slog.Duration("elapsed", time.Since(started)),
		)
		if xerrors.ShouldAlert(execErr) || xerrors.CodeOf(execErr) == xerrors.CodeUnknown {
			p.emitAlert(ctx, t, execErr)
		}
		return
	}
	p.queue.CompleteTask(t.ID, result)
}

func (p *Processor) emitAlert(ctx context.Context, t *Task, cause error) {
	if p == nil || p.alerter == nil || t == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeCollaboratorFailure
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		TaskID:     t.ID,
		TaskType:   string(t.Type),
		AgentID:    t.AgentID,
		Metadata:   map[string]string{"stage": "handler"},
		OccurredAt: time.Now(),
	}
	// 告警不能因任务上下文被取消而丢失。
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.alerter.Notify(notifyCtx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", t.ID),
		)
	}
}
