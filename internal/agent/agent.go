package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/knowledge"
	"AutoTrader-Chain/internal/llm"
	"AutoTrader-Chain/internal/web3"
	"AutoTrader-Chain/pkg/logger"
)

// ErrReasoningNotFound 表示推理记录不存在。
var ErrReasoningNotFound = xerrors.New(xerrors.CodeNotFound, "reasoning record not found")

// defaultMemoryDepth 是大模型调用时可参考的历史决策数量的默认值。
const defaultMemoryDepth = 5

const analysisSchema = `{"action":"buy|sell|swap|hold","fromAsset":string,"toAsset":string,"amount":number,"confidence":number between 0 and 1,"summary":string}`

// ChainAgent 用大模型分析链上持仓，并以模拟成交的方式记录交易。
type ChainAgent struct {
	id          string
	llmClient   llm.Client
	web3Client  web3.Client
	wallet      string
	model       string
	memoryDepth int
	llmTimeout  time.Duration
	knowledge   knowledge.Provider
	now         func() time.Time
	log         *slog.Logger

	mu        sync.Mutex
	state     State
	reasoning map[string]*Reasoning
	order     []string
	analyses  int
	trades    int
	lastAt    *time.Time
}

// Option 定义可选的 ChainAgent 配置。
type Option func(*ChainAgent)

// WithWallet 设置用于读取持仓与 nonce 的钱包地址。
func WithWallet(address string) Option {
	return func(a *ChainAgent) { a.wallet = strings.TrimSpace(address) }
}

// WithModelName 记录在状态中展示的模型名称。
func WithModelName(model string) Option {
	return func(a *ChainAgent) { a.model = model }
}

// WithMemoryDepth 设置大模型调用时可参考的历史决策数量。
func WithMemoryDepth(depth int) Option {
	return func(a *ChainAgent) { a.memoryDepth = depth }
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *ChainAgent) {
		if timeout < 0 {
			timeout = 0
		}
		a.llmTimeout = timeout
	}
}

// WithKnowledgeProvider 注入策略要点检索能力。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *ChainAgent) { a.knowledge = provider }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *ChainAgent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 ChainAgent。web3Client 可以为 nil。
func New(id string, llmClient llm.Client, web3Client web3.Client, opts ...Option) *ChainAgent {
	ag := &ChainAgent{
		id:          id,
		llmClient:   llmClient,
		web3Client:  web3Client,
		memoryDepth: defaultMemoryDepth,
		now:         time.Now,
		state:       StateIdle,
		reasoning:   make(map[string]*Reasoning),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	ag.log = logger.Named("agent").With(slog.String("agent_id", id))
	return ag
}

// Status 返回智能体概况，链快照获取失败时省略。
func (a *ChainAgent) Status(ctx context.Context) (Status, error) {
	a.mu.Lock()
	status := Status{
		AgentID:  a.id,
		State:    a.state,
		Model:    a.model,
		Wallet:   a.wallet,
		Analyses: a.analyses,
		Trades:   a.trades,
	}
	if a.lastAt != nil {
		last := *a.lastAt
		status.LastDecisionAt = &last
	}
	a.mu.Unlock()

	if a.web3Client != nil {
		if snapshot, err := a.web3Client.FetchChainSnapshot(ctx); err == nil {
			status.Chain = &snapshot
		} else {
			a.log.Warn("获取链状态失败", slog.Any("error", err))
		}
	}
	return status, nil
}

// AnalyzePortfolio 请求大模型给出单个交易建议。
func (a *ChainAgent) AnalyzePortfolio(ctx context.Context, portfolio Portfolio, market MarketData) (*Analysis, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInvalidState, "未配置大模型客户端")
	}
	a.setState(StateAnalyzing)
	defer a.setState(StateIdle)

	portfolioJSON, _ := json.Marshal(portfolio)
	marketJSON, _ := json.Marshal(market)
	goal := "Analyze the portfolio against current market conditions and recommend at most one trade."
	sections := []llm.Section{
		{Title: "Portfolio", Content: string(portfolioJSON)},
		{Title: "Market", Content: string(marketJSON)},
		{Title: "Risk level", Content: market.RiskLevel},
	}
	if guidance := a.guidance(portfolio, market.RiskLevel); guidance != "" {
		sections = append(sections, llm.Section{Title: "Strategy guidance", Content: guidance})
	}
	sections = append(sections, llm.Section{Title: "Reply schema", Content: analysisSchema})
	req := llm.Request{
		Goal:      goal,
		Sections:  sections,
		History:   a.history(),
		JSONReply: true,
	}

	resp, err := a.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	var rec Recommendation
	if err := json.Unmarshal([]byte(resp.Reply), &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "无法解析模型给出的交易建议")
	}
	rec.Action = strings.ToLower(strings.TrimSpace(rec.Action))
	switch rec.Action {
	case ActionBuy, ActionSell, ActionSwap, ActionHold:
	case "":
		rec.Action = ActionHold
	default:
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, fmt.Sprintf("模型给出了未知动作 %q", rec.Action))
	}
	if rec.Confidence < 0 {
		rec.Confidence = 0
	}
	if rec.Confidence > 1 {
		rec.Confidence = 1
	}

	now := a.now()
	record := &Reasoning{
		ID:        ulid.Make().String(),
		Kind:      "analysis",
		Prompt:    goal,
		Thought:   resp.Thought,
		Reply:     resp.Reply,
		CreatedAt: now,
	}
	a.mu.Lock()
	a.analyses++
	a.recordLocked(record)
	a.mu.Unlock()

	a.log.Info("组合分析完成", slog.String("analysis_id", record.ID), slog.String("action", rec.Action), slog.Float64("confidence", rec.Confidence))
	return &Analysis{ID: record.ID, Recommendation: rec, Thought: resp.Thought, CreatedAt: now}, nil
}

// ExecuteTrade 校验参数并记录一笔模拟成交。配置了钱包时附带链上 nonce 作为参考。
func (a *ChainAgent) ExecuteTrade(ctx context.Context, typ TradeType, fromAsset, toAsset string, amount float64) (*TradeResult, error) {
	parsed, ok := ParseTradeType(string(typ))
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知交易类型 %q", typ))
	}
	typ = parsed
	fromAsset = strings.TrimSpace(fromAsset)
	toAsset = strings.TrimSpace(toAsset)
	if fromAsset == "" || toAsset == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易资产不能为空")
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易数量必须大于 0")
	}
	a.setState(StateTrading)
	defer a.setState(StateIdle)

	result := &TradeResult{
		ID:        ulid.Make().String(),
		Type:      typ,
		FromAsset: fromAsset,
		ToAsset:   toAsset,
		Amount:    amount,
		Status:    "paper",
	}
	if a.web3Client != nil && a.wallet != "" {
		nonce, err := a.web3Client.ExecuteAction(ctx, "eth_getTransactionCount", a.wallet)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "读取钱包 nonce 失败")
		}
		result.Nonce = nonce
	}
	result.ExecutedAt = a.now()

	summary := fmt.Sprintf("%s %g %s -> %s", typ, amount, fromAsset, toAsset)
	a.mu.Lock()
	a.trades++
	a.recordLocked(&Reasoning{
		ID:        result.ID,
		Kind:      "trade",
		Prompt:    summary,
		Reply:     result.Status,
		CreatedAt: result.ExecutedAt,
	})
	a.mu.Unlock()

	logger.Audit().Info("交易已记录",
		slog.String("agent_id", a.id),
		slog.String("trade_id", result.ID),
		slog.String("trade", summary),
		slog.String("status", result.Status),
	)
	return result, nil
}

// ReasoningHistory 返回分析或交易的推理记录。
func (a *ChainAgent) ReasoningHistory(_ context.Context, id string) (*Reasoning, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	record, ok := a.reasoning[id]
	if !ok {
		return nil, ErrReasoningNotFound
	}
	clone := *record
	return &clone, nil
}

func (a *ChainAgent) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Generate(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(llmCtx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "大模型推理失败")
	}
	if resp == nil || strings.TrimSpace(resp.Reply) == "" {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "大模型返回空响应")
	}
	return resp, nil
}

func (a *ChainAgent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *ChainAgent) recordLocked(r *Reasoning) {
	a.reasoning[r.ID] = r
	a.order = append(a.order, r.ID)
	at := r.CreatedAt
	a.lastAt = &at
}

// history 返回最近的分析记录，最新的在前。
func (a *ChainAgent) history() []llm.HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.HistoryEntry, 0, a.memoryDepth)
	for i := len(a.order) - 1; i >= 0 && len(out) < a.memoryDepth; i-- {
		r := a.reasoning[a.order[i]]
		out = append(out, llm.HistoryEntry{Goal: r.Prompt, Reply: r.Reply, CreatedAt: r.CreatedAt.Unix()})
	}
	return out
}

var _ Agent = (*ChainAgent)(nil)

// guidance 汇总与风险等级或持仓标的相关的策略要点，重复条目只保留一次。
func (a *ChainAgent) guidance(portfolio Portfolio, riskLevel string) string {
	if a.knowledge == nil {
		return ""
	}
	assets := []string{""}
	for _, h := range portfolio.Holdings {
		assets = append(assets, h.Asset)
	}
	seen := make(map[string]struct{})
	var b strings.Builder
	for _, asset := range assets {
		for _, snippet := range a.knowledge.Query(riskLevel, asset) {
			if _, dup := seen[snippet.Title]; dup {
				continue
			}
			seen[snippet.Title] = struct{}{}
			fmt.Fprintf(&b, "- %s: %s\n", snippet.Title, strings.TrimSpace(snippet.Content))
		}
	}
	return strings.TrimSpace(b.String())
}
