package agent

import (
	"context"
	"strings"
	"time"

	"AutoTrader-Chain/internal/market"
	"AutoTrader-Chain/internal/web3"
)

// State 表示智能体当前在做什么。
type State string

const (
	StateIdle      State = "idle"
	StateAnalyzing State = "analyzing"
	StateTrading   State = "trading"
)

// Status 是智能体的运行概况。
type Status struct {
	AgentID        string              `json:"agentId"`
	State          State               `json:"state"`
	Model          string              `json:"model,omitempty"`
	Chain          *web3.ChainSnapshot `json:"chain,omitempty"`
	Wallet         string              `json:"wallet,omitempty"`
	Analyses       int                 `json:"analyses"`
	Trades         int                 `json:"trades"`
	LastDecisionAt *time.Time          `json:"lastDecisionAt,omitempty"`
}

// Holding 是单一资产的持仓数量。
type Holding struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

// Portfolio 是钱包在某条链上的持仓快照。
type Portfolio struct {
	Wallet    string    `json:"wallet"`
	Chain     string    `json:"chain,omitempty"`
	Holdings  []Holding `json:"holdings"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MarketData 是一次周期采集到的行情上下文。
type MarketData struct {
	Chain       web3.ChainSnapshot `json:"chain"`
	GasPriceWei string             `json:"gasPriceWei,omitempty"`

	// Prices 是可选的价格推断，未配置价格来源时为空。
	Prices      []market.PriceInference `json:"prices,omitempty"`
	RiskLevel   string                  `json:"riskLevel,omitempty"`
	CollectedAt time.Time               `json:"collectedAt"`
}

// 建议动作。
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionSwap = "swap"
	ActionHold = "hold"
)

// Recommendation 是模型给出的单个交易建议。
type Recommendation struct {
	Action     string  `json:"action"`
	FromAsset  string  `json:"fromAsset,omitempty"`
	ToAsset    string  `json:"toAsset,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

// Actionable 判断建议是否需要下单。
func (r Recommendation) Actionable() bool {
	switch r.Action {
	case ActionBuy, ActionSell, ActionSwap:
		return r.Amount > 0 && r.FromAsset != "" && r.ToAsset != ""
	default:
		return false
	}
}

// Analysis 是一次组合分析的结果，ID 可用于查询推理记录。
type Analysis struct {
	ID             string         `json:"id"`
	Recommendation Recommendation `json:"recommendation"`
	Thought        string         `json:"thought,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// TradeType 是交易方向。
type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
	TradeSwap TradeType = "SWAP"
)

// ParseTradeType 把建议动作映射为交易类型。
func ParseTradeType(s string) (TradeType, bool) {
	switch TradeType(strings.ToUpper(strings.TrimSpace(s))) {
	case TradeBuy:
		return TradeBuy, true
	case TradeSell:
		return TradeSell, true
	case TradeSwap:
		return TradeSwap, true
	default:
		return "", false
	}
}

// TradeResult 记录一次交易执行。
type TradeResult struct {
	ID         string    `json:"id"`
	Type       TradeType `json:"type"`
	FromAsset  string    `json:"fromAsset"`
	ToAsset    string    `json:"toAsset"`
	Amount     float64   `json:"amount"`
	Status     string    `json:"status"`
	Nonce      string    `json:"nonce,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Reasoning 是一次决策的推理记录。
type Reasoning struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Prompt    string    `json:"prompt"`
	Thought   string    `json:"thought,omitempty"`
	Reply     string    `json:"reply"`
	CreatedAt time.Time `json:"createdAt"`
}

// Agent 是协调器调用的交易智能体契约。所有方法都可能失败，调用方负责捕获。
type Agent interface {
	Status(ctx context.Context) (Status, error)
	AnalyzePortfolio(ctx context.Context, portfolio Portfolio, market MarketData) (*Analysis, error)
	ExecuteTrade(ctx context.Context, typ TradeType, fromAsset, toAsset string, amount float64) (*TradeResult, error)
	ReasoningHistory(ctx context.Context, id string) (*Reasoning, error)
}

// DataSource 提供周期所需的行情与持仓。
type DataSource interface {
	MarketData(ctx context.Context) (MarketData, error)
	Portfolio(ctx context.Context) (Portfolio, error)
}
