package autonomous

import (
	"context"
	"fmt"
	"strings"

	"AutoTrader-Chain/internal/agent"
	"AutoTrader-Chain/internal/conversation"
	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/event"
)

// 各风险等级执行交易所需的最低置信度。
var confidenceThresholds = map[string]float64{
	"conservative": 0.8,
	"moderate":     0.6,
	"aggressive":   0.4,
}

// Threshold 返回风险等级对应的最低置信度，未知等级按 moderate 处理。
func Threshold(riskLevel string) float64 {
	if v, ok := confidenceThresholds[strings.ToLower(riskLevel)]; ok {
		return v
	}
	return confidenceThresholds[defaultRiskLevel]
}

// Decision 是由分析结果推导出的下单决定。
type Decision struct {
	Action     string  `json:"action"`
	Execute    bool    `json:"execute"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
	Reason     string  `json:"reason"`
}

// Result 是周期任务的结果。
type Result struct {
	CycleID    string             `json:"cycleId"`
	AnalysisID string             `json:"analysisId,omitempty"`
	Decision   Decision           `json:"decision"`
	Trade      *agent.TradeResult `json:"trade,omitempty"`
}

// Decide 根据建议、风险等级与操作员响应决定是否下单。
func Decide(rec agent.Recommendation, riskLevel string, operator any) Decision {
	d := Decision{Action: rec.Action, Confidence: rec.Confidence, Threshold: Threshold(riskLevel)}
	switch {
	case operatorSkipped(operator):
		d.Reason = "operator skipped the trade"
	case !rec.Actionable():
		d.Reason = fmt.Sprintf("recommendation %q requires no trade", rec.Action)
	case rec.Confidence < d.Threshold:
		d.Reason = fmt.Sprintf("confidence %.2f below %s threshold %.2f", rec.Confidence, riskLevel, d.Threshold)
	default:
		d.Execute = true
		d.Reason = fmt.Sprintf("%s %g %s -> %s", rec.Action, rec.Amount, rec.FromAsset, rec.ToAsset)
	}
	return d
}

func operatorSkipped(response any) bool {
	m, ok := response.(map[string]any)
	if !ok {
		return false
	}
	action, _ := m["action"].(string)
	return strings.EqualFold(action, "skip")
}

type cycleRun struct {
	o       *Orchestrator
	cycleID string
	taskID  string
	convID  string
}

func (r *cycleRun) execute(ctx context.Context, riskLevel string, operator any) (*Result, error) {
	o := r.o
	result := &Result{CycleID: r.cycleID}

	r.step(ctx, stepMarketData, "started", nil, "Collecting market data.")
	market, err := o.data.MarketData(ctx)
	if err != nil {
		return nil, r.fail(ctx, stepMarketData, err)
	}
	market.RiskLevel = riskLevel
	r.step(ctx, stepMarketData, "completed", market,
		fmt.Sprintf("Market data collected at block %s (gas price %s).", market.Chain.BlockNumber, market.GasPriceWei))

	r.step(ctx, stepPortfolioAnalysis, "started", nil, "Analyzing portfolio.")
	portfolio, err := o.data.Portfolio(ctx)
	if err != nil {
		return nil, r.fail(ctx, stepPortfolioAnalysis, err)
	}
	analysis, err := o.agent.AnalyzePortfolio(ctx, portfolio, market)
	if err != nil {
		return nil, r.fail(ctx, stepPortfolioAnalysis, err)
	}
	result.AnalysisID = analysis.ID
	rec := analysis.Recommendation
	stepMsg := r.step(ctx, stepPortfolioAnalysis, "completed", analysis,
		fmt.Sprintf("Analysis %s recommends %s with confidence %.2f.", analysis.ID, rec.Action, rec.Confidence))
	if rec.Summary != "" {
		o.narrate(ctx, r.convID, r.cycleID, stepPortfolioAnalysis, conversation.MessageLLM, rec.Summary,
			conversation.WithParent(stepMsg))
	}

	decision := Decide(rec, riskLevel, operator)
	result.Decision = decision
	r.step(ctx, stepDecision, "completed", decision, "Decision: "+decision.Reason+".")

	if !decision.Execute {
		r.step(ctx, stepTradeExecution, "skipped", decision, "Trade execution skipped.")
		return result, nil
	}
	typ, ok := agent.ParseTradeType(rec.Action)
	if !ok {
		return nil, r.fail(ctx, stepTradeExecution,
			xerrors.New(xerrors.CodeCollaboratorFailure, fmt.Sprintf("unsupported trade action %q", rec.Action)))
	}
	r.step(ctx, stepTradeExecution, "started", nil, "Executing trade: "+decision.Reason+".")
	trade, err := o.agent.ExecuteTrade(ctx, typ, rec.FromAsset, rec.ToAsset, rec.Amount)
	if err != nil {
		return nil, r.fail(ctx, stepTradeExecution, err)
	}
	result.Trade = trade
	r.step(ctx, stepTradeExecution, "completed", trade,
		fmt.Sprintf("Trade %s recorded with status %s.", trade.ID, trade.Status))
	return result, nil
}

// step 广播 cycle_step 并把叙述写入会话，返回消息 ID。
func (r *cycleRun) step(ctx context.Context, name, status string, detail any, content string) string {
	r.o.publisher.Broadcast(event.CycleStep{CycleID: r.cycleID, Step: name, Status: status, Detail: detail})
	return r.o.narrate(ctx, r.convID, r.cycleID, name, conversation.MessageSystem, content)
}

func (r *cycleRun) fail(ctx context.Context, name string, err error) error {
	r.o.publisher.Broadcast(event.CycleStep{CycleID: r.cycleID, Step: name, Status: "failed"})
	r.o.narrate(ctx, r.convID, r.cycleID, name, conversation.MessageError,
		fmt.Sprintf("Autonomous cycle %s failed during %s: %s", r.cycleID, name, err.Error()))
	r.o.publisher.Broadcast(event.CycleError{CycleID: r.cycleID, TaskID: r.taskID, Step: name, Error: err.Error()})
	return err
}
