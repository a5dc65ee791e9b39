package agent

import (
	"context"
	"fmt"
	"strings"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/task"
)

// Registrar 注册任务处理函数，由 *task.Processor 实现。
type Registrar interface {
	Handle(t task.Type, h task.Handler)
}

// RegisterHandlers 为行情分析、组合分析与交易执行任务注册处理函数。
func RegisterHandlers(reg Registrar, ag Agent, data DataSource) {
	reg.Handle(task.TypeMarketAnalysis, func(ctx context.Context, _ *task.Task) (any, error) {
		return data.MarketData(ctx)
	})
	reg.Handle(task.TypePortfolioAnalysis, func(ctx context.Context, _ *task.Task) (any, error) {
		market, err := data.MarketData(ctx)
		if err != nil {
			return nil, err
		}
		portfolio, err := data.Portfolio(ctx)
		if err != nil {
			return nil, err
		}
		return ag.AnalyzePortfolio(ctx, portfolio, market)
	})
	reg.Handle(task.TypeTradeExecution, func(ctx context.Context, t *task.Task) (any, error) {
		if skipped(t.FrontendResponse) {
			return map[string]any{"skipped": true, "reason": "operator skipped the trade"}, nil
		}
		typ, _ := t.Payload["type"].(string)
		from, _ := t.Payload["fromAsset"].(string)
		to, _ := t.Payload["toAsset"].(string)
		amount, ok := toFloat(t.Payload["amount"])
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的交易数量 %v", t.Payload["amount"]))
		}
		return ag.ExecuteTrade(ctx, TradeType(typ), from, to, amount)
	})
}

func skipped(response any) bool {
	m, ok := response.(map[string]any)
	if !ok {
		return false
	}
	action, _ := m["action"].(string)
	return strings.EqualFold(action, "skip")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
