package agent

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/knowledge"
	"AutoTrader-Chain/internal/llm"
	"AutoTrader-Chain/internal/market"
	"AutoTrader-Chain/internal/task"
	"AutoTrader-Chain/internal/web3"
)

type stubLLM struct {
	resp *llm.Response
	err  error
	wait time.Duration
	last llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubChain struct {
	balance *big.Int
	nonce   string
	err     error
}

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if s.err != nil {
		return web3.ChainSnapshot{}, s.err
	}
	return web3.ChainSnapshot{Chain: "local", ChainID: "0x539", BlockNumber: "0x10", GasPrice: "0x3b9aca00"}, nil
}

func (s *stubChain) Balance(context.Context, string) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.balance, nil
}

func (s *stubChain) ExecuteAction(_ context.Context, action, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if action != "eth_getTransactionCount" {
		return "", errors.New("unexpected action " + action)
	}
	return s.nonce, nil
}

func (s *stubChain) Close() {}

const wallet = "0x000000000000000000000000000000000000dEaD"

func TestAnalyzePortfolioParsesRecommendation(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{
		Thought: "gas is low",
		Reply:   `{"action":"BUY","fromAsset":"USDC","toAsset":"ETH","amount":2,"confidence":1.4,"summary":"accumulate"}`,
	}}
	ag := New("agent-1", llmClient, nil)

	analysis, err := ag.AnalyzePortfolio(context.Background(), Portfolio{Wallet: wallet}, MarketData{RiskLevel: "moderate"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := analysis.Recommendation
	if rec.Action != ActionBuy || rec.Confidence != 1 || !rec.Actionable() {
		t.Fatalf("unexpected recommendation: %+v", rec)
	}
	if !llmClient.last.JSONReply || len(llmClient.last.Sections) == 0 {
		t.Fatalf("expected structured request, got %+v", llmClient.last)
	}

	record, err := ag.ReasoningHistory(context.Background(), analysis.ID)
	if err != nil {
		t.Fatalf("reasoning lookup: %v", err)
	}
	if record.Thought != "gas is low" || record.Kind != "analysis" {
		t.Fatalf("unexpected reasoning: %+v", record)
	}
}

func TestAnalyzePortfolioRejectsMalformedReply(t *testing.T) {
	ag := New("agent-1", &stubLLM{resp: &llm.Response{Reply: "not json"}}, nil)

	_, err := ag.AnalyzePortfolio(context.Background(), Portfolio{}, MarketData{})
	if xerrors.CodeOf(err) != xerrors.CodeCollaboratorFailure {
		t.Fatalf("expected collaborator failure, got %v", err)
	}
}

func TestAnalyzePortfolioIncludesGuidance(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Reply: `{"action":"hold","confidence":0.2}`}}
	provider := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "Gas", Content: "Avoid trading when gas spikes."},
		{Title: "ETH sizing", Content: "Keep ETH trades under 10%.", Keywords: []string{"eth"}},
		{Title: "Aggressive", Content: "Momentum entries allowed.", Tags: []string{"aggressive"}},
	}, 5)
	ag := New("agent-1", llmClient, nil, WithKnowledgeProvider(provider))

	portfolio := Portfolio{Wallet: wallet, Holdings: []Holding{{Asset: "ETH", Amount: 1}}}
	if _, err := ag.AnalyzePortfolio(context.Background(), portfolio, MarketData{RiskLevel: "moderate"}); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	var guidance string
	for _, section := range llmClient.last.Sections {
		if section.Title == "Strategy guidance" {
			guidance = section.Content
		}
	}
	if strings.Count(guidance, "- Gas:") != 1 || !strings.Contains(guidance, "ETH sizing") {
		t.Fatalf("unexpected guidance: %q", guidance)
	}
	if strings.Contains(guidance, "Aggressive") {
		t.Fatalf("guidance for another risk level leaked: %q", guidance)
	}
	last := llmClient.last.Sections[len(llmClient.last.Sections)-1]
	if last.Title != "Reply schema" {
		t.Fatalf("reply schema must stay last, got %q", last.Title)
	}
}

func TestAnalyzePortfolioTimeout(t *testing.T) {
	ag := New("agent-1", &stubLLM{wait: 50 * time.Millisecond}, nil, WithLLMTimeout(10*time.Millisecond))

	_, err := ag.AnalyzePortfolio(context.Background(), Portfolio{}, MarketData{})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %s", xerrors.CodeOf(err))
	}
}

func TestAnalyzePortfolioPassesHistory(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Reply: `{"action":"hold","confidence":0.2,"summary":"wait"}`}}
	ag := New("agent-1", llmClient, nil, WithMemoryDepth(1))

	for i := 0; i < 3; i++ {
		if _, err := ag.AnalyzePortfolio(context.Background(), Portfolio{}, MarketData{}); err != nil {
			t.Fatalf("analysis %d: %v", i, err)
		}
	}
	if len(llmClient.last.History) != 1 {
		t.Fatalf("expected history capped at 1, got %d", len(llmClient.last.History))
	}
}

func TestExecuteTradeRecordsPaperTrade(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	chain := &stubChain{nonce: "0x7"}
	ag := New("agent-1", nil, chain, WithWallet(wallet), WithClock(func() time.Time { return fixed }))

	result, err := ag.ExecuteTrade(context.Background(), "buy", "USDC", "ETH", 1.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Type != TradeBuy || result.Status != "paper" || result.Nonce != "0x7" {
		t.Fatalf("unexpected trade: %+v", result)
	}
	if !result.ExecutedAt.Equal(fixed) {
		t.Fatalf("unexpected execution time: %v", result.ExecutedAt)
	}

	status, err := ag.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Trades != 1 || status.State != StateIdle || status.Chain == nil || status.Chain.ChainID != "0x539" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.LastDecisionAt == nil || !status.LastDecisionAt.Equal(fixed) {
		t.Fatalf("expected last decision time, got %v", status.LastDecisionAt)
	}
}

func TestExecuteTradeValidatesInput(t *testing.T) {
	ag := New("agent-1", nil, nil)
	cases := []struct {
		name   string
		typ    TradeType
		from   string
		to     string
		amount float64
	}{
		{"unknown type", "LEND", "USDC", "ETH", 1},
		{"missing asset", TradeSell, "", "ETH", 1},
		{"zero amount", TradeSwap, "USDC", "ETH", 0},
	}
	for _, tc := range cases {
		_, err := ag.ExecuteTrade(context.Background(), tc.typ, tc.from, tc.to, tc.amount)
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", tc.name, err)
		}
	}
}

func TestReasoningHistoryMissing(t *testing.T) {
	ag := New("agent-1", nil, nil)
	_, err := ag.ReasoningHistory(context.Background(), "missing")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChainDataSource(t *testing.T) {
	balance, _ := new(big.Int).SetString("2500000000000000000", 10)
	src := NewChainDataSource(&stubChain{balance: balance}, wallet, "", "conservative")

	market, err := src.MarketData(context.Background())
	if err != nil {
		t.Fatalf("market data: %v", err)
	}
	if market.GasPriceWei != "0x3b9aca00" || market.RiskLevel != "conservative" {
		t.Fatalf("unexpected market data: %+v", market)
	}

	portfolio, err := src.Portfolio(context.Background())
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(portfolio.Holdings) != 1 || portfolio.Holdings[0].Asset != "ETH" || portfolio.Holdings[0].Amount != 2.5 {
		t.Fatalf("unexpected portfolio: %+v", portfolio)
	}
}

func TestChainDataSourcePropagatesErrors(t *testing.T) {
	src := NewChainDataSource(&stubChain{err: errors.New("rpc down")}, wallet, "ETH", "")
	if _, err := src.MarketData(context.Background()); err == nil || !strings.Contains(err.Error(), "rpc down") {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

type stubPrices map[string]float64

func (s stubPrices) PriceInference(_ context.Context, asset, timeframe string) (market.PriceInference, error) {
	price, ok := s[asset]
	if !ok {
		return market.PriceInference{}, xerrors.New(xerrors.CodeCollaboratorFailure, "no inference for "+asset)
	}
	return market.PriceInference{Asset: asset, Timeframe: timeframe, Price: price}, nil
}

func TestChainDataSourceAddsPriceInference(t *testing.T) {
	src := NewChainDataSource(&stubChain{}, wallet, "ETH", "moderate",
		WithPriceFeed(stubPrices{"ETH": 3120.5}, "5m", "eth", "ETH", "BTC"))

	data, err := src.MarketData(context.Background())
	if err != nil {
		t.Fatalf("market data: %v", err)
	}
	if len(data.Prices) != 1 {
		t.Fatalf("expected only the ETH inference, got %+v", data.Prices)
	}
	if got := data.Prices[0]; got.Asset != "ETH" || got.Timeframe != "5m" || got.Price != 3120.5 {
		t.Fatalf("unexpected inference: %+v", got)
	}

	plain, err := NewChainDataSource(&stubChain{}, wallet, "ETH", "").MarketData(context.Background())
	if err != nil || plain.Prices != nil {
		t.Fatalf("expected no prices without a feed, got %+v %v", plain.Prices, err)
	}
}

type handlerSet map[task.Type]task.Handler

func (h handlerSet) Handle(t task.Type, fn task.Handler) { h[t] = fn }

func TestRegisterHandlers(t *testing.T) {
	balance, _ := new(big.Int).SetString("1000000000000000000", 10)
	chain := &stubChain{balance: balance, nonce: "0x1"}
	llmClient := &stubLLM{resp: &llm.Response{Reply: `{"action":"hold","confidence":0.5,"summary":"wait"}`}}
	ag := New("agent-1", llmClient, chain, WithWallet(wallet))
	handlers := handlerSet{}
	RegisterHandlers(handlers, ag, NewChainDataSource(chain, wallet, "ETH", "moderate"))

	if len(handlers) != 3 {
		t.Fatalf("expected 3 handlers, got %d", len(handlers))
	}

	out, err := handlers[task.TypePortfolioAnalysis](context.Background(), &task.Task{})
	if err != nil {
		t.Fatalf("portfolio analysis: %v", err)
	}
	if analysis, ok := out.(*Analysis); !ok || analysis.Recommendation.Action != ActionHold {
		t.Fatalf("unexpected analysis: %+v", out)
	}

	trade := &task.Task{Payload: map[string]any{"type": "SWAP", "fromAsset": "ETH", "toAsset": "USDC", "amount": 0.5}}
	out, err = handlers[task.TypeTradeExecution](context.Background(), trade)
	if err != nil {
		t.Fatalf("trade execution: %v", err)
	}
	if result, ok := out.(*TradeResult); !ok || result.Type != TradeSwap || result.Nonce != "0x1" {
		t.Fatalf("unexpected trade: %+v", out)
	}

	trade.FrontendResponse = map[string]any{"action": "skip"}
	out, err = handlers[task.TypeTradeExecution](context.Background(), trade)
	if err != nil {
		t.Fatalf("skipped trade: %v", err)
	}
	if m, ok := out.(map[string]any); !ok || m["skipped"] != true {
		t.Fatalf("expected skipped result, got %+v", out)
	}

	bad := &task.Task{Payload: map[string]any{"type": "BUY", "fromAsset": "USDC", "toAsset": "ETH", "amount": "lots"}}
	if _, err := handlers[task.TypeTradeExecution](context.Background(), bad); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
