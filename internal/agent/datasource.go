package agent

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/market"
	"AutoTrader-Chain/internal/web3"
	"AutoTrader-Chain/pkg/logger"
)

// ChainDataSource 从链上读取行情快照与钱包原生资产余额，可选地附带价格推断。
type ChainDataSource struct {
	client    web3.Client
	wallet    string
	asset     string
	riskLevel string
	now       func() time.Time

	prices    market.PriceFeed
	timeframe string
	assets    []string
	log       *slog.Logger
}

// DataSourceOption 定义可选配置。
type DataSourceOption func(*ChainDataSource)

// WithPriceFeed 在行情中附带 assets 在 timeframe 窗口上的价格推断。
// assets 为空时只查询原生资产。
func WithPriceFeed(feed market.PriceFeed, timeframe string, assets ...string) DataSourceOption {
	return func(d *ChainDataSource) {
		d.prices = feed
		if timeframe != "" {
			d.timeframe = timeframe
		}
		d.assets = assets
	}
}

// NewChainDataSource 创建链上数据源。asset 为原生资产符号，默认 ETH。
func NewChainDataSource(client web3.Client, wallet, asset, riskLevel string, opts ...DataSourceOption) *ChainDataSource {
	if asset == "" {
		asset = "ETH"
	}
	d := &ChainDataSource{
		client:    client,
		wallet:    wallet,
		asset:     asset,
		riskLevel: riskLevel,
		now:       time.Now,
		timeframe: "8h",
		log:       logger.Named("agent.datasource"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if len(d.assets) == 0 {
		d.assets = []string{d.asset}
	}
	return d
}

// MarketData 采集链快照与价格推断。价格来源失败只记录日志，不影响链快照。
func (d *ChainDataSource) MarketData(ctx context.Context) (MarketData, error) {
	if d.client == nil {
		return MarketData{}, xerrors.New(xerrors.CodeInvalidState, "未配置 Web3 客户端")
	}
	snapshot, err := d.client.FetchChainSnapshot(ctx)
	if err != nil {
		return MarketData{}, err
	}
	return MarketData{
		Chain:       snapshot,
		GasPriceWei: snapshot.GasPrice,
		Prices:      d.priceInferences(ctx),
		RiskLevel:   d.riskLevel,
		CollectedAt: d.now(),
	}, nil
}

func (d *ChainDataSource) priceInferences(ctx context.Context) []market.PriceInference {
	if d.prices == nil {
		return nil
	}
	var out []market.PriceInference
	seen := make(map[string]bool, len(d.assets))
	for _, asset := range d.assets {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" || seen[asset] {
			continue
		}
		seen[asset] = true
		inference, err := d.prices.PriceInference(ctx, asset, d.timeframe)
		if err != nil {
			d.log.Warn("获取价格推断失败", slog.String("asset", asset), slog.String("timeframe", d.timeframe), slog.Any("error", err))
			continue
		}
		out = append(out, inference)
	}
	return out
}

// Portfolio 读取钱包的原生资产余额。
func (d *ChainDataSource) Portfolio(ctx context.Context) (Portfolio, error) {
	if d.client == nil {
		return Portfolio{}, xerrors.New(xerrors.CodeInvalidState, "未配置 Web3 客户端")
	}
	p := Portfolio{Wallet: d.wallet, Holdings: []Holding{}, UpdatedAt: d.now()}
	if d.wallet == "" {
		return p, nil
	}
	balance, err := d.client.Balance(ctx, d.wallet)
	if err != nil {
		return Portfolio{}, err
	}
	p.Holdings = append(p.Holdings, Holding{Asset: d.asset, Amount: weiToEther(balance)})
	return p, nil
}

func weiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}

var _ DataSource = (*ChainDataSource)(nil)
