// Package market 定义周期分析使用的只读行情来源。
package market

import (
	"context"
	"time"
)

// PriceInference 是某个资产在给定时间窗口上的预测价格。
type PriceInference struct {
	Asset     string    `json:"asset"`
	Timeframe string    `json:"timeframe"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceFeed 返回资产的价格推断。
type PriceFeed interface {
	PriceInference(ctx context.Context, asset, timeframe string) (PriceInference, error)
}
