package allora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/market"
)

const (
	defaultBaseURL   = "https://api.allora.network/v2/allora"
	defaultChainSlug = "testnet"
	defaultTimeout   = 10 * time.Second
)

// chainIDs 把网络别名映射为 Allora 接口路径中的链标识。
var chainIDs = map[string]string{
	"testnet": "ethereum-11155111",
	"mainnet": "ethereum-1",
}

// Assets 与 Timeframes 是价格推断接口支持的取值。
var (
	Assets     = []string{"BTC", "ETH"}
	Timeframes = []string{"5m", "8h"}
)

// Config 描述 Allora 价格推断接口的访问参数。
type Config struct {
	APIKey    string
	BaseURL   string
	ChainSlug string
	Timeout   time.Duration
}

// Client 调用 Allora Network 的价格推断接口。
type Client struct {
	apiKey     string
	baseURL    string
	chainID    string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。ChainSlug 支持 testnet、mainnet 或完整的链标识。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Allora API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	slug := strings.ToLower(strings.TrimSpace(cfg.ChainSlug))
	if slug == "" {
		slug = defaultChainSlug
	}
	chainID, ok := chainIDs[slug]
	if !ok {
		chainID = slug
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		chainID:    chainID,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// PriceInference 查询资产在 timeframe 窗口上的预测价格。
func (c *Client) PriceInference(ctx context.Context, asset, timeframe string) (market.PriceInference, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	if !slices.Contains(Assets, asset) {
		return market.PriceInference{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("不支持的资产 %q，可选 %s", asset, strings.Join(Assets, ", ")))
	}
	if !slices.Contains(Timeframes, timeframe) {
		return market.PriceInference{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("不支持的时间窗口 %q，可选 %s", timeframe, strings.Join(Timeframes, ", ")))
	}

	endpoint := c.baseURL + "/consumer/price/" + url.PathEscape(c.chainID) + "/" + asset + "/" + timeframe
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return market.PriceInference{}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "构建 Allora 请求失败")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return market.PriceInference{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "请求 Allora 超时")
		}
		return market.PriceInference{}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "请求 Allora 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return market.PriceInference{}, xerrors.New(xerrors.CodeCollaboratorFailure,
			fmt.Sprintf("Allora 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
		)
	}

	var decoded struct {
		Status  bool   `json:"status"`
		Message string `json:"apiResponseMessage"`
		Data    struct {
			InferenceData struct {
				NetworkInferenceNormalized json.Number `json:"network_inference_normalized"`
				Timestamp                  int64       `json:"timestamp"`
			} `json:"inference_data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return market.PriceInference{}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "解析 Allora 响应失败")
	}
	if !decoded.Status {
		return market.PriceInference{}, xerrors.New(xerrors.CodeCollaboratorFailure, "Allora 拒绝请求: "+decoded.Message)
	}
	price, err := decoded.Data.InferenceData.NetworkInferenceNormalized.Float64()
	if err != nil {
		return market.PriceInference{}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "Allora 价格格式无效")
	}
	return market.PriceInference{
		Asset:     asset,
		Timeframe: timeframe,
		Price:     price,
		Timestamp: time.Unix(decoded.Data.InferenceData.Timestamp, 0).UTC(),
	}, nil
}

var _ market.PriceFeed = (*Client)(nil)
