package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"AutoTrader-Chain/pkg/logger"
)

// EnvPrefix 是环境变量覆盖时使用的命名空间。
const EnvPrefix = "AUTOTRADER"

// Config 描述了 AutoTrader 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Events       EventsConfig       `json:"events"`
	Intervention InterventionConfig `json:"intervention"`
	Autonomous   AutonomousConfig   `json:"autonomous"`
	LLM          LLMConfig          `json:"llm"`
	Web3         Web3Config         `json:"web3"`
	Archive      ArchiveConfig      `json:"archive"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	Market       MarketConfig       `json:"market"`
	Alerts       AlertsConfig       `json:"alerts"`
	Logging      logger.Config      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string   `json:"address"`
	AllowedOrigins []string `json:"allowed_origins"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Records RecordStoreConfig  `json:"records"`
	Context ContextStoreConfig `json:"context"`
}

// RecordStoreConfig 选择任务与会话记录的存储实现，支持 memory 与 mysql。
type RecordStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ContextStoreConfig 选择智能体上下文的存储实现，支持 memory 与 redis。
type ContextStoreConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// EventsConfig 描述事件中继的配置，relay 支持 none、redis、rabbitmq。
type EventsConfig struct {
	Relay       string `json:"relay"`
	RedisAddr   string `json:"redis_address"`
	Channel     string `json:"channel"`
	RabbitMQURL string `json:"rabbitmq_url"`
	Exchange    string `json:"exchange"`
}

// InterventionConfig 控制前端干预窗口。
type InterventionConfig struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// Timeout 返回默认的干预超时时间。
func (c InterventionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// AutonomousConfig 控制自主交易循环。
type AutonomousConfig struct {
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"interval_minutes"`
	RiskLevel       string `json:"risk_level"`
	AgentID         string `json:"agent_id"`
}

// Interval 返回循环间隔。
func (c AutonomousConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述兼容 OpenAI 协议的推理服务。
type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	Timeout int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL        string `json:"rpc_url"`
	ChainConfig   string `json:"chain_config"`
	DefaultChain  string `json:"default_chain"`
	WalletAddress string `json:"wallet_address"`
}

// ArchiveConfig 选择会话归档位置，支持 local 与 s3。
type ArchiveConfig struct {
	Driver string `json:"driver"`
	Dir    string `json:"dir"`
	Bucket string `json:"bucket"`
	Region string `json:"region"`
	Prefix string `json:"prefix"`
}

// KnowledgeConfig 指向注入分析提示的交易策略要点文件，支持 JSON 与 YAML。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// MarketConfig 配置 Allora 价格推断来源，APIKey 为空时不启用。
type MarketConfig struct {
	APIKey         string   `json:"api_key"`
	BaseURL        string   `json:"base_url"`
	ChainSlug      string   `json:"chain_slug"`
	Timeframe      string   `json:"timeframe"`
	Assets         []string `json:"assets"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Enabled 报告是否配置了价格来源。
func (m MarketConfig) Enabled() bool { return m.APIKey != "" }

// AlertsConfig 配置处理失败时的告警渠道。日志渠道总是启用。
type AlertsConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// envOverrides 对应可以通过环境变量覆盖的字段，未设置的变量保持为 nil。
type envOverrides struct {
	InterventionTimeoutMs     *int64  `envconfig:"INTERVENTION_TIMEOUT_MS"`
	AutonomousIntervalMinutes *int    `envconfig:"AUTONOMOUS_INTERVAL_MINUTES"`
	AutonomousEnabled         *bool   `envconfig:"AUTONOMOUS_ENABLED"`
	RiskLevel                 *string `envconfig:"RISK_LEVEL"`
	ServerAddress             *string `envconfig:"SERVER_ADDRESS"`
	LogLevel                  *string `envconfig:"LOG_LEVEL"`
	StoreDriver               *string `envconfig:"STORE_DRIVER"`
	MySQLDSN                  *string `envconfig:"MYSQL_DSN"`
	ContextDriver             *string `envconfig:"CONTEXT_DRIVER"`
	RedisAddress              *string `envconfig:"REDIS_ADDRESS"`
	RelayDriver               *string `envconfig:"RELAY_DRIVER"`
	RabbitMQURL               *string `envconfig:"RABBITMQ_URL"`
	ArchiveDriver             *string `envconfig:"ARCHIVE_DRIVER"`
	S3Bucket                  *string `envconfig:"S3_BUCKET"`
	S3Region                  *string `envconfig:"S3_REGION"`
	MetricsAddress            *string `envconfig:"METRICS_ADDRESS"`
	LLMAPIKey                 *string `envconfig:"LLM_API_KEY"`
	Web3RPCURL                *string `envconfig:"WEB3_RPC_URL"`
	AlertWebhookURL           *string `envconfig:"ALERT_WEBHOOK_URL"`
	KnowledgeSource           *string `envconfig:"KNOWLEDGE_SOURCE"`
	AlloraAPIKey              *string `envconfig:"ALLORA_API_KEY"`
	MarketTimeframe           *string `envconfig:"MARKET_TIMEFRAME"`
}

// Load 负责解析指定路径的 JSON 配置文件，并应用环境变量覆盖。
// 路径为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."

	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}

	setInt64(&c.Intervention.TimeoutMs, env.InterventionTimeoutMs)
	setInt(&c.Autonomous.IntervalMinutes, env.AutonomousIntervalMinutes)
	if env.AutonomousEnabled != nil {
		c.Autonomous.Enabled = *env.AutonomousEnabled
	}
	setString(&c.Autonomous.RiskLevel, env.RiskLevel)
	setString(&c.Server.Address, env.ServerAddress)
	setString(&c.Logging.Level, env.LogLevel)
	setString(&c.Storage.Records.Driver, env.StoreDriver)
	setString(&c.Storage.Records.DSN, env.MySQLDSN)
	setString(&c.Storage.Context.Driver, env.ContextDriver)
	setString(&c.Storage.Context.Address, env.RedisAddress)
	setString(&c.Events.Relay, env.RelayDriver)
	setString(&c.Events.RabbitMQURL, env.RabbitMQURL)
	setString(&c.Archive.Driver, env.ArchiveDriver)
	setString(&c.Archive.Bucket, env.S3Bucket)
	setString(&c.Archive.Region, env.S3Region)
	setString(&c.Server.MetricsAddress, env.MetricsAddress)
	setString(&c.LLM.OpenAI.APIKey, env.LLMAPIKey)
	setString(&c.Web3.RPCURL, env.Web3RPCURL)
	setString(&c.Alerts.WebhookURL, env.AlertWebhookURL)
	setString(&c.Knowledge.Source, env.KnowledgeSource)
	setString(&c.Market.APIKey, env.AlloraAPIKey)
	setString(&c.Market.Timeframe, env.MarketTimeframe)
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Storage.Records.Driver == "" {
		c.Storage.Records.Driver = "memory"
	}
	if c.Storage.Context.Driver == "" {
		c.Storage.Context.Driver = "memory"
	}
	if c.Storage.Context.Prefix == "" {
		c.Storage.Context.Prefix = "autotrader"
	}
	if c.Storage.Context.Address == "" {
		c.Storage.Context.Address = "127.0.0.1:6379"
	}

	if c.Events.Relay == "" {
		c.Events.Relay = "none"
	}
	if c.Events.RedisAddr == "" {
		c.Events.RedisAddr = c.Storage.Context.Address
	}
	if c.Events.Channel == "" {
		c.Events.Channel = "autotrader.events"
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "autotrader.events"
	}

	if c.Intervention.TimeoutMs <= 0 {
		c.Intervention.TimeoutMs = 30000
	}

	if c.Autonomous.IntervalMinutes <= 0 {
		c.Autonomous.IntervalMinutes = 60
	}
	if c.Autonomous.RiskLevel == "" {
		c.Autonomous.RiskLevel = "moderate"
	}
	if c.Autonomous.AgentID == "" {
		c.Autonomous.AgentID = "autonomous-trader"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.Timeout <= 0 {
		c.LLM.OpenAI.Timeout = 30
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = "local"
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.Runtime.DataDir, "archive")
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "conversations"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}

	if c.Market.Timeframe == "" {
		c.Market.Timeframe = "8h"
	}
	if c.Market.TimeoutSeconds <= 0 {
		c.Market.TimeoutSeconds = 10
	}
}

// Validate 检查驱动名称等枚举字段是否合法。
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.Storage.Records.Driver, "memory", "mysql") {
		errs = append(errs, fmt.Errorf("不支持的记录存储驱动 %q", c.Storage.Records.Driver))
	}
	if c.Storage.Records.Driver == "mysql" && c.Storage.Records.DSN == "" {
		errs = append(errs, errors.New("mysql 存储需要配置 dsn"))
	}
	if !oneOf(c.Storage.Context.Driver, "memory", "redis") {
		errs = append(errs, fmt.Errorf("不支持的上下文存储驱动 %q", c.Storage.Context.Driver))
	}
	if !oneOf(c.Events.Relay, "none", "redis", "rabbitmq") {
		errs = append(errs, fmt.Errorf("不支持的事件中继 %q", c.Events.Relay))
	}
	if c.Events.Relay == "rabbitmq" && c.Events.RabbitMQURL == "" {
		errs = append(errs, errors.New("rabbitmq 中继需要配置 rabbitmq_url"))
	}
	if !oneOf(c.Archive.Driver, "local", "s3") {
		errs = append(errs, fmt.Errorf("不支持的归档驱动 %q", c.Archive.Driver))
	}
	if c.Archive.Driver == "s3" && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("s3 归档需要配置 bucket"))
	}
	if !oneOf(c.Autonomous.RiskLevel, "conservative", "moderate", "aggressive") {
		errs = append(errs, fmt.Errorf("不支持的风险等级 %q", c.Autonomous.RiskLevel))
	}
	if !oneOf(c.Market.Timeframe, "5m", "8h") {
		errs = append(errs, fmt.Errorf("不支持的价格推断窗口 %q", c.Market.Timeframe))
	}
	return errors.Join(errs...)
}

func oneOf(value string, options ...string) bool {
	for _, option := range options {
		if value == option {
			return true
		}
	}
	return false
}
