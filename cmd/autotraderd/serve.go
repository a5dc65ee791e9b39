package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"AutoTrader-Chain/internal/agent"
	"AutoTrader-Chain/internal/api"
	"AutoTrader-Chain/internal/autonomous"
	"AutoTrader-Chain/internal/config"
	"AutoTrader-Chain/internal/conversation"
	"AutoTrader-Chain/internal/event"
	"AutoTrader-Chain/internal/knowledge"
	"AutoTrader-Chain/internal/llm/openai"
	"AutoTrader-Chain/internal/market/allora"
	"AutoTrader-Chain/internal/observability/alerting"
	"AutoTrader-Chain/internal/observability/metrics"
	"AutoTrader-Chain/internal/storage/archive"
	"AutoTrader-Chain/internal/storage/mysql"
	redisstore "AutoTrader-Chain/internal/storage/redis"
	"AutoTrader-Chain/internal/task"
	"AutoTrader-Chain/internal/web3/provider"
	"AutoTrader-Chain/pkg/logger"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("autotraderd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("关闭资源失败", slog.Any("error", err))
			}
		}
	}()

	hubOpts := []event.Option{event.WithMetrics(m)}
	relay, err := openRelay(ctx, cfg.Events)
	if err != nil {
		return err
	}
	if relay != nil {
		closers = append(closers, relay)
		hubOpts = append(hubOpts, event.WithRelay(relay, 0))
	}
	hub := event.NewHub(hubOpts...)

	queueOpts := []task.QueueOption{
		task.WithPublisher(hub),
		task.WithMetrics(m),
		task.WithDefaultInterventionTimeout(cfg.Intervention.Timeout()),
	}
	trackerOpts := []conversation.Option{conversation.WithPublisher(hub)}

	if cfg.Storage.Records.Driver == "mysql" {
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.Records.DSN,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return err
		}
		closers = append(closers, db)
		queueOpts = append(queueOpts, task.WithStore(mysql.NewTaskStore(db)))
		trackerOpts = append(trackerOpts, conversation.WithStore(mysql.NewConversationStore(db)))
	}

	if cfg.Storage.Context.Driver == "redis" {
		store, err := redisstore.NewContextStore(ctx, redisstore.Config{
			Address:  cfg.Storage.Context.Address,
			Password: cfg.Storage.Context.Password,
			DB:       cfg.Storage.Context.DB,
			Prefix:   cfg.Storage.Context.Prefix,
		})
		if err != nil {
			return err
		}
		closers = append(closers, store)
		queueOpts = append(queueOpts, task.WithContextStore(store))
	}

	archiver, err := openArchiver(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	trackerOpts = append(trackerOpts, conversation.WithArchiver(archiver))

	queue := task.NewQueue(queueOpts...)
	tracker := conversation.NewTracker(queue, trackerOpts...)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerts.WebhookURL})
	}
	processor := task.NewProcessor(queue, task.WithAlertDispatcher(alerting.NewFanout(notifiers...)))
	processor.Handle(task.TypeAgentConversation, tracker.HandleAgentConversation)

	apiOpts := []api.Option{
		api.WithEventStream(event.NewWebSocketHandler(hub, cfg.Server.AllowedOrigins)),
		api.WithMetrics(m, metrics.Handler(registry)),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}

	orch, chains, err := buildTrader(ctx, cfg, queue, processor, tracker, hub, m)
	if err != nil {
		return err
	}
	if chains != nil {
		defer chains.Close()
	}
	if orch != nil {
		apiOpts = append(apiOpts, api.WithCycleRunner(orch.orchestrator), api.WithAgent(orch.agent))
	}

	processor.Start(ctx)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("事件中继退出", slog.Any("error", err))
		}
	})
	if cfg.Server.MetricsAddress != "" {
		wg.Go(func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress, registry); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务退出", slog.Any("error", err))
			}
		})
	}

	if orch != nil && cfg.Autonomous.Enabled {
		if err := orch.orchestrator.Start(ctx); err != nil {
			return err
		}
		defer orch.orchestrator.Stop()
	}

	server := api.NewServer(cfg.Server.Address, queue, tracker, apiOpts...)
	err = server.Start(ctx)
	processor.Wait()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("autotraderd 已退出")
	return nil
}

type trader struct {
	agent        *agent.ChainAgent
	orchestrator *autonomous.Orchestrator
}

// buildTrader 连接链与大模型并组装智能体；缺少任一依赖时只运行协调器本身。
func buildTrader(ctx context.Context, cfg *config.Config, queue *task.Queue, processor *task.Processor,
	tracker *conversation.Tracker, hub *event.Hub, m *metrics.Metrics) (*trader, *provider.Registry, error) {
	log := logger.Named("autotraderd")

	if cfg.Web3.RPCURL == "" && cfg.Web3.ChainConfig == "" {
		log.Warn("未配置链 RPC，智能体与自主循环不可用")
		return nil, nil, nil
	}
	llmClient, err := openai.NewClient(openai.Config{
		APIKey:  cfg.LLM.OpenAI.APIKey,
		BaseURL: cfg.LLM.OpenAI.BaseURL,
		Model:   cfg.LLM.OpenAI.Model,
		Timeout: time.Duration(cfg.LLM.OpenAI.Timeout) * time.Second,
	})
	if err != nil {
		log.Warn("大模型客户端不可用，智能体与自主循环不可用", slog.Any("error", err))
		return nil, nil, nil
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3, nil)
	if err != nil {
		return nil, nil, err
	}
	client, err := chains.DefaultClient()
	if err != nil {
		chains.Close()
		return nil, nil, err
	}
	wallet := chains.DefaultWallet()

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		playbook, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			chains.Close()
			return nil, nil, err
		}
		knowledgeProvider = playbook
	}

	ag := agent.New(cfg.Autonomous.AgentID, llmClient, client,
		agent.WithWallet(wallet),
		agent.WithModelName(cfg.LLM.OpenAI.Model),
		agent.WithLLMTimeout(time.Duration(cfg.LLM.OpenAI.Timeout)*time.Second),
		agent.WithKnowledgeProvider(knowledgeProvider),
	)
	var dataOpts []agent.DataSourceOption
	if cfg.Market.Enabled() {
		prices, err := allora.NewClient(allora.Config{
			APIKey:    cfg.Market.APIKey,
			BaseURL:   cfg.Market.BaseURL,
			ChainSlug: cfg.Market.ChainSlug,
			Timeout:   time.Duration(cfg.Market.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			chains.Close()
			return nil, nil, err
		}
		dataOpts = append(dataOpts, agent.WithPriceFeed(prices, cfg.Market.Timeframe, cfg.Market.Assets...))
	}
	data := agent.NewChainDataSource(client, wallet, "", cfg.Autonomous.RiskLevel, dataOpts...)
	agent.RegisterHandlers(processor, ag, data)

	orch := autonomous.New(queue, processor, tracker, ag, data,
		autonomous.WithPublisher(hub),
		autonomous.WithMetrics(m),
		autonomous.WithAgentID(cfg.Autonomous.AgentID),
		autonomous.WithRiskLevel(cfg.Autonomous.RiskLevel),
		autonomous.WithInterval(cfg.Autonomous.Interval()),
	)
	log.Info("智能体已就绪", slog.String("agent_id", cfg.Autonomous.AgentID), slog.Any("chains", chains.Chains()))
	return &trader{agent: ag, orchestrator: orch}, chains, nil
}

func openRelay(ctx context.Context, cfg config.EventsConfig) (event.Relay, error) {
	switch cfg.Relay {
	case "redis":
		return event.NewRedisRelay(ctx, event.RedisRelayConfig{Address: cfg.RedisAddr, Channel: cfg.Channel})
	case "rabbitmq":
		return event.NewRabbitMQRelay(event.RabbitMQRelayConfig{URL: cfg.RabbitMQURL, Exchange: cfg.Exchange})
	default:
		return nil, nil
	}
}

func openArchiver(ctx context.Context, cfg config.ArchiveConfig) (archive.Archiver, error) {
	if cfg.Driver == "s3" {
		return archive.NewS3(ctx, cfg.Bucket, cfg.Prefix, cfg.Region)
	}
	return archive.NewLocal(cfg.Dir)
}
