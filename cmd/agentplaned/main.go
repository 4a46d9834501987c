package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentPlane/internal/api"
	"AgentPlane/internal/config"
	"AgentPlane/internal/executor"
	"AgentPlane/internal/gateway"
	"AgentPlane/internal/identity"
	"AgentPlane/internal/observability/alerting"
	"AgentPlane/internal/observability/metrics"
	"AgentPlane/internal/operator"
	"AgentPlane/internal/orchestrator"
	"AgentPlane/internal/policy"
	"AgentPlane/internal/registry"
	"AgentPlane/internal/session"
	"AgentPlane/internal/storage/mysql"
	"AgentPlane/pkg/logger"
)

const sessionSweepInterval = time.Minute

// main 是 AgentPlane 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentplaned 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPLANE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentplane.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	m := metrics.Default()

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭派发队列失败", slog.String("error", err.Error()))
		}
	}()

	alerter := buildAlerter(cfg)

	issuer := identity.NewIssuer()
	agents := registry.NewService(stores.agents, stores.roles, issuer)
	sessions := session.NewService(stores.sessions, agents,
		time.Duration(cfg.Session.TTLSeconds)*time.Second, m)
	policies := policy.NewService(stores.rules, stores.approvals, stores.usage,
		time.Duration(cfg.Policy.ApprovalTTLSeconds)*time.Second, m)
	if cfg.Policy.SeedPath != "" {
		seeded, err := policies.SeedFromFile(ctx, cfg.Policy.SeedPath)
		if err != nil {
			return err
		}
		logger.L().Info("策略种子加载完成", slog.Int("created", seeded))
	}

	gw := gateway.NewGateway(agents, sessions, policies, m)

	operators, err := operator.NewService(ctx, operatorConfig(cfg), stores.operators)
	if err != nil {
		return err
	}

	exec, err := buildExecutor(cfg)
	if err != nil {
		return err
	}

	workflows := orchestrator.NewService(stores.workflows, queue, agents,
		cfg.Scheduler.DefaultMaxRetries, m, alerter)
	scheduler := orchestrator.NewScheduler(exec, stores.workflows, queue, queue, gw, agents,
		orchestrator.WithWorkerCount(cfg.Scheduler.Workers),
		orchestrator.WithRetryPolicy(
			time.Duration(cfg.Scheduler.RetryBaseSeconds)*time.Second,
			time.Duration(cfg.Scheduler.RetryMaxSeconds)*time.Second),
		orchestrator.WithDefaultTaskTimeout(time.Duration(cfg.Scheduler.DispatchTimeoutSeconds)*time.Second),
		orchestrator.WithAlertDispatcher(alerter),
		orchestrator.WithSchedulerMetrics(m),
	)

	// 代理暂停或退役时，会话与在途任务随生命周期事件联动处理。
	agents.AddLifecycleListener(sessions.LifecycleHook())
	agents.AddLifecycleListener(scheduler.LifecycleHook())

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Agents:    agents,
		Policies:  policies,
		Sessions:  sessions,
		Workflows: workflows,
		Gateway:   gw,
		Operators: operators,
		Metrics:   m,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := scheduler.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("调度器退出: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return sweepSessions(groupCtx, sessions)
	})
	group.Go(func() error {
		if err := server.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return group.Wait()
}

// stores 聚合各领域的存储实现，memory 与 mysql 驱动二选一。
type stores struct {
	agents    registry.AgentStore
	roles     registry.RoleStore
	sessions  session.Store
	rules     policy.RuleStore
	approvals policy.ApprovalStore
	usage     policy.UsageStore
	operators operator.Store
	workflows orchestrator.Store

	closers []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.L().Warn("关闭存储失败", slog.String("error", err.Error()))
		}
	}
}

func buildStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		registryStore := registry.NewMemoryStore()
		policyStore := policy.NewMemoryStore()
		workflowStore := orchestrator.NewMemoryStore()
		return &stores{
			agents:    registryStore,
			roles:     registryStore,
			sessions:  session.NewMemoryStore(),
			rules:     policyStore,
			approvals: policyStore,
			usage:     policyStore,
			operators: operator.NewMemoryStore(),
			workflows: workflowStore,
			closers:   []func() error{workflowStore.Close},
		}, nil
	case "mysql":
		store, err := mysql.New(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return &stores{
			agents:    store,
			roles:     store,
			sessions:  store,
			rules:     store,
			approvals: store,
			usage:     store,
			operators: store,
			workflows: store,
			closers:   []func() error{store.Close},
		}, nil
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func buildQueue(cfg *config.Config) (orchestrator.Queue, error) {
	switch cfg.Dispatch.Driver {
	case "", "memory":
		return orchestrator.NewMemoryQueue(cfg.Dispatch.Buffer), nil
	case "redis":
		return orchestrator.NewRedisQueue(orchestrator.RedisQueueConfig{
			Address:   cfg.Dispatch.Redis.Address,
			Password:  cfg.Dispatch.Redis.Password,
			DB:        cfg.Dispatch.Redis.DB,
			Queue:     cfg.Dispatch.Redis.Queue,
			BlockWait: time.Duration(cfg.Dispatch.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return orchestrator.NewRabbitMQQueue(orchestrator.RabbitMQConfig{
			URL:        cfg.Dispatch.RabbitMQ.URL,
			Queue:      cfg.Dispatch.RabbitMQ.Queue,
			Prefetch:   cfg.Dispatch.RabbitMQ.Prefetch,
			Durable:    cfg.Dispatch.RabbitMQ.Durable,
			AutoDelete: cfg.Dispatch.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Dispatch.Driver)
	}
}

func buildExecutor(cfg *config.Config) (executor.Executor, error) {
	switch cfg.Executor.Driver {
	case "", "local":
		return executor.NewLocal(0), nil
	case "remote":
		token := strings.TrimSpace(cfg.Executor.APIKey)
		if token == "" && cfg.Executor.APIKeyEnv != "" {
			token = strings.TrimSpace(os.Getenv(cfg.Executor.APIKeyEnv))
		}
		return executor.NewRemote(executor.RemoteConfig{
			BaseURL: cfg.Executor.BaseURL,
			Token:   token,
			Timeout: time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的执行器驱动: %s", cfg.Executor.Driver)
	}
}

func buildAlerter(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if strings.TrimSpace(cfg.Alerting.Webhook.URL) != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:   cfg.Alerting.Webhook.URL,
			Token: cfg.Alerting.Webhook.Token,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func operatorConfig(cfg *config.Config) operator.Config {
	seeds := make([]operator.Seed, 0, len(cfg.Operator.Seeds))
	for _, seed := range cfg.Operator.Seeds {
		seeds = append(seeds, operator.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}
	return operator.Config{
		Mode: operator.Mode(cfg.Operator.Mode),
		JWT: operator.JWTOptions{
			Secret:     cfg.Operator.JWT.Secret,
			Issuer:     cfg.Operator.JWT.Issuer,
			Audience:   cfg.Operator.JWT.Audience,
			AccessTTL:  cfg.Operator.JWT.AccessTTLSeconds,
			RefreshTTL: cfg.Operator.JWT.RefreshTTLSeconds,
		},
		Seeds: seeds,
	}
}

// sweepSessions 周期性清理过期会话记录。
func sweepSessions(ctx context.Context, sessions *session.Service) error {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purged, err := sessions.PurgeExpired(ctx)
			if err != nil {
				logger.L().Warn("清理过期会话失败", slog.String("error", err.Error()))
				continue
			}
			if purged > 0 {
				logger.L().Info("清理过期会话", slog.Int("count", purged))
			}
		}
	}
}
