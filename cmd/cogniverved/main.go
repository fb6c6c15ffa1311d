package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"CogniVerve/internal/agent"
	"CogniVerve/internal/api"
	"CogniVerve/internal/config"
	"CogniVerve/internal/llm"
	"CogniVerve/internal/llm/openai"
	"CogniVerve/internal/llm/scripted"
	"CogniVerve/internal/observability/alerting"
	"CogniVerve/internal/observability/metrics"
	"CogniVerve/internal/task"
	"CogniVerve/internal/tool"
	"CogniVerve/internal/usage"
	"CogniVerve/pkg/logger"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
)

const alertTimeout = 10 * time.Second

// main 是 CogniVerve 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("cogniverved 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogger(cfg); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	taskStore, agentStore, usageStore, err := createStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = taskStore.Close()
		_ = agentStore.Close()
		_ = usageStore.Close()
	}()

	taskQueue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("close task queue failed", "error", err)
		}
	}()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	registry := tool.NewRegistry()
	if err := tool.RegisterBuiltins(registry); err != nil {
		return err
	}

	limiter := usage.NewLimiter(usageStore, usage.StaticTierResolver{
		Plan: usage.Plan(cfg.Limits.DefaultPlan),
	})

	// 上次进程退出时仍在运行的任务无法跨进程续跑，标记失败后由
	// 调用方决定是否重新提交。
	recovered, err := task.RecoverInterrupted(ctx, taskStore)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.L().Warn("interrupted tasks marked failed", "count", recovered)
	}

	dispatcher := createAlertDispatcher(cfg)
	alertFn := func(taskID string, alertErr error) {
		if dispatcher == nil {
			return
		}
		notifyCtx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := dispatcher.Notify(notifyCtx, alerting.FromError(taskID, alertErr)); err != nil {
			logger.L().Warn("alert dispatch failed", "task_id", taskID, "error", err)
		}
	}

	executor := task.NewExecutor(taskStore, agentStore, registry, llmClient, task.NewContextBuilder(),
		task.WithMaxIterations(cfg.Limits.MaxIterations),
		task.WithWallClockBudget(cfg.Limits.WallClockBudget()),
		task.WithUsageLimiter(limiter),
		task.WithAlertFunc(alertFn),
	)
	scheduler := task.NewScheduler(taskStore, agentStore, limiter, taskQueue, executor,
		task.WithMaxConcurrent(cfg.Runtime.MaxConcurrent),
		task.WithMaxConcurrentPerOwner(cfg.Runtime.MaxConcurrentPerOwner),
		task.WithQueueWorkers(cfg.Runtime.QueueWorkers),
	)

	schedulerCtx, schedulerCancel := context.WithCancel(ctx)
	defer schedulerCancel()
	go func() {
		if err := scheduler.Start(schedulerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("scheduler exited", "error", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics server exited", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, scheduler, agentStore, registry, limiter)
	logger.L().Info("cogniverved started",
		"address", cfg.Server.Address,
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Driver,
		"llm", cfg.LLM.Provider,
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig 解析配置文件；未指定且缺省文件不存在时退化为内存配置。
func loadConfig() (*config.Config, error) {
	path := os.Getenv("COGNIVERVE_CONFIG")
	if path == "" {
		fallback := filepath.Join("configs", "cogniverve.json")
		if _, err := os.Stat(fallback); err != nil {
			return config.Default(), nil
		}
		path = fallback
	}
	return config.Load(path)
}

func initLogger(cfg *config.Config) error {
	outputs := []string{"stdout"}
	if cfg.Logging.File != "" {
		outputs = append(outputs, cfg.Logging.File)
	}
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditFile != "",
			Path:    cfg.Logging.AuditFile,
		},
	})
}

func createStores(cfg *config.Config) (task.Store, agent.Store, usage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		usageStore, err := createUsageStore(cfg, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return task.NewMemoryStore(), agent.NewMemoryStore(), usageStore, nil
	case "mysql":
		taskStore, err := task.NewMySQLStore(cfg.Storage.MySQL.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		db, err := sql.Open("mysql", cfg.Storage.MySQL.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		agentStore, err := agent.NewMySQLStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		usageStore, err := createUsageStore(cfg, db)
		if err != nil {
			return nil, nil, nil, err
		}
		return taskStore, agentStore, usageStore, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// createUsageStore 选择用量计数后端：配置了 Redis 时优先使用 Redis
// 原子计数，其次复用 MySQL 连接，最后退化为内存计数。
func createUsageStore(cfg *config.Config, db *sql.DB) (usage.Store, error) {
	if cfg.Storage.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		return usage.NewRedisStore(client, "usage")
	}
	if db != nil {
		return usage.NewMySQLStore(db)
	}
	return usage.NewMemoryStore(), nil
}

func createQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或环境变量 OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
		})
	case "scripted":
		// 本地联调用：模型固定直接给出回答。
		return scripted.NewClient(scripted.Respond("ok")), nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.SlackChannel != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{ChannelID: cfg.Alerting.SlackChannel})
	}
	if len(cfg.Alerting.EmailTo) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			To:            cfg.Alerting.EmailTo,
			SubjectPrefix: "[CogniVerve] ",
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
