package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了服务在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Limits   LimitsConfig   `json:"limits" yaml:"limits"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
}

// StorageConfig 统一描述任务、智能体与用量存储的后端。
type StorageConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// MySQLConfig 描述 MySQL 连接信息。
type MySQLConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// QueueConfig 描述任务队列的后端选择。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

// LimitsConfig 控制配额档位与执行预算。
type LimitsConfig struct {
	DefaultPlan      string `json:"default_plan" yaml:"default_plan"`
	MaxIterations    int    `json:"max_iterations" yaml:"max_iterations"`
	WallClockSeconds int    `json:"wall_clock_seconds" yaml:"wall_clock_seconds"`
}

// WallClockBudget 返回任务的最长执行时间。
func (c LimitsConfig) WallClockBudget() time.Duration {
	return time.Duration(c.WallClockSeconds) * time.Second
}

// RuntimeConfig 控制调度器的并发参数。
type RuntimeConfig struct {
	MaxConcurrent         int `json:"max_concurrent" yaml:"max_concurrent"`
	MaxConcurrentPerOwner int `json:"max_concurrent_per_owner" yaml:"max_concurrent_per_owner"`
	QueueWorkers          int `json:"queue_workers" yaml:"queue_workers"`
}

// LoggingConfig 控制结构化日志的输出。
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"`
	File      string `json:"file" yaml:"file"`
	AuditFile string `json:"audit_file" yaml:"audit_file"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	SlackChannel string   `json:"slack_channel" yaml:"slack_channel"`
	EmailTo      []string `json:"email_to" yaml:"email_to"`
}

// Load 解析指定路径的配置文件，按扩展名支持 JSON 与 YAML。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default 返回仅依赖内存后端的缺省配置，适合本地开发。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if c.Limits.DefaultPlan == "" {
		c.Limits.DefaultPlan = "free"
	}
	if c.Limits.MaxIterations <= 0 {
		c.Limits.MaxIterations = 25
	}
	if c.Limits.WallClockSeconds <= 0 {
		c.Limits.WallClockSeconds = 600
	}

	if c.Runtime.MaxConcurrent <= 0 {
		c.Runtime.MaxConcurrent = 8
	}
	if c.Runtime.MaxConcurrentPerOwner <= 0 {
		c.Runtime.MaxConcurrentPerOwner = 3
	}
	if c.Runtime.QueueWorkers <= 0 {
		c.Runtime.QueueWorkers = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
