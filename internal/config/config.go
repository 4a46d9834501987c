package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentPlane 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Session   SessionConfig   `json:"session"`
	Policy    PolicyConfig    `json:"policy"`
	Operator  OperatorConfig  `json:"operator"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 描述结构化日志与审计日志的输出方式。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志文件的落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 统一描述核心状态存储的连接信息。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// DispatchConfig 描述任务派发队列的驱动与容量。
type DispatchConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列驱动的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列驱动的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SessionConfig 控制代理会话令牌的有效期。
type SessionConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// PolicyConfig 控制策略规则的种子文件与升级审批缓存。
type PolicyConfig struct {
	SeedPath           string `json:"seed_path"`
	ApprovalTTLSeconds int    `json:"approval_ttl_seconds"`
}

// OperatorConfig 描述运维人员账号体系的认证方式。
type OperatorConfig struct {
	Mode  string         `json:"mode"`
	JWT   JWTConfig      `json:"jwt"`
	Seeds []OperatorSeed `json:"seeds"`
}

// JWTConfig 描述本地 JWT 签发参数。
type JWTConfig struct {
	Secret            string   `json:"secret"`
	Issuer            string   `json:"issuer"`
	Audience          []string `json:"audience"`
	AccessTTLSeconds  int64    `json:"access_ttl_seconds"`
	RefreshTTLSeconds int64    `json:"refresh_ttl_seconds"`
}

// OperatorSeed 定义启动时写入的运维账号。
type OperatorSeed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// SchedulerConfig 控制编排调度循环的并发与重试退避。
type SchedulerConfig struct {
	Workers                int `json:"workers"`
	DefaultMaxRetries      int `json:"default_max_retries"`
	RetryBaseSeconds       int `json:"retry_base_seconds"`
	RetryMaxSeconds        int `json:"retry_max_seconds"`
	DispatchTimeoutSeconds int `json:"dispatch_timeout_seconds"`
}

// ExecutorConfig 描述智能服务执行器的调用方式。
type ExecutorConfig struct {
	Driver         string `json:"driver"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AlertingConfig 描述任务告警的外部通知渠道，日志渠道始终开启。
type AlertingConfig struct {
	Webhook WebhookAlertConfig `json:"webhook"`
}

// WebhookAlertConfig 描述 Webhook 告警回调地址与凭据。
type WebhookAlertConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "memory"
	}
	if c.Dispatch.Buffer <= 0 {
		c.Dispatch.Buffer = 1024
	}
	if c.Dispatch.Redis.Queue == "" {
		c.Dispatch.Redis.Queue = "agentplane:dispatch"
	}
	if c.Dispatch.RabbitMQ.Queue == "" {
		c.Dispatch.RabbitMQ.Queue = "agentplane.dispatch"
	}

	if c.Session.TTLSeconds <= 0 {
		c.Session.TTLSeconds = 3600
	}

	if c.Policy.ApprovalTTLSeconds <= 0 {
		c.Policy.ApprovalTTLSeconds = 900
	}
	if c.Policy.SeedPath != "" && !filepath.IsAbs(c.Policy.SeedPath) {
		c.Policy.SeedPath = filepath.Join(baseDir, c.Policy.SeedPath)
	}

	if c.Operator.Mode == "" {
		c.Operator.Mode = "disabled"
	}

	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.DefaultMaxRetries <= 0 {
		c.Scheduler.DefaultMaxRetries = 3
	}
	if c.Scheduler.RetryBaseSeconds <= 0 {
		c.Scheduler.RetryBaseSeconds = 2
	}
	if c.Scheduler.RetryMaxSeconds <= 0 {
		c.Scheduler.RetryMaxSeconds = 120
	}
	if c.Scheduler.DispatchTimeoutSeconds <= 0 {
		c.Scheduler.DispatchTimeoutSeconds = 60
	}

	if c.Executor.Driver == "" {
		c.Executor.Driver = "local"
	}
	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = 30
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
