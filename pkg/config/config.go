package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig 应用基础配置
type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// DBConfig 数据库配置
// Driver 为 postgres 或 sqlite；sqlite 只使用 Path
type DBConfig struct {
	Driver             string        `yaml:"driver"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SSLMode            string        `yaml:"sslmode"`
	Path               string        `yaml:"path"`
	MaxConns           int32         `yaml:"max_conns"`
	MinConns           int32         `yaml:"min_conns"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// MQConfig 消息队列配置，URL 为空时不启用
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置，Addr 为空时不启用
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	PurgeAfter   time.Duration `yaml:"purge_after"`
	MaxPending   int           `yaml:"max_pending"`
	JobTypes     []string      `yaml:"job_types"`
}

// GuardConfig 投递守卫配置
type GuardConfig struct {
	MXCacheTTL    time.Duration `yaml:"mx_cache_ttl"`
	MXCache       string        `yaml:"mx_cache"` // memory | redis
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// SyncConfig 邮箱同步配置
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchLimit     int           `yaml:"batch_limit"`
	AttachmentsDir string        `yaml:"attachments_dir"`
	DispatchLimit  int           `yaml:"dispatch_limit"`
}

// OtelConfig OpenTelemetry 配置
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// EndpointConfig SMTP/IMAP 连接参数
type EndpointConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Encryption string `yaml:"encryption"` // tls | ssl | none
}

// AccountConfig 发信账号配置；限额为 0 时使用服务商默认值
type AccountConfig struct {
	ID          int64          `yaml:"id"`
	Name        string         `yaml:"name"`
	Provider    string         `yaml:"provider"`
	FromName    string         `yaml:"from_name"`
	FromEmail   string         `yaml:"from_email"`
	ReplyTo     string         `yaml:"reply_to"`
	SMTP        EndpointConfig `yaml:"smtp"`
	IMAP        EndpointConfig `yaml:"imap"`
	SyncEnabled bool           `yaml:"sync_enabled"`
	Folders     []string       `yaml:"folders"`
	HourlyLimit int            `yaml:"hourly_limit"`
	DailyLimit  int            `yaml:"daily_limit"`
	BurstLimit  int            `yaml:"burst_limit"`
}

// Config 全部配置
type Config struct {
	App      AppConfig       `yaml:"app"`
	DB       DBConfig        `yaml:"db"`
	Redis    RedisConfig     `yaml:"redis"`
	MQ       MQConfig        `yaml:"mq"`
	JWT      JWTConfig       `yaml:"jwt"`
	Server   ServerConfig    `yaml:"server"`
	Queue    QueueConfig     `yaml:"queue"`
	Guard    GuardConfig     `yaml:"guard"`
	Sync     SyncConfig      `yaml:"sync"`
	Otel     OtelConfig      `yaml:"otel"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// Load 按环境加载配置：base.yaml + <env>.yaml + secrets.env，再用环境变量覆盖
func Load(env string, configDir string) (*Config, error) {
	merged, err := LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	// map -> yaml -> struct，复用 yaml 标签和 time.Duration 解析
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.App.Env == "" {
		cfg.App.Env = env
	}

	OverrideDBFromEnv(&cfg.DB)
	OverrideMQFromEnv(&cfg.MQ)
	OverrideRedisFromEnv(&cfg.Redis)
	OverrideJWTFromEnv(&cfg.JWT)
	OverrideServerFromEnv(&cfg.Server)

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	if c.DB.SSLMode == "" {
		c.DB.SSLMode = "disable"
	}
	if c.DB.MaxConns == 0 {
		c.DB.MaxConns = 10
	}
	if c.DB.MinConns == 0 {
		c.DB.MinConns = 2
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 2 * time.Second
	}
	if c.Queue.LeaseTimeout == 0 {
		c.Queue.LeaseTimeout = 15 * time.Minute
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = 30 * time.Second
	}
	if c.Queue.BackoffMax == 0 {
		c.Queue.BackoffMax = time.Hour
	}
	if c.Queue.PurgeAfter == 0 {
		c.Queue.PurgeAfter = 7 * 24 * time.Hour
	}
	if c.Guard.MXCacheTTL == 0 {
		c.Guard.MXCacheTTL = 4 * time.Hour
	}
	if c.Guard.MXCache == "" {
		c.Guard.MXCache = "memory"
	}
	if c.Guard.LookupTimeout == 0 {
		c.Guard.LookupTimeout = 5 * time.Second
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	if c.Sync.BatchLimit == 0 {
		c.Sync.BatchLimit = 50
	}
	if c.Sync.DispatchLimit == 0 {
		c.Sync.DispatchLimit = 200
	}
	if c.Sync.AttachmentsDir == "" {
		c.Sync.AttachmentsDir = "storage/mail"
	}
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		cfg.Driver = driver
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Path = path
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}
