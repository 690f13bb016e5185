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

	"Relay-Faucet/internal/auth"
	"Relay-Faucet/internal/chain"
	"Relay-Faucet/pkg/logger"
)

// DefaultPath 是未设置 RELAYD_CONFIG 时使用的配置文件。
var DefaultPath = filepath.Join("configs", "relayd.json")

// DefaultRPCURL 是未配置任何端点时使用的 RPC 地址。
const DefaultRPCURL = "https://0x4e454228.rpc.aurora-cloud.dev"

// Config 描述了 relayd 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Chain   ChainConfig   `json:"chain"`
	Retry   RetryConfig   `json:"retry"`
	Pool    PoolConfig    `json:"pool"`
	Relay   RelayConfig   `json:"relay"`
	Ledger  LedgerConfig  `json:"ledger"`
	Journal JournalConfig `json:"journal"`
	Events  EventsConfig  `json:"events"`
	Alerts  AlertsConfig  `json:"alerts"`
	Auth    auth.Config   `json:"auth"`
	Logging logger.Config `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址与限流参数。
type ServerConfig struct {
	Address            string  `json:"address"`
	RateLimitPerMinute float64 `json:"rate_limit_per_minute"`
	RateLimitBurst     int     `json:"rate_limit_burst"`
	ShutdownSeconds    int     `json:"shutdown_seconds"`
}

// ShutdownTimeout 返回优雅退出的等待时长。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// ChainConfig 包含访问区块链节点所需的信息。
type ChainConfig struct {
	RPCURLs         []string `json:"rpc_urls"`
	ChainID         int64    `json:"chain_id"`
	DefinitionsFile string   `json:"definitions_file"`
	Network         string   `json:"network"`
	MiningContract  string   `json:"mining_contract"`
	OperatorKey     string   `json:"operator_key"`
	OperatorKeyEnv  string   `json:"operator_key_env"`
	PollMillis      int      `json:"poll_millis"`
}

// PollInterval 返回等待交易确认时的轮询间隔。
func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMillis) * time.Millisecond
}

// RetryConfig 描述网络重试策略。
type RetryConfig struct {
	MaxAttempts           int `json:"max_attempts"`
	BaseDelayMillis       int `json:"base_delay_millis"`
	MaxDelayMillis        int `json:"max_delay_millis"`
	AttemptTimeoutSeconds int `json:"attempt_timeout_seconds"`
	MaxJitterMillis       int `json:"max_jitter_millis"`
}

// PoolConfig 描述工作钱包池。金额为 ether 十进制字符串。
type PoolConfig struct {
	Size              int    `json:"size"`
	BusyWindowSeconds int    `json:"busy_window_seconds"`
	FundingFloor      string `json:"funding_floor"`
	TopUpAmount       string `json:"top_up_amount"`
}

// BusyWindow 返回钱包提交后的冷却时长。
func (c PoolConfig) BusyWindow() time.Duration {
	return time.Duration(c.BusyWindowSeconds) * time.Second
}

// RelayConfig 描述业务默认值。
type RelayConfig struct {
	FundAmount  string `json:"fund_amount"`
	StressLimit int    `json:"stress_limit"`
}

// LedgerConfig 选择奖励账本后端。
type LedgerConfig struct {
	Driver         string      `json:"driver"`
	LockTTLSeconds int         `json:"lock_ttl_seconds"`
	Redis          RedisConfig `json:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// JournalConfig 选择操作流水后端。
type JournalConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 是 MySQL 连接参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// EventsConfig 选择结算事件的投递方式。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    EventsRedis    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// EventsRedis 是 Redis 事件列表参数。
type EventsRedis struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	List     string `json:"list"`
	MaxLen   int64  `json:"max_len"`
}

// RabbitMQConfig 是 RabbitMQ 事件队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AlertsConfig 描述告警渠道。
type AlertsConfig struct {
	Log      bool            `json:"log"`
	Webhooks []WebhookConfig `json:"webhooks"`
}

// WebhookConfig 描述一个告警 webhook。
type WebhookConfig struct {
	URL     string            `json:"url"`
	Slack   bool              `json:"slack"`
	Headers map[string]string `json:"headers"`
}

// MetricsConfig 控制 Prometheus 指标的暴露方式。Address 为空时指标挂在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// 支持的驱动。
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMySQL    = "mysql"
	DriverRabbitMQ = "rabbitmq"
)

// Default 返回仅依赖环境变量即可运行的配置。
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}, Alerts: AlertsConfig{Log: true}}
	cfg.applyDefaults(".")
	return cfg
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

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}, Alerts: AlertsConfig{Log: true}}
	if err := json.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":4000"
	}
	if c.Server.RateLimitBurst <= 0 && c.Server.RateLimitPerMinute > 0 {
		c.Server.RateLimitBurst = int(c.Server.RateLimitPerMinute / 6)
		if c.Server.RateLimitBurst < 1 {
			c.Server.RateLimitBurst = 1
		}
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 30
	}

	if c.Chain.OperatorKeyEnv == "" {
		c.Chain.OperatorKeyEnv = "RELAYER_PRIVATE_KEY"
	}
	if c.Chain.PollMillis <= 0 {
		c.Chain.PollMillis = 1000
	}
	if c.Chain.DefinitionsFile != "" && !filepath.IsAbs(c.Chain.DefinitionsFile) {
		c.Chain.DefinitionsFile = filepath.Join(baseDir, c.Chain.DefinitionsFile)
	}
	if len(c.Chain.RPCURLs) == 0 && c.Chain.DefinitionsFile == "" {
		c.Chain.RPCURLs = []string{DefaultRPCURL}
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelayMillis <= 0 {
		c.Retry.BaseDelayMillis = 1000
	}
	if c.Retry.MaxDelayMillis <= 0 {
		c.Retry.MaxDelayMillis = 10000
	}
	if c.Retry.AttemptTimeoutSeconds <= 0 {
		c.Retry.AttemptTimeoutSeconds = 30
	}
	// 负值表示关闭抖动。
	if c.Retry.MaxJitterMillis == 0 {
		c.Retry.MaxJitterMillis = 1000
	}

	if c.Pool.Size <= 0 {
		c.Pool.Size = 1000
	}
	if c.Pool.BusyWindowSeconds <= 0 {
		c.Pool.BusyWindowSeconds = 30
	}
	if c.Pool.FundingFloor == "" {
		c.Pool.FundingFloor = "0.0002"
	}
	if c.Pool.TopUpAmount == "" {
		c.Pool.TopUpAmount = "0.001"
	}

	if c.Relay.FundAmount == "" {
		c.Relay.FundAmount = "0.1"
	}
	if c.Relay.StressLimit <= 0 {
		c.Relay.StressLimit = 100
	}

	c.Ledger.Driver = normalizeDriver(c.Ledger.Driver, DriverMemory)
	// 未设置时由 relayd 按重试策略推导，见 relay.WithdrawalLockTTL。
	if c.Ledger.LockTTLSeconds < 0 {
		c.Ledger.LockTTLSeconds = 0
	}
	c.Journal.Driver = normalizeDriver(c.Journal.Driver, DriverMemory)
	c.Events.Driver = normalizeDriver(c.Events.Driver, DriverMemory)
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

func normalizeDriver(driver, fallback string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return fallback
	}
	return driver
}

// ApplyEnv 用环境变量覆盖配置：PORT 覆盖监听端口，operator_key_env 指向的变量
// 提供中继私钥，dsn_env 指向的变量提供 MySQL DSN。
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
	if key := strings.TrimSpace(getenv(c.Chain.OperatorKeyEnv)); key != "" {
		c.Chain.OperatorKey = key
	}
	if c.Journal.MySQL.DSNEnv != "" {
		if dsn := strings.TrimSpace(getenv(c.Journal.MySQL.DSNEnv)); dsn != "" {
			c.Journal.MySQL.DSN = dsn
		}
	}
}

// Validate 检查配置是否完整。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Chain.OperatorKey) == "" {
		errs = append(errs, fmt.Errorf("缺少中继私钥，请设置环境变量 %s", c.Chain.OperatorKeyEnv))
	}
	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Ledger.Redis.Address == "" {
			errs = append(errs, errors.New("ledger.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的账本驱动: %s", c.Ledger.Driver))
	}
	switch c.Journal.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Journal.MySQL.DSN == "" {
			errs = append(errs, errors.New("journal.mysql.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的流水驱动: %s", c.Journal.Driver))
	}
	switch c.Events.Driver {
	case DriverNone, DriverMemory:
	case DriverRedis:
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events.redis.address 不能为空"))
		}
	case DriverRabbitMQ:
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的事件驱动: %s", c.Events.Driver))
	}
	if c.Auth.Enabled && len(c.Auth.Keys) == 0 {
		errs = append(errs, errors.New("auth.enabled 为 true 时必须配置 auth.keys"))
	}
	return errors.Join(errs...)
}

// Endpoints 返回 RPC 端点、期望的链 ID 与挖矿合约地址。配置了链定义文件时，
// 以文件中选中的链为准，显式配置的字段优先。
func (c *Config) Endpoints() ([]string, int64, string, error) {
	urls := append([]string(nil), c.Chain.RPCURLs...)
	chainID := c.Chain.ChainID
	contract := c.Chain.MiningContract
	if c.Chain.DefinitionsFile == "" {
		return urls, chainID, contract, nil
	}

	defs, err := chain.LoadDefinitions(c.Chain.DefinitionsFile)
	if err != nil {
		return nil, 0, "", err
	}
	def, _, err := defs.Resolve(c.Chain.Network)
	if err != nil {
		return nil, 0, "", err
	}
	if len(urls) == 0 {
		urls = def.Endpoints()
	}
	if chainID == 0 {
		chainID = def.ChainID
	}
	if contract == "" {
		contract = def.MiningContract
	}
	if len(urls) == 0 {
		return nil, 0, "", errors.New("未配置任何 RPC 端点")
	}
	return urls, chainID, contract, nil
}
