package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 VAULTGATE_X402_SIGNING_SECRET
const EnvPrefix = "VAULTGATE"

// Config 主配置
type Config struct {
	App     *AppConfig         `mapstructure:"app"`
	Chain   *ChainConfig       `mapstructure:"chain"`
	X402    *X402Config        `mapstructure:"x402"`
	Store   *StoreConfig       `mapstructure:"store"`
	Worker  *WorkerConfig      `mapstructure:"worker"`
	Events  *EventsConfig      `mapstructure:"events"`
	Server  *ServerConfig      `mapstructure:"server"`
	Ward    *WardConfig        `mapstructure:"ward"`
	Collab  *CollabConfig      `mapstructure:"collab"`
	Logging *logging.LogConfig `mapstructure:"logging"`
}

// AppConfig 部署信息
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Instances int    `mapstructure:"instances"` // 部署实例数，>1 时禁止内存存储
}

// ChainConfig 链RPC配置
type ChainConfig struct {
	Kind    string        `mapstructure:"kind"` // starknet | evm
	Timeout string        `mapstructure:"timeout"`
	Nodes   []*NodeConfig `mapstructure:"nodes"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// X402Config 支付协议配置
type X402Config struct {
	SigningSecret          string `mapstructure:"signing_secret"`
	Network                string `mapstructure:"network"`
	DefaultToken           string `mapstructure:"default_token"`
	DefaultMinAmount       string `mapstructure:"default_min_amount"`
	ChallengeTTLSeconds    int    `mapstructure:"challenge_ttl_seconds"`
	MaxHeaderBytes         int    `mapstructure:"max_header_bytes"`
	VerifierMode           string `mapstructure:"verifier_mode"` // lenient | strict
	OnchainSettlement      bool   `mapstructure:"onchain_settlement"`
	LegacySettlementCompat bool   `mapstructure:"legacy_settlement_compat"`
	AllowInMemoryStore     bool   `mapstructure:"allow_in_memory_store"`
	DefaultRecipient       string `mapstructure:"default_recipient"` // 付费接口的默认收款地址
}

// StoreConfig 持久化配置
type StoreConfig struct {
	Backend       string `mapstructure:"backend"` // postgres | bolt | redis | memory
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	BoltPath      string `mapstructure:"bolt_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// WorkerConfig 对账任务配置
type WorkerConfig struct {
	Interval        string `mapstructure:"interval"`
	Limit           int    `mapstructure:"limit"`
	EnforceIdentity bool   `mapstructure:"enforce_identity"`
}

// EventsConfig 事件输出配置
type EventsConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Port           int     `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// WardConfig 受监护账户配置
type WardConfig struct {
	KnownTokens []string `mapstructure:"known_tokens"` // 已知的价值转移合约
}

// CollabConfig 外部协作方（钱包后端、代理市场）HTTP 地址
type CollabConfig struct {
	WalletURL      string `mapstructure:"wallet_url"`      // 策略快照与执行策略
	MarketplaceURL string `mapstructure:"marketplace_url"` // 代理资料、链上身份与运行时
	Token          string `mapstructure:"token"`
	Timeout        string `mapstructure:"timeout"`
}

// TimeoutDuration 解析协作方请求超时
func (c *CollabConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// TimeoutDuration 解析链RPC超时
func (c *ChainConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// IntervalDuration 解析对账间隔
func (w *WorkerConfig) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(w.Interval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// LoadConfig 加载配置：YAML文件 + 环境变量，若设置了 VAULTGATE_DB_DSN 再叠加数据库覆盖项
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	if dsn := os.Getenv(EnvPrefix + "_DB_DSN"); dsn != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("连接配置数据库失败: %w", err)
		}
		defer dbConfig.Close()

		if err := dbConfig.ApplyOverrides(cfg); err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}
		logger.Info("已叠加数据库配置")
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromFile 从文件加载配置，文件不存在时只使用默认值和环境变量
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// setDefaults 注册默认值，同时让 AutomaticEnv 能识别所有键
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.instances", d.App.Instances)

	v.SetDefault("chain.kind", d.Chain.Kind)
	v.SetDefault("chain.timeout", d.Chain.Timeout)
	v.SetDefault("chain.nodes", []map[string]interface{}{
		{"name": d.Chain.Nodes[0].Name, "url": d.Chain.Nodes[0].URL, "priority": d.Chain.Nodes[0].Priority},
	})

	v.SetDefault("x402.signing_secret", d.X402.SigningSecret)
	v.SetDefault("x402.network", d.X402.Network)
	v.SetDefault("x402.default_token", d.X402.DefaultToken)
	v.SetDefault("x402.default_min_amount", d.X402.DefaultMinAmount)
	v.SetDefault("x402.challenge_ttl_seconds", d.X402.ChallengeTTLSeconds)
	v.SetDefault("x402.max_header_bytes", d.X402.MaxHeaderBytes)
	v.SetDefault("x402.verifier_mode", d.X402.VerifierMode)
	v.SetDefault("x402.onchain_settlement", d.X402.OnchainSettlement)
	v.SetDefault("x402.legacy_settlement_compat", d.X402.LegacySettlementCompat)
	v.SetDefault("x402.allow_in_memory_store", d.X402.AllowInMemoryStore)
	v.SetDefault("x402.default_recipient", d.X402.DefaultRecipient)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.postgres_dsn", d.Store.PostgresDSN)
	v.SetDefault("store.bolt_path", d.Store.BoltPath)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.redis_password", d.Store.RedisPassword)
	v.SetDefault("store.redis_db", d.Store.RedisDB)

	v.SetDefault("worker.interval", d.Worker.Interval)
	v.SetDefault("worker.limit", d.Worker.Limit)
	v.SetDefault("worker.enforce_identity", d.Worker.EnforceIdentity)

	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.brokers", d.Events.Brokers)
	v.SetDefault("events.topics", d.Events.Topics)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.rate_limit_rps", d.Server.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", d.Server.RateLimitBurst)

	v.SetDefault("ward.known_tokens", d.Ward.KnownTokens)

	v.SetDefault("collab.wallet_url", d.Collab.WalletURL)
	v.SetDefault("collab.marketplace_url", d.Collab.MarketplaceURL)
	v.SetDefault("collab.token", d.Collab.Token)
	v.SetDefault("collab.timeout", d.Collab.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// GetDefaultConfig 获取默认配置（签名密钥为空，必须由部署方提供）
func GetDefaultConfig() *Config {
	return &Config{
		App: &AppConfig{
			Name:      "vaultgate",
			Instances: 1,
		},
		Chain: &ChainConfig{
			Kind:    "starknet",
			Timeout: "10s",
			Nodes: []*NodeConfig{
				{
					Name:     "primary",
					URL:      "", // 需要在YAML配置或环境变量中指定
					Priority: 1,
				},
			},
		},
		X402: &X402Config{
			SigningSecret:          "",
			Network:                "starknet-sepolia",
			DefaultToken:           "STRK",
			DefaultMinAmount:       "1",
			ChallengeTTLSeconds:    300,
			MaxHeaderBytes:         32 * 1024,
			VerifierMode:           "strict",
			OnchainSettlement:      true,
			LegacySettlementCompat: false,
			AllowInMemoryStore:     false,
		},
		Store: &StoreConfig{
			Backend:  "postgres",
			BoltPath: "./data/replay.db",
			RedisDB:  0,
		},
		Worker: &WorkerConfig{
			Interval:        "30s",
			Limit:           20,
			EnforceIdentity: true,
		},
		Events: &EventsConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topics: map[string]string{
				"payments": "vaultgate_payments",
				"runs":     "vaultgate_runs",
				"routes":   "vaultgate_routes",
			},
		},
		Server: &ServerConfig{
			Port:           8080,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Ward: &WardConfig{
			KnownTokens: []string{},
		},
		Collab: &CollabConfig{
			Timeout: "15s",
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// placeholderSecrets 已知的占位密钥，出现即视为未配置
var placeholderSecrets = map[string]struct{}{
	"changeme":         {},
	"change-me":        {},
	"secret":           {},
	"dev-secret":       {},
	"test":             {},
	"placeholder":      {},
	"your-secret-here": {},
	"x402-dev-secret":  {},
	"replace-me":       {},
}

// minSecretLength 签名密钥最小长度
const minSecretLength = 16

// ValidateSigningSecret 签名密钥必须存在且不能是占位值
func ValidateSigningSecret(secret string) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical,
			"CONFIG_INVALID", "x402.signing_secret 未配置")
	}
	if _, bad := placeholderSecrets[strings.ToLower(trimmed)]; bad {
		return apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical,
			"CONFIG_INVALID", "x402.signing_secret 使用了占位值")
	}
	if len(trimmed) < minSecretLength {
		return apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical,
			"CONFIG_INVALID", fmt.Sprintf("x402.signing_secret 长度不能少于 %d", minSecretLength))
	}
	return nil
}

// Validate 校验配置，任何问题都在启动时直接失败
func Validate(cfg *Config) error {
	if cfg == nil || cfg.X402 == nil || cfg.Store == nil || cfg.Worker == nil || cfg.Chain == nil {
		return apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, "CONFIG_INVALID", "配置不完整")
	}

	if err := ValidateSigningSecret(cfg.X402.SigningSecret); err != nil {
		return err
	}

	invalid := func(msg string) error {
		return apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, "CONFIG_INVALID", msg)
	}

	switch cfg.X402.VerifierMode {
	case "lenient", "strict":
	default:
		return invalid(fmt.Sprintf("不支持的 verifier_mode: %s", cfg.X402.VerifierMode))
	}

	if cfg.X402.ChallengeTTLSeconds < 10 {
		return invalid("challenge_ttl_seconds 不能小于 10")
	}
	if cfg.X402.MaxHeaderBytes <= 0 {
		return invalid("max_header_bytes 必须为正数")
	}

	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return invalid("store.postgres_dsn 未配置")
		}
	case "bolt":
		if cfg.Store.BoltPath == "" {
			return invalid("store.bolt_path 未配置")
		}
		if cfg.App != nil && cfg.App.Instances > 1 {
			return invalid("bolt 存储只能用于单实例部署")
		}
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return invalid("store.redis_addr 未配置")
		}
		// redis 只承载重放账本，任务与交易记录仍在 postgres
		if cfg.Store.PostgresDSN == "" {
			return invalid("redis 后端同样需要 store.postgres_dsn")
		}
	case "memory":
		// 内存存储无法提供跨进程重放保护
		if !cfg.X402.AllowInMemoryStore {
			return invalid("memory 存储需要显式开启 x402.allow_in_memory_store")
		}
		if cfg.App == nil || cfg.App.Instances != 1 {
			return invalid("memory 存储只能用于单进程部署")
		}
	default:
		return invalid(fmt.Sprintf("不支持的存储后端: %s", cfg.Store.Backend))
	}

	switch cfg.Chain.Kind {
	case "starknet", "evm":
	default:
		return invalid(fmt.Sprintf("不支持的链类型: %s", cfg.Chain.Kind))
	}
	if cfg.X402.OnchainSettlement {
		hasNode := false
		for _, node := range cfg.Chain.Nodes {
			if node != nil && node.URL != "" {
				hasNode = true
				break
			}
		}
		if !hasNode {
			return invalid("开启链上结算校验时必须配置至少一个节点URL")
		}
	}

	if cfg.Worker.Limit <= 0 {
		return invalid("worker.limit 必须为正数")
	}

	if cfg.Events != nil && cfg.Events.Enabled && len(cfg.Events.Brokers) == 0 {
		return invalid("启用事件输出时必须配置 brokers")
	}

	return nil
}
