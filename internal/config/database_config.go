package config

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器（service_config 表中的运行时覆盖项）
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// 允许从数据库覆盖的键；签名密钥不在其中，只能来自环境变量或文件
var overridableKeys = map[string]struct{}{
	"x402.default_token":            {},
	"x402.default_min_amount":       {},
	"x402.challenge_ttl_seconds":    {},
	"x402.max_header_bytes":         {},
	"x402.verifier_mode":            {},
	"x402.onchain_settlement":       {},
	"x402.legacy_settlement_compat": {},
	"worker.limit":                  {},
	"worker.interval":               {},
	"worker.enforce_identity":       {},
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigFromDB(db, logger), nil
}

// NewDatabaseConfigFromDB 使用已有连接创建配置管理器
func NewDatabaseConfigFromDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// ApplyOverrides 将数据库中的覆盖项叠加到配置上
func (dc *DatabaseConfig) ApplyOverrides(cfg *Config) error {
	overrides, err := dc.ListConfigs(context.Background())
	if err != nil {
		return err
	}

	for key, value := range overrides {
		if err := applyOverride(cfg, key, value); err != nil {
			dc.logger.Warnf("忽略无效的配置覆盖 %s=%s: %v", key, value, err)
			continue
		}
		dc.logger.Debugf("应用配置覆盖: %s", key)
	}
	return nil
}

// applyOverride 应用单个覆盖项
func applyOverride(cfg *Config, key, value string) error {
	if _, ok := overridableKeys[key]; !ok {
		return fmt.Errorf("不允许覆盖的键")
	}

	parseBool := func() bool { return strings.ToLower(strings.TrimSpace(value)) == "true" }

	switch key {
	case "x402.default_token":
		cfg.X402.DefaultToken = value
	case "x402.default_min_amount":
		cfg.X402.DefaultMinAmount = value
	case "x402.challenge_ttl_seconds":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.X402.ChallengeTTLSeconds = v
	case "x402.max_header_bytes":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.X402.MaxHeaderBytes = v
	case "x402.verifier_mode":
		cfg.X402.VerifierMode = value
	case "x402.onchain_settlement":
		cfg.X402.OnchainSettlement = parseBool()
	case "x402.legacy_settlement_compat":
		cfg.X402.LegacySettlementCompat = parseBool()
	case "worker.limit":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Worker.Limit = v
	case "worker.interval":
		cfg.Worker.Interval = value
	case "worker.enforce_identity":
		cfg.Worker.EnforceIdentity = parseBool()
	}
	return nil
}

// UpdateConfig 更新覆盖项
func (dc *DatabaseConfig) UpdateConfig(ctx context.Context, key, value string) error {
	if _, ok := overridableKeys[key]; !ok {
		return fmt.Errorf("不支持覆盖的配置键: %s", key)
	}

	query := `
		INSERT INTO service_config (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.ExecContext(ctx, query, key, value)
	return err
}

// GetConfig 获取覆盖项
func (dc *DatabaseConfig) GetConfig(ctx context.Context, key string) (string, error) {
	query := `SELECT config_value FROM service_config WHERE config_key = $1 AND is_active = true`
	var value string
	err := dc.DB.QueryRowContext(ctx, query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有生效的覆盖项
func (dc *DatabaseConfig) ListConfigs(ctx context.Context) (map[string]string, error) {
	query := `SELECT config_key, config_value FROM service_config WHERE is_active = true`
	rows, err := dc.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}

// IsOverridable 键是否允许通过数据库覆盖
func IsOverridable(key string) bool {
	_, ok := overridableKeys[key]
	return ok
}
