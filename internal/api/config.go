package api

import (
	"database/sql"
	"errors"
	"net/http"

	"vaultgate/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const redacted = "******"

// ConfigManager 配置查看与数据库覆盖项管理
type ConfigManager struct {
	cfg       *config.Config
	overrides *config.DatabaseConfig
	logger    *logrus.Logger
}

// NewConfigManager 创建配置管理器，overrides 为空时覆盖接口返回 503
func NewConfigManager(cfg *config.Config, overrides *config.DatabaseConfig, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		cfg:       cfg,
		overrides: overrides,
		logger:    logger,
	}
}

// GetConfig 当前生效配置，密钥类字段脱敏
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	if cm.cfg == nil {
		unavailable(c, "配置")
		return
	}
	c.JSON(http.StatusOK, redactConfig(cm.cfg))
}

// redactConfig 复制一份并隐藏密钥、口令与连接串
func redactConfig(cfg *config.Config) config.Config {
	out := *cfg
	if cfg.X402 != nil {
		x := *cfg.X402
		if x.SigningSecret != "" {
			x.SigningSecret = redacted
		}
		out.X402 = &x
	}
	if cfg.Store != nil {
		st := *cfg.Store
		if st.PostgresDSN != "" {
			st.PostgresDSN = redacted
		}
		if st.RedisPassword != "" {
			st.RedisPassword = redacted
		}
		out.Store = &st
	}
	if cfg.Collab != nil {
		cl := *cfg.Collab
		if cl.Token != "" {
			cl.Token = redacted
		}
		out.Collab = &cl
	}
	return out
}

// ListOverrides 列出数据库覆盖项；传 key 时只返回单项
func (cm *ConfigManager) ListOverrides(c *gin.Context) {
	if cm.overrides == nil {
		unavailable(c, "配置覆盖")
		return
	}

	if key := c.Query("key"); key != "" {
		value, err := cm.overrides.GetConfig(c.Request.Context(), key)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "覆盖项不存在", "key": key})
			return
		}
		if err != nil {
			cm.logger.Errorf("读取覆盖项失败: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "读取覆盖项失败"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
		return
	}

	overrides, err := cm.overrides.ListConfigs(c.Request.Context())
	if err != nil {
		cm.logger.Errorf("列出覆盖项失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "列出覆盖项失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": overrides, "total": len(overrides)})
}

// UpdateOverride 写入覆盖项，下次启动时生效
func (cm *ConfigManager) UpdateOverride(c *gin.Context) {
	if cm.overrides == nil {
		unavailable(c, "配置覆盖")
		return
	}

	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	if !config.IsOverridable(req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持覆盖的配置键", "key": req.Key})
		return
	}

	if err := cm.overrides.UpdateConfig(c.Request.Context(), req.Key, req.Value); err != nil {
		cm.logger.Errorf("更新覆盖项失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新覆盖项失败"})
		return
	}

	cm.logger.WithFields(logrus.Fields{"key": req.Key}).Info("配置覆盖项已更新")
	c.JSON(http.StatusOK, gin.H{
		"message": "覆盖项已保存，重启后生效",
		"key":     req.Key,
		"value":   req.Value,
	})
}
