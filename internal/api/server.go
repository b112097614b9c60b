package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"vaultgate/internal/config"
	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/metrics"
	"vaultgate/internal/reconcile"
	"vaultgate/internal/store"
	"vaultgate/internal/ward"
	"vaultgate/internal/x402"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NodeStatus 节点状态来源
type NodeStatus interface {
	Stats() map[string]interface{}
}

// Services 服务器依赖，除 Facilitator 与 Codec 外都可为空，为空时对应路由返回 503
type Services struct {
	Config       *config.Config
	Facilitator  *x402.Facilitator
	Codec        *x402.Codec
	Replay       store.ReplayStore
	Runs         store.RunStore
	Transactions store.TransactionStore
	Router       *ward.Router
	Worker       *reconcile.Worker
	Identity     *reconcile.IdentityResolver
	Nodes        NodeStatus
	Overrides    *config.DatabaseConfig
}

// Server API服务器
type Server struct {
	svc        Services
	logger     *logrus.Logger
	logManager *LogManager
	limiter    *RateLimiter
	configs    *ConfigManager
	port       int
	startedAt  time.Time

	once   sync.Once
	engine *gin.Engine
	server *http.Server
}

// NewServer 创建新的API服务器
func NewServer(svc Services, port int, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	rps, burst := 0.0, 0
	if svc.Config != nil && svc.Config.Server != nil {
		rps, burst = svc.Config.Server.RateLimitRPS, svc.Config.Server.RateLimitBurst
	}

	return &Server{
		svc:        svc,
		logger:     logger,
		logManager: logManager,
		limiter:    NewRateLimiter(rps, burst),
		configs:    NewConfigManager(svc.Config, svc.Overrides, logger),
		port:       port,
		startedAt:  time.Now(),
	}
}

// Handler 返回 gin 引擎，测试中直接配合 httptest 使用
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery(), metricsMiddleware())
		s.setupRoutes(router)
		s.engine = router
	})
	return s.engine
}

// Start 启动API服务器，阻塞直到 Stop
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.limiter.RunCleanup(ctx)

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api/v1")
	{
		pay := api.Group("/x402", s.limiter.Middleware())
		{
			pay.POST("/challenge", s.createChallenge)
			pay.POST("/verify", s.verifyPayment)
			pay.POST("/settle", s.settlePayment)
			pay.GET("/payments/:replayKey", s.getPayment)
			pay.GET("/access", Paywall(s.svc.Facilitator, s.svc.Codec, PaywallOptions{Price: s.accessPrice}, s.logger), s.paidAccess)
		}

		api.POST("/reconcile/run", s.runReconcile)
		api.GET("/reconcile/stats", s.reconcileStats)

		api.POST("/wallet/execute", s.executeWallet)
		api.GET("/wallet/transactions", s.listTransactions)

		api.POST("/runs", s.createRun)
		api.GET("/runs/:id", s.getRun)

		api.GET("/nodes", s.getNodes)
		api.GET("/stats", s.getStats)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		api.GET("/config", s.configs.GetConfig)
		api.GET("/config/overrides", s.configs.ListOverrides)
		api.PUT("/config/overrides", s.configs.UpdateOverride)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "vaultgate",
	})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " 未启用"})
}

// queryInt 读取正整数查询参数
func queryInt(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// statusForError 基础设施错误到 HTTP 状态码
func statusForError(err error) int {
	var se *apperrors.ServiceError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Type {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict
	case apperrors.ErrorTypeStrategy, apperrors.ErrorTypeCollaborator, apperrors.ErrorTypeChainRPC:
		return http.StatusBadGateway
	case apperrors.ErrorTypeConfig:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithField("path", c.FullPath()).Errorf("请求失败: %v", err)
	}
	body := gin.H{"error": err.Error()}
	var se *apperrors.ServiceError
	if errors.As(err, &se) {
		body["code"] = se.Code
	}
	c.JSON(status, body)
}

// runReconcile 执行一轮对账
func (s *Server) runReconcile(c *gin.Context) {
	if s.svc.Worker == nil {
		unavailable(c, "对账任务")
		return
	}
	def := reconcile.DefaultLimit
	if s.svc.Config != nil && s.svc.Config.Worker != nil && s.svc.Config.Worker.Limit > 0 {
		def = s.svc.Config.Worker.Limit
	}

	summary, err := s.svc.Worker.Run(c.Request.Context(), queryInt(c, "limit", def))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// reconcileStats 对账统计
func (s *Server) reconcileStats(c *gin.Context) {
	if s.svc.Worker == nil {
		unavailable(c, "对账任务")
		return
	}
	c.JSON(http.StatusOK, s.svc.Worker.Stats())
}

// executeWallet 路由并执行一批调用
func (s *Server) executeWallet(c *gin.Context) {
	if s.svc.Router == nil {
		unavailable(c, "交易路由")
		return
	}
	var req ward.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.svc.Router.Execute(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// listTransactions 交易记录
func (s *Server) listTransactions(c *gin.Context) {
	if s.svc.Transactions == nil {
		unavailable(c, "交易记录")
		return
	}
	records, err := s.svc.Transactions.ListTransactions(c.Request.Context(), c.Query("wallet"), queryInt(c, "limit", 50))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": records, "total": len(records)})
}

// createRun 授权时创建等待支付的任务
func (s *Server) createRun(c *gin.Context) {
	if s.svc.Runs == nil || s.svc.Identity == nil {
		unavailable(c, "任务")
		return
	}
	var req reconcile.PendingRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := reconcile.NewPendingRun(c.Request.Context(), s.svc.Runs, s.svc.Identity, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// getRun 查询任务
func (s *Server) getRun(c *gin.Context) {
	if s.svc.Runs == nil {
		unavailable(c, "任务")
		return
	}
	run, err := s.svc.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// getNodes 获取节点状态
func (s *Server) getNodes(c *gin.Context) {
	if s.svc.Nodes == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": gin.H{}, "total": 0, "message": "未启用链上校验"})
		return
	}
	nodes := s.svc.Nodes.Stats()
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": len(nodes)})
}

// getStats 运行统计
func (s *Server) getStats(c *gin.Context) {
	stats := gin.H{
		"uptime":     time.Since(s.startedAt).String(),
		"started_at": s.startedAt.Unix(),
	}
	if s.svc.Worker != nil {
		stats["reconcile"] = s.svc.Worker.Stats()
	}
	c.JSON(http.StatusOK, stats)
}
