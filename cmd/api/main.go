package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultgate/internal/app"
	"vaultgate/internal/config"
	"vaultgate/internal/logging"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，默认使用配置 server.port")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

// 只提供 HTTP 接口，对账任务由独立的 vaultgate reconcile --loop 运行
func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("创建日志器失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}
	defer a.Close()

	listen := *port
	if listen <= 0 {
		listen = cfg.Server.Port
	}
	server := a.Server(listen)

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			cancel()
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("正在关闭服务器...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		logger.Errorf("关闭服务器失败: %v", err)
	}
	logger.Info("服务器已关闭")
}
