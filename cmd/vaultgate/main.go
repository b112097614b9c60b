package main

import (
	"fmt"
	"os"

	"vaultgate/internal/config"
	"vaultgate/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "vaultgate",
		Short:        "受监护钱包路由与 x402 支付结算服务",
		Long:         `受监护账户的交易路由、x402 支付挑战与结算，以及市场任务的对账推进`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	rootCmd.AddCommand(newServeCmd(), newReconcileCmd(), newChallengeCmd(), newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置，同时按配置创建日志器
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logCfg := cfg.Logging
	if logCfg == nil {
		logCfg = logging.DefaultLogConfig
	}
	if verbose {
		copied := *logCfg
		copied.Level = "debug"
		logCfg = &copied
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	return cfg, logger, nil
}
