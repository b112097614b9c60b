package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"vaultgate/internal/app"
	"vaultgate/internal/config"
	"vaultgate/internal/shutdown"
	"vaultgate/internal/x402"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	var (
		limit    int
		loop     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "执行对账：推进待结算支付与等待支付的任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.Worker.Limit
			}

			manager := shutdown.NewManager(10*time.Second, logger)
			ctx := manager.Context()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if !loop {
				summary, err := a.Worker.Run(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(summary)
			}

			if interval <= 0 {
				interval = cfg.Worker.IntervalDuration()
			}
			manager.ListenSignals()
			if err := a.Worker.Start(ctx, interval, limit); err != nil && ctx.Err() == nil {
				return err
			}
			<-manager.Done()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "每个阶段处理的上限，默认使用配置 worker.limit")
	cmd.Flags().BoolVar(&loop, "loop", false, "持续运行直到收到停机信号")
	cmd.Flags().DurationVar(&interval, "interval", 0, "循环间隔，默认使用配置 worker.interval")
	return cmd
}

func newChallengeCmd() *cobra.Command {
	var req x402.BuildRequest
	var contextJSON string

	cmd := &cobra.Command{
		Use:   "challenge",
		Short: "离线签发一个支付挑战",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigFromFile(configFile)
			if err != nil {
				return err
			}
			builder, err := x402.NewChallengeBuilder(cfg.X402)
			if err != nil {
				return err
			}
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &req.Context); err != nil {
					return fmt.Errorf("--context 不是合法的 JSON 对象: %w", err)
				}
			}

			ch, err := builder.Build(req)
			if err != nil {
				return err
			}
			header, err := x402.EncodeHeader(ch)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"challenge": ch,
				"header":    fmt.Sprintf("%s: %s", x402.HeaderChallenge, header),
			})
		},
	}

	cmd.Flags().StringVar(&req.Recipient, "recipient", "", "收款地址")
	cmd.Flags().StringVar(&req.Token, "token", "", "token，默认使用配置 x402.default_token")
	cmd.Flags().StringVar(&req.MinAmount, "amount", "", "最小金额（整数）")
	cmd.Flags().IntVar(&req.TTLSeconds, "ttl", 0, "有效期（秒）")
	cmd.Flags().StringVar(&contextJSON, "context", "", "绑定的上下文 JSON")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "配置相关命令",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "加载并校验配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("配置有效: store=%s chain=%s onchain_settlement=%t worker.limit=%d\n",
				cfg.Store.Backend, cfg.Chain.Kind, cfg.X402.OnchainSettlement, cfg.Worker.Limit)
			return nil
		},
	})
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
