package main

import (
	"context"
	"errors"
	"time"

	"vaultgate/internal/app"
	"vaultgate/internal/shutdown"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		port        int
		noWorker    bool
		stopTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与对账任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if port <= 0 {
				port = cfg.Server.Port
			}

			manager := shutdown.NewManager(stopTimeout, logger)
			ctx := manager.Context()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			server := a.Server(port)

			manager.Register("http", shutdown.OrderHTTP, server.Stop)
			manager.Register("resources", shutdown.OrderStores, func(context.Context) error {
				return a.Close()
			})
			manager.ListenSignals()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Start(gctx)
			})
			if !noWorker {
				g.Go(func() error {
					err := a.Worker.Start(gctx, cfg.Worker.IntervalDuration(), cfg.Worker.Limit)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			// 任一组件异常退出时触发整体停机
			g.Go(func() error {
				<-gctx.Done()
				go manager.Shutdown()
				return nil
			})

			runErr := g.Wait()
			<-manager.Done()
			logger.Info("服务已停止")
			return runErr
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP 端口，默认使用配置 server.port")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "不在本进程内运行对账任务")
	cmd.Flags().DurationVar(&stopTimeout, "shutdown-timeout", 30*time.Second, "停机超时")
	return cmd
}
