package app

import (
	"context"
	"errors"
	"fmt"

	"vaultgate/internal/api"
	"vaultgate/internal/collab"
	"vaultgate/internal/config"
	"vaultgate/internal/events"
	"vaultgate/internal/reconcile"
	"vaultgate/internal/settlement"
	"vaultgate/internal/store"
	"vaultgate/internal/validation"
	"vaultgate/internal/ward"
	"vaultgate/internal/x402"

	"github.com/sirupsen/logrus"
)

// App 按配置组装好的全部组件
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	Stores *store.Backends
	Events events.Publisher

	// 未开启链上校验时为 nil
	Nodes    *settlement.NodePool
	Executor *settlement.Executor

	Codec       *x402.Codec
	Facilitator *x402.Facilitator

	// 未配置钱包后端时为 nil
	Router *ward.Router
	// 未配置代理市场时为 nil
	Identity *reconcile.IdentityResolver
	Worker   *reconcile.Worker

	// 仅 postgres 后端
	Overrides *config.DatabaseConfig
}

// Build 组装组件；失败时已打开的资源会被关闭
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	builder, err := x402.NewChallengeBuilder(cfg.X402)
	if err != nil {
		return nil, err
	}
	verifier, err := x402.NewProofVerifier(cfg.X402.VerifierMode, nil)
	if err != nil {
		return nil, err
	}

	if a.Stores, err = store.Open(ctx, cfg.Store, logger); err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	if a.Events, err = events.New(cfg.Events, logger); err != nil {
		return nil, fmt.Errorf("创建事件输出失败: %w", err)
	}

	if cfg.X402.OnchainSettlement {
		if a.Nodes, err = settlement.NewNodePool(cfg.Chain, nil, logger); err != nil {
			return nil, fmt.Errorf("创建节点池失败: %w", err)
		}
		a.Executor = settlement.NewExecutor(a.Nodes, settlement.ExecutorOptions{
			LegacySettlementCompat: cfg.X402.LegacySettlementCompat,
		}, logger)
	}

	validator := validation.NewValidator(logger, true)
	a.Codec = x402.NewCodec(cfg.X402.MaxHeaderBytes, validator)

	opts := x402.FacilitatorOptions{
		Events:                 a.Events,
		LegacySettlementCompat: cfg.X402.LegacySettlementCompat,
	}
	if a.Executor != nil {
		opts.Checker = a.Executor
	}
	a.Facilitator = x402.NewFacilitator(builder, a.Stores.Replay, verifier, opts, logger)

	timeout := cfg.Collab.TimeoutDuration()
	if cfg.Collab.WalletURL != "" {
		wallet := collab.NewWalletClient(cfg.Collab.WalletURL, cfg.Collab.Token, timeout, logger)
		deps := ward.RouterDeps{
			Snapshots: wallet,
			Direct:    wallet,
			Guardian:  wallet,
			TwoFactor: wallet,
			Submitter: wallet,
			Store:     a.Stores.Transactions,
			Events:    a.Events,
			Validator: validator,
		}
		if a.Executor != nil {
			deps.Confirmer = a.Executor
		}
		engine := ward.NewPolicyEngine(ward.NewTokenRegistry(cfg.Ward.KnownTokens...), logger)
		a.Router = ward.NewRouter(engine, deps, logger)
	} else {
		logger.Warn("未配置 collab.wallet_url，交易路由不可用")
	}

	workerDeps := reconcile.Deps{
		Ledger: a.Stores.Replay,
		Runs:   a.Stores.Runs,
		Events: a.Events,
	}
	if a.Executor != nil {
		workerDeps.Checker = a.Executor
	}
	if cfg.Collab.MarketplaceURL != "" {
		market := collab.NewMarketplaceClient(cfg.Collab.MarketplaceURL, cfg.Collab.Token, timeout, logger)
		a.Identity = &reconcile.IdentityResolver{
			Profiles: market,
			Checker:  market,
			Enforce:  cfg.Worker.EnforceIdentity,
		}
		workerDeps.Identity = a.Identity
		workerDeps.Runtime = market
	} else {
		logger.Warn("未配置 collab.marketplace_url，任务将停留在 queued")
	}
	a.Worker = reconcile.NewWorker(workerDeps, logger)

	if cfg.Store.Backend == "postgres" {
		if a.Overrides, err = config.NewDatabaseConfig(cfg.Store.PostgresDSN, logger); err != nil {
			return nil, fmt.Errorf("连接配置数据库失败: %w", err)
		}
	}

	return a, nil
}

// Server 创建 HTTP 服务器
func (a *App) Server(port int) *api.Server {
	svc := api.Services{
		Config:       a.Config,
		Facilitator:  a.Facilitator,
		Codec:        a.Codec,
		Replay:       a.Stores.Replay,
		Runs:         a.Stores.Runs,
		Transactions: a.Stores.Transactions,
		Router:       a.Router,
		Worker:       a.Worker,
		Identity:     a.Identity,
		Overrides:    a.Overrides,
	}
	if a.Nodes != nil {
		svc.Nodes = a.Nodes
	}
	return api.NewServer(svc, port, a.Logger)
}

// Close 逆序释放资源
func (a *App) Close() error {
	var errs []error
	if a.Router != nil {
		a.Router.Wait()
	}
	if a.Overrides != nil {
		errs = append(errs, a.Overrides.Close())
	}
	if a.Nodes != nil {
		a.Nodes.Close()
	}
	if a.Events != nil {
		errs = append(errs, a.Events.Close())
	}
	if a.Stores != nil {
		errs = append(errs, a.Stores.Close())
	}
	return errors.Join(errs...)
}
