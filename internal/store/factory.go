package store

import (
	"context"
	"fmt"

	"vaultgate/internal/config"

	"github.com/sirupsen/logrus"
)

// Backends 按配置组装好的各类存储
type Backends struct {
	Replay       ReplayStore
	Runs         RunStore
	Transactions TransactionStore
	closers      []func() error
}

// Close 关闭所有底层连接
func (b *Backends) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open 根据 store.backend 打开存储
func Open(ctx context.Context, cfg *config.StoreConfig, logger *logrus.Logger) (*Backends, error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := openPostgres(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return &Backends{Replay: pg, Runs: pg.Runs(), Transactions: pg, closers: []func() error{pg.Close}}, nil

	case "redis":
		pg, err := openPostgres(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		rs, err := NewRedisReplayStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			pg.Close()
			return nil, err
		}
		return &Backends{Replay: rs, Runs: pg.Runs(), Transactions: pg, closers: []func() error{pg.Close, rs.Close}}, nil

	case "bolt":
		bs, err := NewBoltStore(cfg.BoltPath, logger)
		if err != nil {
			return nil, err
		}
		return &Backends{Replay: bs, Runs: bs.Runs(), Transactions: bs, closers: []func() error{bs.Close}}, nil

	case "memory":
		logger.Warn("使用内存存储：重放保护仅在当前进程内有效")
		return &Backends{
			Replay:       NewMemoryReplayStore(),
			Runs:         NewMemoryRunStore(),
			Transactions: NewMemoryTransactionStore(),
		}, nil

	default:
		return nil, fmt.Errorf("不支持的存储后端: %s", cfg.Backend)
	}
}

func openPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	pg, err := NewPostgresStore(dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
