package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderHTTP    = 10 // 停止接受请求
	OrderWorker  = 20 // 等待对账轮次结束
	OrderEvents  = 30 // 刷新事件生产者
	OrderChain   = 40 // 关闭节点连接
	OrderStores  = 50 // 关闭存储
	OrderCleanup = 60
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// Manager 优雅停机管理器：收到信号或手动触发后取消根上下文，再按顺序执行 Hook
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	hooks    []Hook
	stopping bool
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	sigCh  chan os.Signal
}

// NewManager 创建停机管理器
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register 注册停机处理函数
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Func: fn, Order: order})
	m.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Context 根上下文，停机开始时取消
func (m *Manager) Context() context.Context {
	return m.ctx
}

// ListenSignals 监听 SIGINT/SIGTERM/SIGQUIT 并触发停机
func (m *Manager) ListenSignals() {
	m.sigCh = make(chan os.Signal, 1)
	signal.Notify(m.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		select {
		case sig := <-m.sigCh:
			m.logger.Infof("收到停机信号: %v", sig)
			m.Shutdown()
		case <-m.done:
		}
	}()
	m.logger.Info("停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Shutdown 执行停机，重复调用只执行一次并等待首次调用完成
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.stopping = true
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	defer close(m.done)
	if m.sigCh != nil {
		signal.Stop(m.sigCh)
	}

	m.logger.Info("开始优雅停机流程...")
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	var errs []error
	for _, h := range hooks {
		if ctx.Err() != nil {
			m.logger.Warnf("停机超时，跳过: %s", h.Name)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, ctx.Err()))
			continue
		}
		start := time.Now()
		if err := h.Func(ctx); err != nil {
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", h.Name, time.Since(start))
	}

	if len(errs) > 0 {
		m.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return errors.Join(errs...)
	}
	m.logger.Info("优雅停机流程完成")
	return nil
}

// Done 停机完成后关闭
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// IsShuttingDown 是否正在停机
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// Hooks 已注册的处理函数名，按执行顺序
func (m *Manager) Hooks() []string {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}
