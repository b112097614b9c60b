package events

import (
	"context"

	"vaultgate/internal/config"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
)

// 事件类型对应的 topic 键
const (
	TopicPayments = "payments"
	TopicRuns     = "runs"
	TopicRoutes   = "routes"
)

var defaultTopics = map[string]string{
	TopicPayments: "vaultgate_payments",
	TopicRuns:     "vaultgate_runs",
	TopicRoutes:   "vaultgate_routes",
}

// Publisher 领域事件输出接口
type Publisher interface {
	PublishPayment(ctx context.Context, record *models.ReplayRecord) error
	PublishRun(ctx context.Context, run *models.Run) error
	PublishRoute(ctx context.Context, record *models.TransactionRecord) error
	PublishRouteFailure(ctx context.Context, failure *models.RouteFailure) error
	Close() error
}

// New 根据配置创建事件输出器，未启用时退化为日志输出
func New(cfg *config.EventsConfig, logger *logrus.Logger) (Publisher, error) {
	if cfg == nil || !cfg.Enabled {
		return NewLogPublisher(logger), nil
	}
	kp, err := NewKafkaPublisher(cfg.Brokers, cfg.Topics, logger)
	if err != nil {
		return nil, err
	}
	return kp, nil
}

// LogPublisher 只写日志的事件输出
type LogPublisher struct {
	logger *logrus.Logger
}

// NewLogPublisher 创建日志事件输出
func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) emit(msg map[string]interface{}) error {
	p.logger.WithFields(logrus.Fields(msg)).Info("领域事件")
	return nil
}

// PublishPayment 记录支付事件
func (p *LogPublisher) PublishPayment(_ context.Context, record *models.ReplayRecord) error {
	return p.emit(record.ToKafkaMessage())
}

// PublishRun 记录任务事件
func (p *LogPublisher) PublishRun(_ context.Context, run *models.Run) error {
	return p.emit(run.ToKafkaMessage())
}

// PublishRoute 记录路由事件
func (p *LogPublisher) PublishRoute(_ context.Context, record *models.TransactionRecord) error {
	return p.emit(record.ToKafkaMessage())
}

// PublishRouteFailure 记录路由失败审计
func (p *LogPublisher) PublishRouteFailure(_ context.Context, failure *models.RouteFailure) error {
	msg := failure.ToKafkaMessage()
	p.logger.WithFields(logrus.Fields(msg)).Warn("路由执行失败")
	return nil
}

// Close 无需释放资源
func (p *LogPublisher) Close() error { return nil }

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) PublishPayment(context.Context, *models.ReplayRecord) error { return nil }
func (NopPublisher) PublishRun(context.Context, *models.Run) error { return nil }
func (NopPublisher) PublishRoute(context.Context, *models.TransactionRecord) error { return nil }
func (NopPublisher) PublishRouteFailure(context.Context, *models.RouteFailure) error { return nil }
func (NopPublisher) Close() error { return nil }
