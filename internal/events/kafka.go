package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vaultgate/internal/metrics"
	"vaultgate/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaPublisher Kafka事件输出器
type KafkaPublisher struct {
	logger   *logrus.Logger
	topics   map[string]string // 事件类别到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaPublisher 创建Kafka事件输出器
func NewKafkaPublisher(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaPublisher, error) {
	logger.Infof("初始化Kafka事件输出器，brokers: %v", brokers)

	// 配置Kafka生产者
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_8_0_0

	// 创建同步生产者
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaPublisherWithProducer(producer, topics, logger), nil
}

// NewKafkaPublisherWithProducer 使用已有生产者创建输出器
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaPublisher {
	merged := make(map[string]string, len(defaultTopics))
	for k, v := range defaultTopics {
		merged[k] = v
	}
	for k, v := range topics {
		if v != "" {
			merged[k] = v
		}
	}

	return &KafkaPublisher{
		logger:   logger,
		topics:   merged,
		producer: producer,
	}
}

// sendToKafka 发送事件到Kafka，key 保证同一实体的事件落在同一分区
func (k *KafkaPublisher) sendToKafka(ctx context.Context, topicKey, key string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eventType, _ := data["type"].(string)
	jsonData, err := json.Marshal(data)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topics[topicKey],
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("发送事件到Kafka失败: %w", err)
	}

	metrics.EventsPublished.WithLabelValues(eventType, "ok").Inc()
	k.logger.Debugf("成功发送事件 %s 到 topic '%s' (partition: %d, offset: %d)",
		eventType, msg.Topic, partition, offset)
	return nil
}

// PublishPayment 发送支付状态事件
func (k *KafkaPublisher) PublishPayment(ctx context.Context, record *models.ReplayRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafka(ctx, TopicPayments, record.ReplayKey, record.ToKafkaMessage())
}

// PublishRun 发送任务状态事件
func (k *KafkaPublisher) PublishRun(ctx context.Context, run *models.Run) error {
	if run == nil {
		return nil
	}
	return k.sendToKafka(ctx, TopicRuns, run.ID, run.ToKafkaMessage())
}

// PublishRoute 发送路由执行事件
func (k *KafkaPublisher) PublishRoute(ctx context.Context, record *models.TransactionRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafka(ctx, TopicRoutes, record.WalletAddr, record.ToKafkaMessage())
}

// PublishRouteFailure 发送路由失败审计事件
func (k *KafkaPublisher) PublishRouteFailure(ctx context.Context, failure *models.RouteFailure) error {
	if failure == nil {
		return nil
	}
	return k.sendToKafka(ctx, TopicRoutes, failure.WalletAddr, failure.ToKafkaMessage())
}

// Close 关闭Kafka连接
func (k *KafkaPublisher) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
