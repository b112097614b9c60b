package errors

import (
	stderrors "errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器：统计并按严重级别记录日志
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
		stats:  NewErrorStats(),
	}
}

// Handle 处理错误，返回规范化后的 ServiceError
func (eh *ErrorHandler) Handle(component string, err error) *ServiceError {
	if err == nil {
		return nil
	}

	var se *ServiceError
	if !stderrors.As(err, &se) {
		se = Wrap(err, ErrorTypeStore, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}
	if se.Component == "" {
		se.Component = component
	}

	eh.mu.Lock()
	eh.stats.RecordError(se)
	eh.mu.Unlock()

	entry := eh.logger.WithFields(logrus.Fields{
		"error_type": se.Type.String(),
		"error_code": se.Code,
		"component":  se.Component,
		"retryable":  se.Retryable,
		"context":    se.Context,
	})
	if se.TxHash != nil {
		entry = entry.WithField("tx_hash", *se.TxHash)
	}

	switch se.Severity {
	case SeverityLow:
		entry.Debug(se.Error())
	case SeverityMedium:
		entry.Warn(se.Error())
	default:
		entry.Error(se.Error())
	}

	return se
}

// Stats 获取错误统计快照
func (eh *ErrorHandler) Stats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.RecentErrors = append([]*ServiceError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// Reset 清除统计信息
func (eh *ErrorHandler) Reset() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
