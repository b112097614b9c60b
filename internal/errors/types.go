package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 链相关错误
	ErrorTypeChainRPC ErrorType = iota
	ErrorTypeTimeout

	// 存储相关错误
	ErrorTypeStore
	ErrorTypeConflict

	// 数据相关错误
	ErrorTypeValidation
	ErrorTypeSerialization

	// 协作方错误
	ErrorTypeCollaborator
	ErrorTypeStrategy

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ServiceError 基础设施错误（请求路径上的业务拒绝使用 models.ReasonCode，不走这里）
type ServiceError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较，便于 errors.Is(err, ErrStoreConflict)
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable 判断是否可重试
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置组件名
func (e *ServiceError) WithComponent(component string) *ServiceError {
	e.Component = component
	return e
}

// WithTxHash 添加交易哈希
func (e *ServiceError) WithTxHash(txHash string) *ServiceError {
	e.TxHash = &txHash
	return e
}

// New 创建新的错误
func New(errorType ErrorType, severity ErrorSeverity, code, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// Wrap 包装现有错误
func Wrap(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ServiceError {
	e := New(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeChainRPC, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	case ErrorTypeStore:
		return true
	default:
		return false
	}
}

// 预定义错误，只用于 errors.Is 比较
var (
	ErrStoreConflict = New(ErrorTypeConflict, SeverityMedium, "STORE_CONFLICT", "状态转换冲突")
	ErrNotFound      = New(ErrorTypeStore, SeverityLow, "NOT_FOUND", "记录不存在")
	ErrConfigInvalid = New(ErrorTypeConfig, SeverityCritical, "CONFIG_INVALID", "配置无效")
	ErrStrategy      = New(ErrorTypeStrategy, SeverityHigh, "STRATEGY_FAILED", "执行策略失败")
)

// IsCode 判断错误链中是否包含指定错误码
func IsCode(err error, code string) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeChainRPC:      "ChainRPC",
	ErrorTypeTimeout:       "Timeout",
	ErrorTypeStore:         "Store",
	ErrorTypeConflict:      "Conflict",
	ErrorTypeValidation:    "Validation",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeCollaborator:  "Collaborator",
	ErrorTypeStrategy:      "Strategy",
	ErrorTypeConfig:        "Config",
	ErrorTypeKafka:         "Kafka",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*ServiceError       `json:"recent_errors"`
	LastError         *ServiceError         `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*ServiceError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ServiceError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
