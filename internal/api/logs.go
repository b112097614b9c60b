package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 这些字段可能携带证明、签名或凭证，不进入内存日志
var sensitiveFields = map[string]struct{}{
	"signature":      {},
	"proof":          {},
	"signing_secret": {},
	"token":          {},
	"authorization":  {},
}

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 固定容量的环形日志缓冲
type LogManager struct {
	mu    sync.RWMutex
	ring  []LogEntry
	next  int
	count int
}

// NewLogManager 创建日志管理器
func NewLogManager(capacity int) *LogManager {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogManager{ring: make([]LogEntry, capacity)}
}

// AddLog 追加一条，满了覆盖最旧的
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	var fields map[string]interface{}
	if len(entry.Data) > 0 {
		fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if _, ok := sensitiveFields[strings.ToLower(k)]; ok {
				v = redacted
			}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.ring[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % len(lm.ring)
	if lm.count < len(lm.ring) {
		lm.count++
	}
}

// snapshot 从旧到新
func (lm *LogManager) snapshot() []LogEntry {
	out := make([]LogEntry, 0, lm.count)
	start := (lm.next - lm.count + len(lm.ring)) % len(lm.ring)
	for i := 0; i < lm.count; i++ {
		out = append(out, lm.ring[(start+i)%len(lm.ring)])
	}
	return out
}

// GetLogs 按最低级别过滤后分页，最新的在前；返回过滤后的总数
func (lm *LogManager) GetLogs(minLevel string, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	all := lm.snapshot()
	lm.mu.RUnlock()

	threshold := logrus.TraceLevel
	if minLevel != "" {
		if lvl, err := logrus.ParseLevel(minLevel); err == nil {
			threshold = lvl
		}
	}

	filtered := make([]LogEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		lvl, err := logrus.ParseLevel(all[i].Level)
		if err != nil || lvl <= threshold {
			filtered = append(filtered, all[i])
		}
	}

	total := len(filtered)
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return filtered[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.ring = make([]LogEntry, len(lm.ring))
	lm.next, lm.count = 0, 0
}

// LogHook 把 logrus 输出同步到 LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// getLogs GET /logs?level=warn&page=1&page_size=50
func (s *Server) getLogs(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 100)
	logs, total := s.logManager.GetLogs(c.Query("level"), page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":      logs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// clearLogs DELETE /logs
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}
