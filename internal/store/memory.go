package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"vaultgate/pkg/models"
)

// MemoryReplayStore 进程内重放账本，无法提供跨进程重放保护，只用于测试与单进程演示
type MemoryReplayStore struct {
	mu      sync.Mutex
	records map[string]*models.ReplayRecord
	claims  map[string]time.Time
	now     func() time.Time
}

// NewMemoryReplayStore 创建内存重放账本
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{
		records: make(map[string]*models.ReplayRecord),
		claims:  make(map[string]time.Time),
		now:     time.Now,
	}
}

func cloneRecord(rec *models.ReplayRecord) *models.ReplayRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}

// Get 实现 ReplayStore
func (s *MemoryReplayStore) Get(_ context.Context, replayKey string) (*models.ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecord(s.records[replayKey]), nil
}

// GetByPaymentRef 实现 ReplayStore
func (s *MemoryReplayStore) GetByPaymentRef(_ context.Context, paymentRef string) (*models.ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.PaymentRef == paymentRef {
			return cloneRecord(rec), nil
		}
	}
	return nil, nil
}

// UpsertPending 实现 ReplayStore
func (s *MemoryReplayStore) UpsertPending(_ context.Context, record *models.ReplayRecord) (*models.ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[record.ReplayKey]
	if !ok {
		rec := newRecord(record, models.ReplayPending, s.now())
		s.records[rec.ReplayKey] = rec
		return cloneRecord(rec), nil
	}
	if existing.Status == models.ReplayPending && existing.SettlementTxHash == "" && record.SettlementTxHash != "" {
		existing.SettlementTxHash = record.SettlementTxHash
		existing.ExecutionMode = record.ExecutionMode
		existing.UpdatedAt = s.now()
	}
	return cloneRecord(existing), nil
}

// MarkSettled 实现 ReplayStore
func (s *MemoryReplayStore) MarkSettled(_ context.Context, replayKey, txHash string, mode models.ExecutionMode) (*models.ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[replayKey]
	if !ok {
		return nil, notFound(replayKey)
	}
	applySettled(existing, txHash, mode, s.now())
	return cloneRecord(existing), nil
}

// MarkRejected 实现 ReplayStore
func (s *MemoryReplayStore) MarkRejected(_ context.Context, record *models.ReplayRecord, code models.ReasonCode) (*models.ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[record.ReplayKey]
	if !ok {
		rec := newRecord(record, models.ReplayRejected, s.now())
		rec.ReasonCode = code
		s.records[rec.ReplayKey] = rec
		return cloneRecord(rec), nil
	}
	applyRejected(existing, code, s.now())
	return cloneRecord(existing), nil
}

// ListPending 实现 ReplayStore
func (s *MemoryReplayStore) ListPending(_ context.Context, limit int) ([]*models.ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ReplayRecord, 0)
	for _, rec := range s.records {
		if rec.Status == models.ReplayPending {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ReplayKey < out[j].ReplayKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimAccess 实现 ReplayStore
func (s *MemoryReplayStore) ClaimAccess(_ context.Context, replayKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[replayKey]
	if !ok || rec.Status != models.ReplaySettled {
		return false, nil
	}
	if _, claimed := s.claims[replayKey]; claimed {
		return false, nil
	}
	s.claims[replayKey] = s.now()
	return true, nil
}

// Close 实现 ReplayStore
func (s *MemoryReplayStore) Close() error { return nil }

// MemoryRunStore 进程内任务存储
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*models.Run
	seq  map[string]int
	next int
}

// NewMemoryRunStore 创建内存任务存储
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*models.Run),
		seq:  make(map[string]int),
	}
}

// cloneRun 深拷贝，避免调用方修改内部状态
func cloneRun(run *models.Run) *models.Run {
	if run == nil {
		return nil
	}
	raw, _ := json.Marshal(run)
	var c models.Run
	_ = json.Unmarshal(raw, &c)
	return &c
}

// Create 实现 RunStore
func (s *MemoryRunStore) Create(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return storeError(nil, "RUN_EXISTS", "任务已存在")
	}
	s.runs[run.ID] = cloneRun(run)
	s.seq[run.ID] = s.next
	s.next++
	return nil
}

// Get 实现 RunStore
func (s *MemoryRunStore) Get(_ context.Context, id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRun(s.runs[id]), nil
}

// ListByStatus 实现 RunStore，按创建顺序
func (s *MemoryRunStore) ListByStatus(_ context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Run, 0)
	for _, run := range s.runs {
		if run.Status == status {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update 实现 RunStore
func (s *MemoryRunStore) Update(_ context.Context, run *models.Run, expected models.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[run.ID]
	if !ok || current.Status != expected {
		return false, nil
	}
	s.runs[run.ID] = cloneRun(run)
	return true, nil
}

// MemoryTransactionStore 进程内交易记录
type MemoryTransactionStore struct {
	mu      sync.Mutex
	records []*models.TransactionRecord
}

// NewMemoryTransactionStore 创建内存交易记录存储
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{}
}

// SaveTransaction 实现 TransactionStore
func (s *MemoryTransactionStore) SaveTransaction(_ context.Context, record *models.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *record
	s.records = append(s.records, &c)
	return nil
}

// ListTransactions 实现 TransactionStore，最新的在前
func (s *MemoryTransactionStore) ListTransactions(_ context.Context, walletAddr string, limit int) ([]*models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.TransactionRecord, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		if walletAddr != "" && s.records[i].WalletAddr != walletAddr {
			continue
		}
		c := *s.records[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
