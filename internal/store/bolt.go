package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultBoltPath 默认数据库路径
	DefaultBoltPath = "./data/replay.db"

	// 存储桶名称
	ReplayBucket      = "replay_records"
	PaymentRefBucket  = "payment_refs"
	AccessClaimBucket = "access_claims"
	RunBucket         = "runs"
	TransactionBucket = "transactions"
)

// BoltStore 基于 BoltDB 的单机存储。
// 同一时刻只有一个写事务，每个操作在一个事务内完成。
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	path   string
	now    func() time.Time
}

// NewBoltStore 打开或创建数据库文件
func NewBoltStore(path string, logger *logrus.Logger) (*BoltStore, error) {
	if path == "" {
		path = DefaultBoltPath
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	s := &BoltStore{db: db, logger: logger, path: path, now: time.Now}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("BoltDB 存储已初始化，数据库路径: %s", path)
	return s, nil
}

// initDB 初始化存储桶
func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ReplayBucket, PaymentRefBucket, AccessClaimBucket, RunBucket, TransactionBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

func getReplay(tx *bolt.Tx, replayKey string) (*models.ReplayRecord, error) {
	data := tx.Bucket([]byte(ReplayBucket)).Get([]byte(replayKey))
	if data == nil {
		return nil, nil
	}
	var rec models.ReplayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("解析重放记录失败: %w", err)
	}
	return &rec, nil
}

func putReplay(tx *bolt.Tx, rec *models.ReplayRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化重放记录失败: %w", err)
	}
	if err := tx.Bucket([]byte(ReplayBucket)).Put([]byte(rec.ReplayKey), data); err != nil {
		return err
	}
	return tx.Bucket([]byte(PaymentRefBucket)).Put([]byte(rec.PaymentRef), []byte(rec.ReplayKey))
}

// Get 实现 ReplayStore
func (s *BoltStore) Get(_ context.Context, replayKey string) (*models.ReplayRecord, error) {
	var rec *models.ReplayRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getReplay(tx, replayKey)
		return err
	})
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询重放记录失败")
	}
	return rec, nil
}

// GetByPaymentRef 实现 ReplayStore
func (s *BoltStore) GetByPaymentRef(_ context.Context, paymentRef string) (*models.ReplayRecord, error) {
	var rec *models.ReplayRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(PaymentRefBucket)).Get([]byte(paymentRef))
		if key == nil {
			return nil
		}
		var err error
		rec, err = getReplay(tx, string(key))
		return err
	})
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询重放记录失败")
	}
	return rec, nil
}

// updateReplay 在单个写事务内读取、修改并写回
func (s *BoltStore) updateReplay(replayKey string, fn func(existing *models.ReplayRecord) (*models.ReplayRecord, bool, error)) (*models.ReplayRecord, error) {
	var out *models.ReplayRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getReplay(tx, replayKey)
		if err != nil {
			return err
		}
		rec, changed, err := fn(existing)
		if err != nil {
			return err
		}
		out = rec
		if !changed {
			return nil
		}
		return putReplay(tx, rec)
	})
	return out, err
}

// UpsertPending 实现 ReplayStore
func (s *BoltStore) UpsertPending(_ context.Context, record *models.ReplayRecord) (*models.ReplayRecord, error) {
	now := s.now()
	rec, err := s.updateReplay(record.ReplayKey, func(existing *models.ReplayRecord) (*models.ReplayRecord, bool, error) {
		if existing == nil {
			return newRecord(record, models.ReplayPending, now), true, nil
		}
		if existing.Status == models.ReplayPending && existing.SettlementTxHash == "" && record.SettlementTxHash != "" {
			existing.SettlementTxHash = record.SettlementTxHash
			existing.ExecutionMode = record.ExecutionMode
			existing.UpdatedAt = now
			return existing, true, nil
		}
		return existing, false, nil
	})
	if err != nil {
		return nil, storeError(err, "REPLAY_WRITE_FAILED", "写入待结算记录失败")
	}
	return rec, nil
}

// MarkSettled 实现 ReplayStore
func (s *BoltStore) MarkSettled(_ context.Context, replayKey, txHash string, mode models.ExecutionMode) (*models.ReplayRecord, error) {
	missing := false
	rec, err := s.updateReplay(replayKey, func(existing *models.ReplayRecord) (*models.ReplayRecord, bool, error) {
		if existing == nil {
			missing = true
			return nil, false, nil
		}
		return existing, applySettled(existing, txHash, mode, s.now()), nil
	})
	if err != nil {
		return nil, storeError(err, "REPLAY_WRITE_FAILED", "标记结算失败")
	}
	if missing {
		return nil, notFound(replayKey)
	}
	return rec, nil
}

// ClaimAccess 实现 ReplayStore
func (s *BoltStore) ClaimAccess(_ context.Context, replayKey string) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getReplay(tx, replayKey)
		if err != nil || rec == nil || rec.Status != models.ReplaySettled {
			return err
		}
		b := tx.Bucket([]byte(AccessClaimBucket))
		if b.Get([]byte(replayKey)) != nil {
			return nil
		}
		claimed = true
		return b.Put([]byte(replayKey), []byte(s.now().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return false, storeError(err, "REPLAY_WRITE_FAILED", "登记访问兑换失败")
	}
	return claimed, nil
}

// MarkRejected 实现 ReplayStore
func (s *BoltStore) MarkRejected(_ context.Context, record *models.ReplayRecord, code models.ReasonCode) (*models.ReplayRecord, error) {
	now := s.now()
	rec, err := s.updateReplay(record.ReplayKey, func(existing *models.ReplayRecord) (*models.ReplayRecord, bool, error) {
		if existing == nil {
			rec := newRecord(record, models.ReplayRejected, now)
			rec.ReasonCode = code
			return rec, true, nil
		}
		return existing, applyRejected(existing, code, now), nil
	})
	if err != nil {
		return nil, storeError(err, "REPLAY_WRITE_FAILED", "记录拒绝结果失败")
	}
	return rec, nil
}

// ListPending 实现 ReplayStore
func (s *BoltStore) ListPending(_ context.Context, limit int) ([]*models.ReplayRecord, error) {
	out := make([]*models.ReplayRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ReplayBucket)).ForEach(func(_, v []byte) error {
			var rec models.ReplayRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == models.ReplayPending {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询待结算记录失败")
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

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭 BoltDB 存储")
		return s.db.Close()
	}
	return nil
}

// BoltRunStore 以 RunStore 接口暴露任务桶
type BoltRunStore struct {
	s *BoltStore
}

// Runs 返回任务存储视图
func (s *BoltStore) Runs() *BoltRunStore {
	return &BoltRunStore{s: s}
}

// boltRun 任务及其插入序号
type boltRun struct {
	Seq uint64      `json:"seq"`
	Run *models.Run `json:"run"`
}

func getRun(tx *bolt.Tx, id string) (*boltRun, error) {
	data := tx.Bucket([]byte(RunBucket)).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var r boltRun
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("解析任务失败: %w", err)
	}
	return &r, nil
}

func putRun(tx *bolt.Tx, r *boltRun) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}
	return tx.Bucket([]byte(RunBucket)).Put([]byte(r.Run.ID), data)
}

// Create 实现 RunStore
func (r *BoltRunStore) Create(_ context.Context, run *models.Run) error {
	exists := false
	err := r.s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getRun(tx, run.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			exists = true
			return nil
		}
		seq, err := tx.Bucket([]byte(RunBucket)).NextSequence()
		if err != nil {
			return err
		}
		return putRun(tx, &boltRun{Seq: seq, Run: run})
	})
	if err != nil {
		return storeError(err, "RUN_INSERT_FAILED", "写入任务失败")
	}
	if exists {
		return storeError(nil, "RUN_EXISTS", "任务已存在")
	}
	return nil
}

// Get 实现 RunStore
func (r *BoltRunStore) Get(_ context.Context, id string) (*models.Run, error) {
	var out *models.Run
	err := r.s.db.View(func(tx *bolt.Tx) error {
		existing, err := getRun(tx, id)
		if err != nil || existing == nil {
			return err
		}
		out = existing.Run
		return nil
	})
	if err != nil {
		return nil, storeError(err, "RUN_QUERY_FAILED", "查询任务失败")
	}
	return out, nil
}

// ListByStatus 实现 RunStore，按创建顺序
func (r *BoltRunStore) ListByStatus(_ context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	var matched []*boltRun
	err := r.s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(RunBucket)).ForEach(func(_, v []byte) error {
			var br boltRun
			if err := json.Unmarshal(v, &br); err != nil {
				return err
			}
			if br.Run != nil && br.Run.Status == status {
				matched = append(matched, &br)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storeError(err, "RUN_QUERY_FAILED", "查询任务失败")
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	out := make([]*models.Run, 0, len(matched))
	for _, br := range matched {
		out = append(out, br.Run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Update 实现 RunStore
func (r *BoltRunStore) Update(_ context.Context, run *models.Run, expected models.RunStatus) (bool, error) {
	updated := false
	err := r.s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getRun(tx, run.ID)
		if err != nil || existing == nil || existing.Run.Status != expected {
			return err
		}
		updated = true
		return putRun(tx, &boltRun{Seq: existing.Seq, Run: run})
	})
	if err != nil {
		return false, storeError(err, "RUN_UPDATE_FAILED", "更新任务失败")
	}
	return updated, nil
}

// SaveTransaction 实现 TransactionStore，键为自增序号
func (s *BoltStore) SaveTransaction(_ context.Context, record *models.TransactionRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(TransactionBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
	if err != nil {
		return storeError(err, "TX_INSERT_FAILED", "写入交易记录失败")
	}
	return nil
}

// ListTransactions 实现 TransactionStore，最新的在前
func (s *BoltStore) ListTransactions(_ context.Context, walletAddr string, limit int) ([]*models.TransactionRecord, error) {
	out := make([]*models.TransactionRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(TransactionBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec models.TransactionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if walletAddr != "" && rec.WalletAddr != walletAddr {
				continue
			}
			out = append(out, &rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "TX_QUERY_FAILED", "查询交易记录失败")
	}
	return out, nil
}

// Stats 各存储桶记录数
func (s *BoltStore) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range []string{ReplayBucket, RunBucket, TransactionBucket} {
			stats[name] = tx.Bucket([]byte(name)).Stats().KeyN
		}
		return nil
	})
	return stats, err
}
