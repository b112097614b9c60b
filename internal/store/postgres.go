package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vaultgate/pkg/models"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Schema 所需表结构
const Schema = `
CREATE TABLE IF NOT EXISTS x402_replay_records (
	replay_key         TEXT PRIMARY KEY,
	payment_ref        TEXT NOT NULL UNIQUE,
	status             TEXT NOT NULL CHECK (status IN ('pending', 'settled', 'rejected')),
	settlement_tx_hash TEXT NOT NULL DEFAULT '',
	reason_code        TEXT NOT NULL DEFAULT '',
	execution_mode     TEXT NOT NULL DEFAULT '',
	challenge_id       TEXT NOT NULL DEFAULT '',
	token              TEXT NOT NULL DEFAULT '',
	amount             TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replay_pending ON x402_replay_records (created_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS x402_access_claims (
	replay_key TEXT PRIMARY KEY REFERENCES x402_replay_records (replay_key),
	claimed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS marketplace_runs (
	id                  TEXT PRIMARY KEY,
	seq                 BIGSERIAL,
	hire_id             TEXT NOT NULL,
	agent_id            TEXT NOT NULL,
	action              TEXT NOT NULL,
	params              JSONB,
	payment_ref         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL CHECK (status IN ('pending_payment', 'queued', 'running', 'completed', 'failed')),
	reason_code         TEXT NOT NULL DEFAULT '',
	payment_evidence    JSONB NOT NULL,
	execution_tx_hashes JSONB,
	result              JSONB,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON marketplace_runs (status, seq);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id             BIGSERIAL PRIMARY KEY,
	account_type   TEXT NOT NULL,
	route          TEXT NOT NULL,
	tx_hash        TEXT NOT NULL,
	wallet_address TEXT NOT NULL,
	meta           JSONB,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet ON wallet_transactions (wallet_address, created_at DESC);

CREATE TABLE IF NOT EXISTS service_config (
	config_key   TEXT PRIMARY KEY,
	config_value TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT true,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const replayColumns = `replay_key, payment_ref, status, settlement_tx_hash, reason_code, execution_mode, challenge_id, token, amount, created_at, updated_at`

// PostgresStore 基于 Postgres 的重放账本、任务与交易记录存储
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewPostgresStore 连接数据库
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresStoreFromDB(db, logger), nil
}

// NewPostgresStoreFromDB 使用已有连接
func NewPostgresStoreFromDB(db *sql.DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, now: time.Now}
}

// EnsureSchema 创建表结构
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return storeError(err, "SCHEMA_FAILED", "创建表结构失败")
	}
	s.logger.Info("数据库表结构已就绪")
	return nil
}

// DB 底层连接
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReplay(row rowScanner) (*models.ReplayRecord, error) {
	var (
		rec    models.ReplayRecord
		status string
		reason string
		mode   string
	)
	err := row.Scan(&rec.ReplayKey, &rec.PaymentRef, &status, &rec.SettlementTxHash, &reason, &mode,
		&rec.ChallengeID, &rec.Token, &rec.Amount, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = models.ReplayStatus(status)
	rec.ReasonCode = models.ReasonCode(reason)
	rec.ExecutionMode = models.ExecutionMode(mode)
	return &rec, nil
}

// queryReplay 执行返回单条记录的语句，没有行时返回 nil, nil
func (s *PostgresStore) queryReplay(ctx context.Context, query string, args ...interface{}) (*models.ReplayRecord, error) {
	rec, err := scanReplay(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询重放记录失败")
	}
	return rec, nil
}

// Get 实现 ReplayStore
func (s *PostgresStore) Get(ctx context.Context, replayKey string) (*models.ReplayRecord, error) {
	return s.queryReplay(ctx, `SELECT `+replayColumns+` FROM x402_replay_records WHERE replay_key = $1`, replayKey)
}

// GetByPaymentRef 实现 ReplayStore
func (s *PostgresStore) GetByPaymentRef(ctx context.Context, paymentRef string) (*models.ReplayRecord, error) {
	return s.queryReplay(ctx, `SELECT `+replayColumns+` FROM x402_replay_records WHERE payment_ref = $1`, paymentRef)
}

// UpsertPending 实现 ReplayStore
func (s *PostgresStore) UpsertPending(ctx context.Context, record *models.ReplayRecord) (*models.ReplayRecord, error) {
	query := `
		INSERT INTO x402_replay_records (` + replayColumns + `)
		VALUES ($1, $2, 'pending', $3, '', $4, $5, $6, $7, $8, $8)
		ON CONFLICT (replay_key) DO UPDATE SET
			settlement_tx_hash = EXCLUDED.settlement_tx_hash,
			execution_mode = EXCLUDED.execution_mode,
			updated_at = EXCLUDED.updated_at
		WHERE x402_replay_records.status = 'pending'
			AND x402_replay_records.settlement_tx_hash = ''
			AND EXCLUDED.settlement_tx_hash <> ''
		RETURNING ` + replayColumns

	rec, err := s.queryReplay(ctx, query, record.ReplayKey, record.PaymentRef, record.SettlementTxHash,
		string(record.ExecutionMode), record.ChallengeID, record.Token, record.Amount, s.now())
	if err != nil || rec != nil {
		return rec, err
	}
	// 冲突且未更新：返回现有记录
	return s.Get(ctx, record.ReplayKey)
}

// MarkSettled 实现 ReplayStore
func (s *PostgresStore) MarkSettled(ctx context.Context, replayKey, txHash string, mode models.ExecutionMode) (*models.ReplayRecord, error) {
	query := `
		UPDATE x402_replay_records SET
			status = 'settled',
			settlement_tx_hash = COALESCE(NULLIF($2, ''), settlement_tx_hash),
			execution_mode = COALESCE(NULLIF($3, ''), execution_mode),
			reason_code = '',
			updated_at = $4
		WHERE replay_key = $1 AND status = 'pending'
		RETURNING ` + replayColumns

	rec, err := s.queryReplay(ctx, query, replayKey, txHash, string(mode), s.now())
	if err != nil || rec != nil {
		return rec, err
	}
	existing, err := s.Get(ctx, replayKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, notFound(replayKey)
	}
	return existing, nil
}

// ClaimAccess 实现 ReplayStore，主键冲突说明已被兑换
func (s *PostgresStore) ClaimAccess(ctx context.Context, replayKey string) (bool, error) {
	query := `
		INSERT INTO x402_access_claims (replay_key, claimed_at)
		SELECT replay_key, $2 FROM x402_replay_records
		WHERE replay_key = $1 AND status = 'settled'
		ON CONFLICT (replay_key) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, replayKey, s.now())
	if err != nil {
		return false, storeError(err, "REPLAY_WRITE_FAILED", "登记访问兑换失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeError(err, "REPLAY_WRITE_FAILED", "登记访问兑换失败")
	}
	return n == 1, nil
}

// MarkRejected 实现 ReplayStore
func (s *PostgresStore) MarkRejected(ctx context.Context, record *models.ReplayRecord, code models.ReasonCode) (*models.ReplayRecord, error) {
	query := `
		INSERT INTO x402_replay_records (` + replayColumns + `)
		VALUES ($1, $2, 'rejected', $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (replay_key) DO UPDATE SET
			status = 'rejected',
			reason_code = EXCLUDED.reason_code,
			updated_at = EXCLUDED.updated_at
		WHERE x402_replay_records.status = 'pending'
		RETURNING ` + replayColumns

	rec, err := s.queryReplay(ctx, query, record.ReplayKey, record.PaymentRef, record.SettlementTxHash,
		string(code), string(record.ExecutionMode), record.ChallengeID, record.Token, record.Amount, s.now())
	if err != nil || rec != nil {
		return rec, err
	}
	return s.Get(ctx, record.ReplayKey)
}

// ListPending 实现 ReplayStore
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*models.ReplayRecord, error) {
	query := `SELECT ` + replayColumns + ` FROM x402_replay_records
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, storeError(err, "REPLAY_QUERY_FAILED", "查询待结算记录失败")
	}
	defer rows.Close()

	out := make([]*models.ReplayRecord, 0)
	for rows.Next() {
		rec, err := scanReplay(rows)
		if err != nil {
			return nil, storeError(err, "REPLAY_SCAN_FAILED", "解析重放记录失败")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const runColumns = `id, hire_id, agent_id, action, params, payment_ref, status, reason_code, payment_evidence, execution_tx_hashes, result, created_at, updated_at`

// runJSON 任务中以 JSONB 存储的字段
type runJSON struct {
	params, evidence, hashes, result []byte
}

func encodeRun(run *models.Run) (*runJSON, error) {
	var (
		out runJSON
		err error
	)
	if out.params, err = json.Marshal(run.Params); err != nil {
		return nil, err
	}
	if out.evidence, err = json.Marshal(run.PaymentEvidence); err != nil {
		return nil, err
	}
	if out.hashes, err = json.Marshal(run.ExecutionTxHashes); err != nil {
		return nil, err
	}
	if out.result, err = json.Marshal(run.Result); err != nil {
		return nil, err
	}
	return &out, nil
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run    models.Run
		status string
		raw    runJSON
	)
	err := row.Scan(&run.ID, &run.HireID, &run.AgentID, &run.Action, &raw.params, &run.PaymentRef, &status,
		&run.ReasonCode, &raw.evidence, &raw.hashes, &raw.result, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)

	for _, field := range []struct {
		raw []byte
		dst interface{}
	}{
		{raw.params, &run.Params},
		{raw.evidence, &run.PaymentEvidence},
		{raw.hashes, &run.ExecutionTxHashes},
		{raw.result, &run.Result},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dst); err != nil {
			return nil, fmt.Errorf("解析任务字段失败: %w", err)
		}
	}
	return &run, nil
}

// Create 实现 RunStore
func (s *PostgresStore) Create(ctx context.Context, run *models.Run) error {
	raw, err := encodeRun(run)
	if err != nil {
		return storeError(err, "RUN_ENCODE_FAILED", "序列化任务失败")
	}
	query := `INSERT INTO marketplace_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.db.ExecContext(ctx, query, run.ID, run.HireID, run.AgentID, run.Action, raw.params, run.PaymentRef,
		string(run.Status), run.ReasonCode, raw.evidence, raw.hashes, raw.result, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return storeError(err, "RUN_INSERT_FAILED", "写入任务失败")
	}
	return nil
}

// Get 实现 RunStore
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM marketplace_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "RUN_QUERY_FAILED", "查询任务失败")
	}
	return run, nil
}

// ListByStatus 实现 RunStore，按插入顺序
func (s *PostgresStore) ListByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM marketplace_runs
		WHERE status = $1 ORDER BY seq ASC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, storeError(err, "RUN_QUERY_FAILED", "查询任务失败")
	}
	defer rows.Close()

	out := make([]*models.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeError(err, "RUN_SCAN_FAILED", "解析任务失败")
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Update 实现 RunStore，以状态为乐观锁
func (s *PostgresStore) Update(ctx context.Context, run *models.Run, expected models.RunStatus) (bool, error) {
	raw, err := encodeRun(run)
	if err != nil {
		return false, storeError(err, "RUN_ENCODE_FAILED", "序列化任务失败")
	}
	query := `
		UPDATE marketplace_runs SET
			status = $2, reason_code = $3, payment_evidence = $4,
			execution_tx_hashes = $5, result = $6, updated_at = $7
		WHERE id = $1 AND status = $8`
	res, err := s.db.ExecContext(ctx, query, run.ID, string(run.Status), run.ReasonCode, raw.evidence,
		raw.hashes, raw.result, run.UpdatedAt, string(expected))
	if err != nil {
		return false, storeError(err, "RUN_UPDATE_FAILED", "更新任务失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeError(err, "RUN_UPDATE_FAILED", "更新任务失败")
	}
	return n == 1, nil
}

// SaveTransaction 实现 TransactionStore
func (s *PostgresStore) SaveTransaction(ctx context.Context, record *models.TransactionRecord) error {
	meta, err := json.Marshal(record.Meta)
	if err != nil {
		return storeError(err, "TX_ENCODE_FAILED", "序列化交易元数据失败")
	}
	query := `INSERT INTO wallet_transactions (account_type, route, tx_hash, wallet_address, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.ExecContext(ctx, query, string(record.AccountType), string(record.Route), record.TxHash,
		record.WalletAddr, meta, record.CreatedAt); err != nil {
		return storeError(err, "TX_INSERT_FAILED", "写入交易记录失败")
	}
	return nil
}

// ListTransactions 实现 TransactionStore
func (s *PostgresStore) ListTransactions(ctx context.Context, walletAddr string, limit int) ([]*models.TransactionRecord, error) {
	query := `SELECT account_type, route, tx_hash, wallet_address, meta, created_at FROM wallet_transactions
		WHERE ($1 = '' OR wallet_address = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, walletAddr, limit)
	if err != nil {
		return nil, storeError(err, "TX_QUERY_FAILED", "查询交易记录失败")
	}
	defer rows.Close()

	out := make([]*models.TransactionRecord, 0)
	for rows.Next() {
		var (
			rec         models.TransactionRecord
			accountType string
			route       string
			meta        []byte
		)
		if err := rows.Scan(&accountType, &route, &rec.TxHash, &rec.WalletAddr, &meta, &rec.CreatedAt); err != nil {
			return nil, storeError(err, "TX_SCAN_FAILED", "解析交易记录失败")
		}
		rec.AccountType = models.AccountType(accountType)
		rec.Route = models.Route(route)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Meta)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PostgresRunStore 以 RunStore 接口暴露任务表（Get 与重放账本同名）
type PostgresRunStore struct {
	*PostgresStore
}

// Runs 返回任务存储视图
func (s *PostgresStore) Runs() *PostgresRunStore {
	return &PostgresRunStore{PostgresStore: s}
}

// Get 实现 RunStore
func (r *PostgresRunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	return r.GetRun(ctx, id)
}
