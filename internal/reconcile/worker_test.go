package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/store"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	mu     sync.Mutex
	states map[string]*models.SettlementCheck
}

func (c *stubChecker) set(hash string, state models.SettlementState, code models.ReasonCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[hash] = &models.SettlementCheck{State: state, TxHash: hash, ReasonCode: code, ExecutionMode: models.ExecutionReal}
}

func (c *stubChecker) VerifySettlementTxHash(_ context.Context, hash string) *models.SettlementCheck {
	c.mu.Lock()
	defer c.mu.Unlock()
	if check, ok := c.states[hash]; ok {
		return check
	}
	return &models.SettlementCheck{State: models.SettlementPending, TxHash: hash, Detail: "finality=RECEIVED"}
}

type stubProfiles struct {
	profiles map[string]*AgentProfile
	err      error
}

func (p *stubProfiles) GetAgentProfile(_ context.Context, agentID string) (*AgentProfile, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.profiles[agentID], nil
}

type stubIdentity struct {
	check *IdentityCheck
}

func (s *stubIdentity) CheckAgentOnchainIdentity(context.Context, IdentityQuery) (*IdentityCheck, error) {
	c := *s.check
	return &c, nil
}

type stubRuntime struct {
	out   *RuntimeOutput
	err   error
	calls []*RuntimeInput
}

func (r *stubRuntime) ExecuteAgentRuntime(_ context.Context, input *RuntimeInput) (*RuntimeOutput, error) {
	r.calls = append(r.calls, input)
	return r.out, r.err
}

type runEvents struct {
	payments []*models.ReplayRecord
	runs     []models.RunStatus
}

func (e *runEvents) PublishPayment(_ context.Context, rec *models.ReplayRecord) error {
	e.payments = append(e.payments, rec)
	return nil
}

func (e *runEvents) PublishRun(_ context.Context, run *models.Run) error {
	e.runs = append(e.runs, run.Status)
	return nil
}

type workerFixture struct {
	ledger   *store.MemoryReplayStore
	runs     *store.MemoryRunStore
	checker  *stubChecker
	profiles *stubProfiles
	identity *stubIdentity
	runtime  *stubRuntime
	events   *runEvents
	resolver *IdentityResolver
	worker   *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	f := &workerFixture{
		ledger:  store.NewMemoryReplayStore(),
		runs:    store.NewMemoryRunStore(),
		checker: &stubChecker{states: map[string]*models.SettlementCheck{}},
		profiles: &stubProfiles{profiles: map[string]*AgentProfile{
			"agent-1": {AgentID: "agent-1", OperatorWallet: "0x0Aa1", ServiceWallet: "0xbb2"},
		}},
		identity: &stubIdentity{check: &IdentityCheck{Verified: true, Status: "registered", Owner: "0xaa1"}},
		runtime: &stubRuntime{out: &RuntimeOutput{
			Success:  true,
			TxHashes: []string{"0xe1"},
			Result:   map[string]interface{}{"answer": "done"},
		}},
		events: &runEvents{},
	}
	f.resolver = &IdentityResolver{Profiles: f.profiles, Checker: f.identity}
	f.worker = NewWorker(Deps{
		Ledger:   f.ledger,
		Runs:     f.runs,
		Checker:  f.checker,
		Identity: f.resolver,
		Runtime:  f.runtime,
		Events:   f.events,
	}, logger)
	return f
}

// pay 写入一条带结算哈希的 pending 支付
func (f *workerFixture) pay(t *testing.T, key, hash string) string {
	t.Helper()
	_, err := f.ledger.UpsertPending(context.Background(), &models.ReplayRecord{
		ReplayKey:        key,
		PaymentRef:       "pay_" + key,
		SettlementTxHash: hash,
	})
	require.NoError(t, err)
	return "pay_" + key
}

func (f *workerFixture) hire(t *testing.T, paymentRef string) *models.Run {
	t.Helper()
	run, err := NewPendingRun(context.Background(), f.runs, f.resolver, PendingRunRequest{
		HireID:     "hire-1",
		AgentID:    "agent-1",
		Action:     "summarize",
		Params:     map[string]interface{}{"url": "https://example.org"},
		PaymentRef: paymentRef,
	})
	require.NoError(t, err)
	return run
}

func (f *workerFixture) reload(t *testing.T, id string) *models.Run {
	t.Helper()
	run, err := f.runs.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func TestWorker_PendingPaymentKeepsRunWaiting(t *testing.T) {
	f := newWorkerFixture(t)
	run := f.hire(t, f.pay(t, "k1", "0xaaa"))

	summary, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)

	assert.Equal(t, models.RunPendingPayment, f.reload(t, run.ID).Status)
	assert.Equal(t, 1, summary.PaymentsPending)
	assert.Equal(t, 1, summary.RunsWaiting)
	assert.Empty(t, f.runtime.calls)
}

func TestWorker_SettledPaymentCompletesRun(t *testing.T) {
	f := newWorkerFixture(t)
	ref := f.pay(t, "k1", "0xaaa")
	run := f.hire(t, ref)
	f.checker.set("0xaaa", models.SettlementSettled, "")

	summary, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PaymentsSettled)
	assert.Equal(t, 1, summary.RunsCompleted)

	got := f.reload(t, run.ID)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, []string{"0xe1"}, got.ExecutionTxHashes)
	assert.Equal(t, "done", got.Result["answer"])
	assert.Equal(t, "completed", got.PaymentEvidence.State)
	assert.Equal(t, "0xaaa", got.PaymentEvidence.SettlementTxHash)

	require.Len(t, f.runtime.calls, 1)
	assert.Equal(t, ref, f.runtime.calls[0].PaymentRef)
	assert.Equal(t, []models.RunStatus{models.RunCompleted}, f.events.runs)
	require.Len(t, f.events.payments, 1)
	assert.Equal(t, models.ReplaySettled, f.events.payments[0].Status)

	rec, err := f.ledger.GetByPaymentRef(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, models.ReplaySettled, rec.Status)
}

func TestWorker_IdentityContextMismatchFailsRun(t *testing.T) {
	f := newWorkerFixture(t)
	run := f.hire(t, f.pay(t, "k1", "0xaaa"))
	f.checker.set("0xaaa", models.SettlementSettled, "")

	// 授权之后代理更换了 operator 钱包
	f.profiles.profiles["agent-1"] = &AgentProfile{AgentID: "agent-1", OperatorWallet: "0xdead", ServiceWallet: "0xbb2"}

	summary, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RunsFailed)

	got := f.reload(t, run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, string(models.CodeOnchainIdentityContextMismatch), got.ReasonCode)
	assert.Equal(t, "failed", got.PaymentEvidence.State)
	assert.Empty(t, f.runtime.calls)
}

func TestWorker_IdentityComparisonIgnoresAddressFormatting(t *testing.T) {
	f := newWorkerFixture(t)
	run := f.hire(t, f.pay(t, "k1", "0xaaa"))
	f.checker.set("0xaaa", models.SettlementSettled, "")
	f.profiles.profiles["agent-1"] = &AgentProfile{AgentID: "agent-1", OperatorWallet: "0x000aA1", ServiceWallet: "0xBB2"}

	_, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, f.reload(t, run.ID).Status)
}

func TestWorker_EnforcedIdentityFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.identity.check.EnforcementEnabled = true
	run := f.hire(t, f.pay(t, "k1", "0xaaa"))
	f.checker.set("0xaaa", models.SettlementSettled, "")

	f.identity.check.Verified = false

	_, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)

	got := f.reload(t, run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, string(models.CodeOnchainIdentityMismatch), got.ReasonCode)
}

func TestWorker_MissingPaymentRef(t *testing.T) {
	f := newWorkerFixture(t)
	run := &models.Run{ID: "run-no-ref", AgentID: "agent-1", Status: models.RunPendingPayment}
	require.NoError(t, f.runs.Create(context.Background(), run))

	_, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)

	got := f.reload(t, run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, ReasonMissingPaymentRef, got.ReasonCode)
}

func TestWorker_RejectedPaymentFailsRunWithItsReason(t *testing.T) {
	f := newWorkerFixture(t)
	ref := f.pay(t, "k1", "0xaaa")
	run := f.hire(t, ref)
	f.checker.set("0xaaa", models.SettlementFailed, models.CodeSettlementFailed)

	summary, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PaymentsRejected)

	got := f.reload(t, run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, string(models.CodeSettlementFailed), got.ReasonCode)
	assert.Equal(t, models.CodeSettlementFailed, got.PaymentEvidence.ReasonCode)
}

func TestWorker_UnknownPaymentRefKeepsWaiting(t *testing.T) {
	f := newWorkerFixture(t)
	run := f.hire(t, "pay_never-seen")

	summary, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RunsWaiting)
	assert.Equal(t, models.RunPendingPayment, f.reload(t, run.ID).Status)
}

func TestWorker_PaymentWithoutHashIsSkipped(t *testing.T) {
	f := newWorkerFixture(t)
	f.pay(t, "k1", "")

	summary, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PaymentsChecked)
	assert.Equal(t, 1, summary.PaymentsWithoutHash)

	rec, err := f.ledger.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.ReplayPending, rec.Status)
}

func TestWorker_RuntimeFailure(t *testing.T) {
	f := newWorkerFixture(t)
	run := f.hire(t, f.pay(t, "k1", "0xaaa"))
	f.checker.set("0xaaa", models.SettlementSettled, "")
	f.runtime.out = nil
	f.runtime.err = errors.New("agent crashed")

	_, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)

	got := f.reload(t, run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, ReasonRuntimeFailed, got.ReasonCode)
	assert.Equal(t, "agent crashed", got.Result["error"])
	assert.Equal(t, "failed", got.PaymentEvidence.State)
}

func TestWorker_ResumesQueuedRunAfterResolverOutage(t *testing.T) {
	f := newWorkerFixture(t)
	run := f.hire(t, f.pay(t, "k1", "0xaaa"))
	f.checker.set("0xaaa", models.SettlementSettled, "")

	f.profiles.err = errors.New("profile service unavailable")
	summary, err := f.worker.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.RunQueued, f.reload(t, run.ID).Status)

	f.profiles.err = nil
	_, err = f.worker.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, f.reload(t, run.ID).Status)
	assert.Len(t, f.runtime.calls, 1)
}

func TestWorker_RespectsLimit(t *testing.T) {
	f := newWorkerFixture(t)
	for _, key := range []string{"a", "b", "c"} {
		f.pay(t, key, "0x"+key)
	}

	summary, err := f.worker.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PaymentsChecked)
}

func TestWorker_RejectsOverlappingPass(t *testing.T) {
	f := newWorkerFixture(t)
	f.worker.running.Lock()
	defer f.worker.running.Unlock()

	_, err := f.worker.Run(context.Background(), 20)
	assert.True(t, apperrors.IsCode(err, "RECONCILE_RUNNING"))
}

func TestWorker_StaleCopyLosesTransition(t *testing.T) {
	f := newWorkerFixture(t)
	run := f.hire(t, f.pay(t, "k1", "0xaaa"))

	stale := f.reload(t, run.ID)
	fresh := f.reload(t, run.ID)
	ok, err := store.Transition(context.Background(), f.runs, fresh, models.RunQueued)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Transition(context.Background(), f.runs, stale, models.RunQueued)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.RunPendingPayment, stale.Status)
}

func TestNewPendingRun_CapturesIdentity(t *testing.T) {
	f := newWorkerFixture(t)
	run := f.hire(t, " pay_k1 ")

	assert.Equal(t, models.RunPendingPayment, run.Status)
	assert.Equal(t, "pay_k1", run.PaymentRef)
	require.NotNil(t, run.PaymentEvidence.IdentityContext)
	assert.Equal(t, &models.IdentityContext{
		OperatorWallet: "0xaa1",
		ServiceWallet:  "0xbb2",
		OnchainStatus:  "registered",
		OnchainOwner:   "0xaa1",
	}, run.PaymentEvidence.IdentityContext)

	f.identity.check.EnforcementEnabled = true
	f.identity.check.Verified = false
	_, err := NewPendingRun(context.Background(), f.runs, f.resolver, PendingRunRequest{AgentID: "agent-1", PaymentRef: "pay_x"})
	assert.Error(t, err)
}

func TestContextDiff(t *testing.T) {
	base := &models.IdentityContext{OperatorWallet: "0x1", ServiceWallet: "0x2", OnchainStatus: "registered", OnchainOwner: "0x1"}

	same := *base
	same.OperatorWallet = "0x0001"
	assert.Empty(t, ContextDiff(base, &same))

	changed := *base
	changed.ServiceWallet = "0x3"
	changed.EnforcementEnabled = true
	assert.Equal(t, []string{"service_wallet", "enforcement_enabled"}, ContextDiff(base, &changed))

	assert.Equal(t, []string{"identity_context"}, ContextDiff(nil, base))
}
