package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vaultgate/internal/config"
	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/reconcile"
	"vaultgate/internal/store"
	"vaultgate/internal/validation"
	"vaultgate/internal/x402"
	"vaultgate/pkg/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	cfg    *config.Config
	replay *store.MemoryReplayStore
	runs   *store.MemoryRunStore
	server *Server
}

func newServerFixture(t *testing.T, mutate func(*Services)) *serverFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetOutput(&bytes.Buffer{})

	cfg := config.GetDefaultConfig()
	cfg.X402.SigningSecret = "api-test-signing-secret-0123456789"
	cfg.X402.DefaultToken = "strk"
	cfg.X402.DefaultRecipient = "0xpaywall"
	cfg.Server.RateLimitRPS = 0

	builder, err := x402.NewChallengeBuilder(cfg.X402)
	require.NoError(t, err)
	verifier, err := x402.NewProofVerifier(x402.ModeStrict, nil)
	require.NoError(t, err)

	fx := &serverFixture{
		cfg:    cfg,
		replay: store.NewMemoryReplayStore(),
		runs:   store.NewMemoryRunStore(),
	}
	svc := Services{
		Config:      cfg,
		Facilitator: x402.NewFacilitator(builder, fx.replay, verifier, x402.FacilitatorOptions{}, logger),
		Codec:       x402.NewCodec(0, validation.NewValidator(logger, true)),
		Replay:      fx.replay,
		Runs:        fx.runs,
	}
	if mutate != nil {
		mutate(&svc)
	}
	fx.server = NewServer(svc, 0, logger)
	return fx
}

func (fx *serverFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (fx *serverFixture) challenge(t *testing.T) *models.X402Challenge {
	t.Helper()
	w := fx.do(t, http.MethodPost, "/api/v1/x402/challenge", x402.BuildRequest{
		Recipient: "0xrecipient",
		MinAmount: "10",
		Context:   map[string]interface{}{"runId": "run-1"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(x402.HeaderChallenge))

	var body struct {
		X402Version int                   `json:"x402Version"`
		Challenge   *models.X402Challenge `json:"challenge"`
	}
	decode(t, w, &body)
	assert.Equal(t, models.X402Version1, body.X402Version)
	return body.Challenge
}

func paymentFor(ch *models.X402Challenge, replayKey, amount string) *models.X402PaymentPayload {
	return &models.X402PaymentPayload{
		X402Version:      models.X402Version1,
		Scheme:           models.SchemeTongoShielded,
		ChallengeID:      ch.ChallengeID,
		TongoAddress:     "tongo-addr-1",
		Token:            ch.Token,
		Amount:           amount,
		Proof:            strings.Repeat("p", 48),
		ReplayKey:        replayKey,
		ContextHash:      ch.ContextHash,
		Nonce:            "n-1",
		SettlementTxHash: "0x5e771e",
	}
}

func TestServer_Health(t *testing.T) {
	fx := newServerFixture(t, nil)
	w := fx.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestServer_ChallengeRequiresRecipient(t *testing.T) {
	fx := newServerFixture(t, nil)
	w := fx.do(t, http.MethodPost, "/api/v1/x402/challenge", map[string]string{"token": "strk"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_VerifyThenSettle(t *testing.T) {
	fx := newServerFixture(t, nil)
	ch := fx.challenge(t)
	body := paymentBody(ch, paymentFor(ch, "rk-1", "10"))

	w := fx.do(t, http.MethodPost, "/api/v1/x402/verify", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var verified models.FacilitatorResult
	decode(t, w, &verified)
	assert.Equal(t, models.ResultAccepted, verified.Status)

	rec, err := fx.replay.Get(context.Background(), "rk-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "verify 不写账本")

	w = fx.do(t, http.MethodPost, "/api/v1/x402/settle", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(x402.HeaderResponse))
	var settled models.FacilitatorResult
	decode(t, w, &settled)
	assert.Equal(t, models.ResultSettled, settled.Status)
	assert.Equal(t, "pay_rk-1", settled.PaymentRef)

	w = fx.do(t, http.MethodGet, "/api/v1/x402/payments/rk-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var record models.ReplayRecord
	decode(t, w, &record)
	assert.Equal(t, models.ReplaySettled, record.Status)

	w = fx.do(t, http.MethodGet, "/api/v1/x402/payments/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// paymentBody 拼装 {challenge, payment} 请求体
func paymentBody(ch *models.X402Challenge, p *models.X402PaymentPayload) map[string]interface{} {
	return map[string]interface{}{"challenge": ch, "payment": p}
}

func TestServer_SettleUnderpaymentIs402(t *testing.T) {
	fx := newServerFixture(t, nil)
	ch := fx.challenge(t)

	w := fx.do(t, http.MethodPost, "/api/v1/x402/settle", paymentBody(ch, paymentFor(ch, "rk-low", "9")), nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	var result models.FacilitatorResult
	decode(t, w, &result)
	assert.Equal(t, models.ResultRejected, result.Status)
	assert.Equal(t, models.CodePolicyDenied, result.ReasonCode)
}

func TestServer_MalformedPaymentBody(t *testing.T) {
	fx := newServerFixture(t, nil)
	w := fx.do(t, http.MethodPost, "/api/v1/x402/settle", map[string]string{"challenge": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), string(models.CodeInvalidPayload))
}

func TestServer_PaywallChallengeThenAccess(t *testing.T) {
	fx := newServerFixture(t, nil)

	w := fx.do(t, http.MethodGet, "/api/v1/x402/access", nil, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	header := w.Header().Get(x402.HeaderChallenge)
	require.NotEmpty(t, header)

	var body struct {
		Challenge *models.X402Challenge `json:"challenge"`
		ExpiresIn int64                 `json:"expiresIn"`
	}
	decode(t, w, &body)
	assert.Equal(t, "0xpaywall", body.Challenge.Recipient)
	assert.Positive(t, body.ExpiresIn)

	paymentHeader, err := x402.EncodeHeader(paymentFor(body.Challenge, "rk-paywall", body.Challenge.MinAmount))
	require.NoError(t, err)
	w = fx.do(t, http.MethodGet, "/api/v1/x402/access", nil, map[string]string{
		x402.HeaderChallenge: header,
		x402.HeaderPayment:   paymentHeader,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "pay_rk-paywall")
	assert.NotEmpty(t, w.Header().Get(x402.HeaderResponse))

	// 同一笔支付再次访问
	w = fx.do(t, http.MethodGet, "/api/v1/x402/access", nil, map[string]string{
		x402.HeaderChallenge: header,
		x402.HeaderPayment:   paymentHeader,
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	var denied models.FacilitatorResult
	decode(t, w, &denied)
	assert.Equal(t, models.CodeReplayDetected, denied.ReasonCode)

	// 直接调用 settle 仍然幂等
	w = fx.do(t, http.MethodPost, "/api/v1/x402/settle", paymentBody(body.Challenge,
		paymentFor(body.Challenge, "rk-paywall", body.Challenge.MinAmount)), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), models.ResultSettled)
}

func TestServer_PaywallRejectsForeignChallenge(t *testing.T) {
	fx := newServerFixture(t, nil)

	// 任何人都能通过公开接口签发挑战，但价格与收款方由调用者决定
	w := fx.do(t, http.MethodPost, "/api/v1/x402/challenge", x402.BuildRequest{
		Recipient: "0xattacker",
		MinAmount: "1",
		Context:   map[string]interface{}{"path": "/api/v1/x402/access", "method": http.MethodGet},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	header := w.Header().Get(x402.HeaderChallenge)
	var body struct {
		Challenge *models.X402Challenge `json:"challenge"`
	}
	decode(t, w, &body)

	paymentHeader, err := x402.EncodeHeader(paymentFor(body.Challenge, "rk-foreign", "1"))
	require.NoError(t, err)
	w = fx.do(t, http.MethodGet, "/api/v1/x402/access", nil, map[string]string{
		x402.HeaderChallenge: header,
		x402.HeaderPayment:   paymentHeader,
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	var denied models.FacilitatorResult
	decode(t, w, &denied)
	assert.Equal(t, models.CodePolicyDenied, denied.ReasonCode)

	rec, err := fx.replay.Get(context.Background(), "rk-foreign")
	require.NoError(t, err)
	assert.Nil(t, rec, "价格不符的支付不进入账本")
}

func TestServer_PaywallPriceIgnoresQuery(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.cfg.X402.DefaultMinAmount = "500"

	w := fx.do(t, http.MethodGet, "/api/v1/x402/access?recipient=0xattacker&amount=1&token=eth", nil, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	var body struct {
		Challenge *models.X402Challenge `json:"challenge"`
	}
	decode(t, w, &body)
	assert.Equal(t, "0xpaywall", body.Challenge.Recipient)
	assert.Equal(t, "STRK", body.Challenge.Token)
	assert.Equal(t, "500", body.Challenge.MinAmount)
}

func TestServer_PaywallHalfHeaders(t *testing.T) {
	fx := newServerFixture(t, nil)
	w := fx.do(t, http.MethodGet, "/api/v1/x402/access", nil, map[string]string{x402.HeaderPayment: "{}"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_UnwiredServicesAre503(t *testing.T) {
	fx := newServerFixture(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/reconcile/run"},
		{http.MethodGet, "/api/v1/reconcile/stats"},
		{http.MethodPost, "/api/v1/wallet/execute"},
		{http.MethodGet, "/api/v1/wallet/transactions"},
		{http.MethodPost, "/api/v1/runs"},
		{http.MethodGet, "/api/v1/config/overrides"},
	} {
		w := fx.do(t, tc.method, tc.path, nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}

func TestServer_ReconcileRun(t *testing.T) {
	var worker *reconcile.Worker
	fx := newServerFixture(t, func(s *Services) {
		worker = reconcile.NewWorker(reconcile.Deps{
			Ledger: s.Replay,
			Runs:   s.Runs,
		}, logrus.New())
		s.Worker = worker
	})

	w := fx.do(t, http.MethodPost, "/api/v1/reconcile/run?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary reconcile.Summary
	decode(t, w, &summary)
	assert.Zero(t, summary.PaymentsChecked)

	w = fx.do(t, http.MethodGet, "/api/v1/reconcile/stats", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_GetRun(t *testing.T) {
	fx := newServerFixture(t, nil)
	require.NoError(t, fx.runs.Create(context.Background(), &models.Run{ID: "run-9", Status: models.RunPendingPayment}))

	w := fx.do(t, http.MethodGet, "/api/v1/runs/run-9", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "run-9")

	w = fx.do(t, http.MethodGet, "/api/v1/runs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ConfigIsRedacted(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.cfg.Store.PostgresDSN = "postgres://user:pw@db/vault"

	w := fx.do(t, http.MethodGet, "/api/v1/config", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "api-test-signing-secret")
	assert.NotContains(t, w.Body.String(), "user:pw")
	assert.Equal(t, "api-test-signing-secret-0123456789", fx.cfg.X402.SigningSecret, "原配置不能被修改")
}

func TestServer_ConfigOverrides(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fx := newServerFixture(t, func(s *Services) {
		s.Overrides = config.NewDatabaseConfigFromDB(db, logrus.New())
	})

	w := fx.do(t, http.MethodPut, "/api/v1/config/overrides", map[string]string{"key": "x402.signing_secret", "value": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	mock.ExpectExec("INSERT INTO service_config").
		WithArgs("worker.limit", "50").
		WillReturnResult(sqlmock.NewResult(1, 1))
	w = fx.do(t, http.MethodPut, "/api/v1/config/overrides", map[string]string{"key": "worker.limit", "value": "50"}, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	mock.ExpectQuery("SELECT config_key, config_value FROM service_config").
		WillReturnRows(sqlmock.NewRows([]string{"config_key", "config_value"}).AddRow("worker.limit", "50"))
	w = fx.do(t, http.MethodGet, "/api/v1/config/overrides", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"worker.limit":"50"`)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_RateLimit(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.server.limiter = NewRateLimiter(0.001, 1)

	first := fx.do(t, http.MethodGet, "/api/v1/x402/payments/a", nil, nil)
	second := fx.do(t, http.MethodGet, "/api/v1/x402/payments/a", nil, nil)
	assert.Equal(t, http.StatusNotFound, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// 限流只作用于支付接口
	assert.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/health", nil, nil).Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.New(apperrors.ErrorTypeValidation, apperrors.SeverityLow, "X", "bad"), http.StatusBadRequest},
		{apperrors.New(apperrors.ErrorTypeConflict, apperrors.SeverityLow, "X", "busy"), http.StatusConflict},
		{apperrors.New(apperrors.ErrorTypeStrategy, apperrors.SeverityHigh, "X", "down"), http.StatusBadGateway},
		{apperrors.New(apperrors.ErrorTypeCollaborator, apperrors.SeverityHigh, "X", "down"), http.StatusBadGateway},
		{apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, "X", "off"), http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestLogManager_RingAndFilter(t *testing.T) {
	lm := NewLogManager(3)
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.AddHook(NewLogHook(lm))

	logger.Info("one")
	logger.Warn("two")
	logger.WithField("signature", "deadbeef").Error("three")
	logger.Info("four")

	logs, total := lm.GetLogs("", 1, 10)
	require.Equal(t, 3, total)
	assert.Equal(t, "four", logs[0].Message)
	assert.Equal(t, "two", logs[2].Message)

	warnings, total := lm.GetLogs("warn", 1, 10)
	assert.Equal(t, 2, total)
	assert.Equal(t, "three", warnings[0].Message)
	assert.Equal(t, redacted, warnings[0].Fields["signature"])

	page, total := lm.GetLogs("", 2, 2)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "two", page[0].Message)

	lm.ClearLogs()
	_, total = lm.GetLogs("", 1, 10)
	assert.Zero(t, total)
}
