package collab

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/reconcile"
	"vaultgate/internal/ward"
	"vaultgate/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestWalletClient_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wards/0xabc/policy", r.URL.Path)
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"ward_address": "0xabc",
			"guardian_address": "0xdef",
			"ward_has_2fa": true,
			"max_per_txn": "100",
			"daily_limit_24h": 500,
			"spent_24h": "0x64"
		}`))
	}))
	defer srv.Close()

	client := NewWalletClient(srv.URL, "tkn", time.Second, quietLogger())
	snap, err := client.GetWardPolicySnapshot(context.Background(), "0xabc")
	require.NoError(t, err)

	assert.Equal(t, "0xdef", snap.GuardianAddress)
	assert.True(t, snap.WardHas2FA)
	assert.Equal(t, 0, snap.MaxPerTxn.Cmp(big.NewInt(100)))
	assert.Equal(t, 0, snap.DailyLimit24h.Cmp(big.NewInt(500)))
	assert.Equal(t, 0, snap.Spent24h.Cmp(big.NewInt(100)))
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{``, 0, false},
		{`null`, 0, false},
		{`"0"`, 0, false},
		{`42`, 42, false},
		{`"0x2a"`, 42, false},
		{`"-1"`, 0, true},
		{`"abc"`, 0, true},
	}
	for _, tt := range tests {
		v, err := parseAmount(json.RawMessage(tt.raw))
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, v.Int64(), tt.raw)
	}
}

func TestWalletClient_Strategies(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		var body strategyWire
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0xwallet", body.WalletAddress)
		_, _ = w.Write([]byte(`{"approved": true, "transactionHash": "0x99"}`))
	}))
	defer srv.Close()

	client := NewWalletClient(srv.URL, "", time.Second, quietLogger())
	req := &ward.StrategyRequest{WalletAddress: "0xwallet", Calls: []models.Call{{ContractAddress: "0x1", Entrypoint: "transfer"}}}

	res, err := client.ExecuteDirect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0x99", res.Hash())

	_, err = client.RequestGuardianApproval(context.Background(), req)
	require.NoError(t, err)
	_, err = client.RequestSecondFactor(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"/v1/execute/direct", "/v1/execute/guardian", "/v1/execute/2fa"}, seen)
}

func TestWalletClient_StrategyCarriesSnapshotAndSignatures(t *testing.T) {
	var bodies []strategyWire
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body strategyWire
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		switch r.URL.Path {
		case "/v1/execute/guardian":
			_, _ = w.Write([]byte(`{"approved": true, "signatures": {"ward": ["w1"], "guardian": ["g1"], "guardian_2fa": ["g2"]}}`))
		case "/v1/execute/submit":
			_, _ = w.Write([]byte(`{"tx_hash": "0x5b"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewWalletClient(srv.URL, "", time.Second, quietLogger())
	req := &ward.StrategyRequest{
		WalletAddress: "0xward",
		Calls:         []models.Call{{ContractAddress: "0x1", Entrypoint: "transfer"}},
		Decision:      &models.WardExecutionDecision{NeedsGuardian: true, NeedsGuardian2FA: true},
		Snapshot: &models.WardPolicySnapshot{
			WardAddress:     "0xward",
			GuardianAddress: "0xguardian",
			MaxPerTxn:       big.NewInt(100),
			DailyLimit24h:   big.NewInt(500),
			Spent24h:        big.NewInt(7),
		},
	}

	res, err := client.RequestGuardianApproval(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Empty(t, res.Hash())
	require.NotNil(t, res.Signatures)
	assert.Equal(t, []string{"g2"}, res.Signatures.Guardian2FA)

	req.Signatures, err = res.Signatures.Assemble(req.Decision)
	require.NoError(t, err)
	res, err = client.SubmitSigned(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0x5b", res.Hash())

	require.Len(t, bodies, 2)
	require.NotNil(t, bodies[0].Snapshot)
	assert.Equal(t, "0xguardian", bodies[0].Snapshot.GuardianAddress)
	assert.Equal(t, 0, bodies[0].Snapshot.Spent24h.Cmp(big.NewInt(7)))
	assert.Empty(t, bodies[0].Signatures)
	assert.Equal(t, []string{"w1", "g1", "g2"}, bodies[1].Signatures)
}

func TestClient_RetriesServerErrorsOnGet(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"agent_id":"a1","operator_wallet":"0x1","service_wallet":"0x2"}`))
	}))
	defer srv.Close()

	client := NewMarketplaceClient(srv.URL, "", time.Second, quietLogger())
	profile, err := client.GetAgentProfile(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "0x1", profile.OperatorWallet)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryPost(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	client := NewMarketplaceClient(srv.URL, "", time.Second, quietLogger())
	_, err := client.ExecuteAgentRuntime(context.Background(), &reconcile.RuntimeInput{RunID: "r1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "COLLABORATOR_ERROR"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMarketplaceClient_ProfileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := NewMarketplaceClient(srv.URL, "", time.Second, quietLogger())
	profile, err := client.GetAgentProfile(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestMarketplaceClient_IdentityAndRuntime(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/a1/identity", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0xop", r.URL.Query().Get("operator_wallet"))
		_, _ = w.Write([]byte(`{"verified":true,"status":"registered","owner":"0xop","enforcement_enabled":true}`))
	})
	mux.HandleFunc("/v1/runtime/execute", func(w http.ResponseWriter, r *http.Request) {
		var in reconcile.RuntimeInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_, _ = w.Write([]byte(`{"success":true,"tx_hashes":["0x1"],"result":{"run":"` + in.RunID + `"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewMarketplaceClient(srv.URL, "", time.Second, quietLogger())
	check, err := client.CheckAgentOnchainIdentity(context.Background(), reconcile.IdentityQuery{AgentID: "a1", OperatorWallet: "0xop"})
	require.NoError(t, err)
	assert.True(t, check.Verified)
	assert.True(t, check.EnforcementEnabled)

	out, err := client.ExecuteAgentRuntime(context.Background(), &reconcile.RuntimeInput{RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "r1", out.Result["run"])
}
