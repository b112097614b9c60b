package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"vaultgate/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.X402.SigningSecret = "app-test-signing-secret-0123456789"
	cfg.X402.OnchainSettlement = false
	cfg.X402.AllowInMemoryStore = true
	cfg.Store.Backend = "memory"
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBuild_MinimalMemoryDeployment(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, config.Validate(cfg))

	a, err := Build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Facilitator)
	assert.NotNil(t, a.Worker)
	assert.Nil(t, a.Nodes)
	assert.Nil(t, a.Executor)
	assert.Nil(t, a.Router, "没有钱包后端时不创建路由器")
	assert.Nil(t, a.Identity)
	assert.Nil(t, a.Overrides)

	srv := httptest.NewServer(a.Server(0).Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuild_WiresCollaborators(t *testing.T) {
	cfg := testConfig()
	cfg.Collab.WalletURL = "http://wallet.invalid"
	cfg.Collab.MarketplaceURL = "http://market.invalid"
	cfg.Worker.EnforceIdentity = true

	a, err := Build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Router)
	require.NotNil(t, a.Identity)
	assert.True(t, a.Identity.Enforce)
}

func TestBuild_OnchainSettlementNeedsNodes(t *testing.T) {
	cfg := testConfig()
	cfg.X402.OnchainSettlement = true
	cfg.Chain.Nodes = nil

	_, err := Build(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestBuild_RejectsPlaceholderSecret(t *testing.T) {
	cfg := testConfig()
	cfg.X402.SigningSecret = "changeme"

	_, err := Build(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}
