package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idsync/pkg/accounts"
	"github.com/platinummonkey/idsync/pkg/config"
	"github.com/platinummonkey/idsync/pkg/observability"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	return cfg
}

func testLogger() *observability.Logger {
	return observability.NewNopLogger()
}

func pendingAccount(id string) *accounts.Account {
	return &accounts.Account{ID: id, Status: accounts.StatusPending}
}
