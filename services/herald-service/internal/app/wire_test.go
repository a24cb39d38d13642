package app

import (
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/herald/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("store.type", "memory")
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestBuildMemoryRuntime(t *testing.T) {
	ctx := context.Background()
	rt, err := build(ctx, memoryConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, seedDemoAccount(ctx, rt.store))
	require.NoError(t, seedDemoAccount(ctx, rt.store), "seeding twice is a no-op")

	acct, err := rt.store.Get(ctx, demoAccountID)
	require.NoError(t, err)
	assert.Equal(t, "demo@example.com", acct.Email)
	assert.True(t, acct.Active)

	_, err = rt.scheduler.EvaluateDueNow(ctx, demoAccountID)
	assert.NoError(t, err)

	code, err := rt.codes.Create(demoAccountID)
	require.NoError(t, err)
	assert.Equal(t, demoAccountID, code.AccountID)
}

func TestBuildRejectsUnknownTransport(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.SMS.Type = "pigeon"

	_, err := build(context.Background(), cfg)
	assert.Error(t, err)
}
