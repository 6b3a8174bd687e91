package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	c := &config.Config{}
	c.LoadDefaults()
	c.EndpointAddr = "127.0.0.1:0"
	c.HealthAddrGRPC = "127.0.0.1:0"
	c.Workers = 2
	return c
}

func TestNewApp_MemoryStore(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(), logging.NewNoopLogger())
	require.NoError(t, err)

	assert.IsType(t, &repomanager.MemoryRepositoryManager{}, app.repos)
	assert.NotNil(t, app.ws)
	assert.NotNil(t, app.pool)
	assert.NotNil(t, app.health)
}

func TestNewApp_HealthDisabled(t *testing.T) {
	c := testConfig()
	c.HealthAddrGRPC = ""

	app, err := NewApp(context.Background(), c, logging.NewNoopLogger())
	require.NoError(t, err)
	assert.Nil(t, app.health)
}

func TestNewApp_OpenError(t *testing.T) {
	orig := openRepositories
	t.Cleanup(func() { openRepositories = orig })
	openRepositories = func(context.Context, string) (repomanager.RepositoryManager, error) {
		return nil, errors.New("refused")
	}

	c := testConfig()
	c.DatabaseDSN = "postgres://nowhere"
	_, err := NewApp(context.Background(), c, logging.NewNoopLogger())
	require.ErrorContains(t, err, "db init error")
}

func TestRun_StopsOnCancel(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(), logging.NewNoopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}
