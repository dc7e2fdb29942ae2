package server

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/server/config"
	"github.com/dmitrijs2005/memoryweaver/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	var c config.Config
	c.LoadDefaults()
	c.DatabaseDriver = "sqlite"
	c.DatabaseDSN = "file:app_test?mode=memory&cache=shared"
	c.HTTPAddr = "127.0.0.1:0"
	c.GRPCAddr = "127.0.0.1:0"
	c.LogLevel = "error"
	c.ShutdownTimeout = 2 * time.Second
	return &c
}

func TestValidationConfig(t *testing.T) {
	c := testConfig()
	c.AllowedCategories = []string{"image"}
	c.MaxSizeBytes = map[string]int64{"image": 1 << 20}
	c.DefaultMaxSizeBytes = 1 << 10

	cfg := ValidationConfig(c)
	assert.Equal(t, []validator.Category{validator.CategoryImage}, cfg.AllowedCategories)
	assert.Equal(t, validator.ExtensionsFor([]validator.Category{validator.CategoryImage}), cfg.AllowedExtensions)
	assert.Equal(t, int64(1<<20), cfg.MaxSizeFor(validator.CategoryImage))
	assert.Equal(t, int64(1<<10), cfg.DefaultMaxSizeBytes)

	c.AllowedExtensions = []string{".png"}
	assert.Equal(t, []string{".png"}, ValidationConfig(c).AllowedExtensions)
}

func TestMaxUploadBytes(t *testing.T) {
	cfg := validator.Config{
		MaxSizeBytes:        map[validator.Category]int64{validator.CategoryVideo: 100, validator.CategoryImage: 10},
		DefaultMaxSizeBytes: 50,
	}
	assert.Equal(t, int64(100), maxUploadBytes(cfg))
}

func TestNewApp_RunAndShutdown(t *testing.T) {
	app, err := NewApp(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.Run(ctx)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after context cancel")
	}
}

func TestNewApp_BadDriver(t *testing.T) {
	c := testConfig()
	c.DatabaseDriver = "mysql"
	_, err := NewApp(c)
	assert.ErrorContains(t, err, "db init error")
}
