package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps a developer's own config file out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, runtime.NumCPU(), cfg.Workers)
		assert.Equal(t, 5*time.Minute, cfg.JobTimeout)
		assert.Zero(t, cfg.RateLimit)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format)

		assert.Equal(t, 8, cfg.Publish.Concurrency)
		assert.Equal(t, 200*time.Millisecond, cfg.Publish.Backoff)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"workers": 3,
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, 3, cfg.Workers)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format, "non-overridden values keep defaults")
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("NIVIZ_PORT", "3000")
		t.Setenv("NIVIZ_LOG_LEVEL", "warn")
		t.Setenv("NIVIZ_WORKERS", "2")
		t.Setenv("NIVIZ_RATE_LIMIT", "12.5")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 2, cfg.Workers)
		assert.Equal(t, 12.5, cfg.RateLimit)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("NIVIZ_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port, "runtime override beats env")
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		isolate(t)
		dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "niviz")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("workers: 7\nlogging:\n  format: json\n"), 0644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Workers)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("ExplicitFileBeatsUserFile", func(t *testing.T) {
		isolate(t)
		dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "niviz")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("workers: 7\n"), 0644))

		explicit := filepath.Join(t.TempDir(), "run.toml")
		require.NoError(t, os.WriteFile(explicit, []byte("workers = 9\njob_timeout = \"90s\"\n"), 0644))
		SetConfigFile(explicit)
		defer SetConfigFile("")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Workers)
		assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{name: "zero workers", overrides: map[string]any{"workers": 0}, wantErr: "workers must be >= 1"},
		{name: "negative timeout", overrides: map[string]any{"job_timeout": "-1s"}, wantErr: "job_timeout"},
		{name: "negative rate", overrides: map[string]any{"rate_limit": -1}, wantErr: "rate_limit"},
		{name: "bad port", overrides: map[string]any{"server": map[string]any{"port": 70000}}, wantErr: "server.port"},
		{name: "bad format", overrides: map[string]any{"logging": map[string]any{"format": "xml"}}, wantErr: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"server": map[string]any{"port": 8181}})
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)

	// copies do not alias the stored config
	retrieved.Server.Port = 1
	assert.Equal(t, 8181, GetConfig().Server.Port)
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("NIVIZ_READ_TIMEOUT", "45s")
	t.Setenv("NIVIZ_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("NIVIZ_JOB_TIMEOUT", "0s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Zero(t, cfg.JobTimeout)
}

// resetAppIdentity resets package state for isolated tests.
// Must only be used in tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetIdentity())
	assert.Nil(t, GetConfig())
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	SetIdentity(Identity{BinaryName: "qc", EnvPrefix: "QCX", ConfigName: "qc"})
	defer SetIdentity(DefaultIdentity)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "QCX_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["QCX_LOG_LEVEL"])
	assert.True(t, names["QCX_WORKERS"])
	assert.True(t, names["QCX_JOB_TIMEOUT"])
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"workers": 2,
		"server":  map[string]any{"port": 1, "tls": map[string]any{"on": true}},
	})
	assert.Equal(t, map[string]any{"workers": 2, "server.port": 1, "server.tls.on": true}, got)
}
