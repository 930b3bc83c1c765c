package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args after resetting every flag, so
// values from a previous test do not leak.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)
			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	orig := appIdentity
	defer func() { appIdentity = orig }()

	appIdentity = nil
	assert.Nil(t, GetAppIdentity())

	require.NoError(t, execute(t, "version"))
	id := GetAppIdentity()
	require.NotNil(t, id)
	assert.Equal(t, "niviz", id.BinaryName)
	assert.Equal(t, "NIVIZ", id.EnvPrefix)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))

	err := exitError(exitFileWriteError, "Cannot write manifest", errors.New("disk full"))
	assert.Equal(t, exitFileWriteError, ExitCode(err))
	assert.Equal(t, exitFileWriteError, ExitCode(fmt.Errorf("wrapped: %w", err)))
	assert.EqualError(t, err, "Cannot write manifest: disk full")
}

func TestLoggingOverrides(t *testing.T) {
	defer func() { verbose, logLevel, logFormat = false, "", "" }()

	verbose, logLevel, logFormat = false, "", ""
	assert.Nil(t, loggingOverrides())

	verbose = true
	assert.Equal(t, map[string]any{"logging": map[string]any{"level": "debug"}}, loggingOverrides())

	logLevel, logFormat = "warn", "json"
	assert.Equal(t, map[string]any{"logging": map[string]any{"level": "warn", "format": "json"}}, loggingOverrides())
}

func TestRoot_InvalidLogLevel(t *testing.T) {
	err := execute(t, "version", "--log-level", "shout")
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
}
