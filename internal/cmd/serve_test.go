package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputDirHealthChecker(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	assert.NoError(t, outputDirHealthChecker{dir: dir}.CheckHealth(context.Background()))
	assert.Error(t, outputDirHealthChecker{dir: filepath.Join(dir, "absent")}.CheckHealth(context.Background()))
	assert.ErrorContains(t, outputDirHealthChecker{dir: file}.CheckHealth(context.Background()), "not a directory")
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		errContain string
	}{
		{name: "all fields valid", binaryName: "niviz", envPrefix: "NIVIZ", configName: "niviz"},
		{name: "missing binary name", envPrefix: "NIVIZ", configName: "niviz", errContain: "missing binary name"},
		{name: "missing env prefix", binaryName: "niviz", configName: "niviz", errContain: "missing env prefix"},
		{name: "missing config name", binaryName: "niviz", envPrefix: "NIVIZ", errContain: "missing config name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{binaryName: tt.binaryName, envPrefix: tt.envPrefix, configName: tt.configName}
			err := checker.CheckHealth(context.Background())
			if tt.errContain != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
				return
			}
			assert.NoError(t, err)
		})
	}
}
