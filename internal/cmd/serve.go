package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/niviz/internal/config"
	"github.com/3leaps/niviz/internal/observability"
	"github.com/3leaps/niviz/internal/server"
	"github.com/3leaps/niviz/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve <out_path>",
	Short: "Serve a run's manifest and artifacts to a report assembler",
	Long: `Serve the manifest and artifacts of out_path over a read-only HTTP API:

  GET /health, /healthz        health with per-check detail
  GET /version                 build information
  GET /manifest                the full manifest
  GET /specs/{spec}            manifest entries of one spec
  GET /files/{path}            an artifact listed in the manifest

The manifest is re-read per request, so a rerun into out_path is visible
without a restart.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port config)")
}

// outputDirHealthChecker fails when the served directory disappears.
type outputDirHealthChecker struct {
	dir string
}

func (c outputDirHealthChecker) CheckHealth(context.Context) error {
	info, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output dir %s is not a directory", c.dir)
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return exitError(exitInvalidArgument, "Configuration not loaded", nil)
	}
	outDir, err := filepath.Abs(args[0])
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid output path", err)
	}
	if err := (outputDirHealthChecker{dir: outDir}).CheckHealth(cmd.Context()); err != nil {
		return exitError(exitFileNotFound, "Cannot serve output directory", err)
	}

	host, port := cfg.Server.Host, cfg.Server.Port
	if cmd.Flags().Changed("host") {
		host = serveHost
	}
	if cmd.Flags().Changed("port") {
		port = servePort
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("output_dir", outputDirHealthChecker{dir: outDir})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{binaryName: id.BinaryName, envPrefix: id.EnvPrefix, configName: id.ConfigName})
	}

	srv := server.New(host, port,
		server.WithOutputDir(outDir),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.CLILogger.Info("Serving output directory", zap.String("dir", outDir), zap.String("addr", srv.Addr()))
	if err := srv.ListenAndServe(ctx); err != nil {
		return exitError(exitServiceUnavailable, "Server failed", err)
	}
	return nil
}
