// Package cmd implements the niviz command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/niviz/internal/config"
	"github.com/3leaps/niviz/internal/observability"
	"github.com/3leaps/niviz/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values stamped at build time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var appIdentity *config.Identity

// GetAppIdentity returns the identity established by the root command, or
// nil before it has run.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var (
	cfgFile   string
	logLevel  string
	logFormat string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "niviz",
	Short: "Resolve QC visualization specs against a derivative tree and render them",
	Long: `niviz indexes a derivatives directory, resolves declarative visualization
specs into render jobs, and dispatches each job to a rendering backend.

Every run writes a manifest.json in the output directory that records every
artifact produced, every job that failed and every group that was skipped or
ambiguous. A report assembler reads the manifest or the read-only API served
by "niviz serve".`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level=debug")
}

// Execute runs the root command. The returned error carries an exit code
// when it is an *ExitError.
func Execute() error {
	err := rootCmd.Execute()
	observability.Sync()
	return err
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	id := config.DefaultIdentity
	config.SetIdentity(id)
	appIdentity = &id
	config.SetConfigFile(cfgFile)

	cfg, err := config.Load(cmd.Context(), loggingOverrides())
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.Configure(id.BinaryName, cfg.Logging.Level, observability.Format(cfg.Logging.Format)); err != nil {
		return exitError(exitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.Int("workers", cfg.Workers),
		zap.Duration("job_timeout", cfg.JobTimeout),
		zap.String("config_file", cfgFile))
	return nil
}

func loggingOverrides() map[string]any {
	logging := map[string]any{}
	if verbose {
		logging["level"] = "debug"
	}
	if strings.TrimSpace(logLevel) != "" {
		logging["level"] = logLevel
	}
	if strings.TrimSpace(logFormat) != "" {
		logging["format"] = logFormat
	}
	if len(logging) == 0 {
		return nil
	}
	return map[string]any{"logging": logging}
}

// ExitError carries a process exit code through cobra.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError logs msg and returns an *ExitError for code.
func exitError(code int, msg string, err error) error {
	if err != nil {
		observability.CLILogger.Error(msg, zap.Error(err))
	} else {
		observability.CLILogger.Error(msg)
	}
	return &ExitError{Code: code, Message: msg, Err: err}
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Exit prints err and exits with its code. Used by main.
func Exit(err error) {
	if err == nil {
		return
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(ExitCode(err))
}
