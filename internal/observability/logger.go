// Package observability holds the process-wide loggers.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It writes to stderr so stdout
// stays clean for JSONL records.
var CLILogger = zap.NewNop()

var (
	loggerMu sync.Mutex
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Format selects the log encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// InitCLILogger installs a console logger named after the service.
func InitCLILogger(service string, verbose bool) {
	lvl := "info"
	if verbose {
		lvl = "debug"
	}
	if err := Configure(service, lvl, FormatConsole); err != nil {
		// level and format are fixed above
		panic(err)
	}
}

// Configure replaces CLILogger with one at the given level and format.
func Configure(service, levelName string, format Format) error {
	parsed, err := ParseLevel(levelName)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	case FormatConsole, "":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unsupported log format %q (expected console or json)", format)
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()

	level.SetLevel(parsed)
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).With(zap.String("service", service))
	return nil
}

// ParseLevel maps a config level name to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level %q", name)
	}
}

// Sync flushes CLILogger. Errors from syncing a terminal are ignored.
func Sync() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	_ = CLILogger.Sync()
}
