// Package observability provides logging bootstrap for the CLI and daemons.
//
// Loggers are initialized once at process start and shared process-wide.
// Components that need structured context attach fields at the call site
// rather than holding their own logger configuration.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for command execution paths.
//
// It defaults to a no-op logger so library consumers that never call
// InitCLILogger do not have to nil-check.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for the named component.
//
// verbose enables debug-level output. Logs go to stderr so command output
// on stdout stays machine-parseable.
func InitCLILogger(component string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)

	CLILogger = zap.New(core).Named(component)
}

// Sync flushes buffered log entries. Safe to call on a no-op logger.
func Sync() {
	_ = CLILogger.Sync()
}
