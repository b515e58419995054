// Package cmd implements the gowarden command-line interface.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/gowarden/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "gowarden",
	Short: "Supervised lifecycle orchestration for autonomous coding agents",
	Long: `gowarden drives autonomous coding-agent jobs through a supervised
lifecycle: provision a workspace, spawn the agent, watch it for hangs,
harvest its outcome, and rest the job where a human can act on it.

Job state lives on disk as one manifest per job; every mutation goes
through a per-job advisory lock, so multiple gowarden processes can
share a jobs directory safely.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		observability.InitCLILogger("gowarden", flagVerbose)
	},
}

var (
	flagVerbose  bool
	flagJobsRoot string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagJobsRoot, "jobs-root", "", "Override the jobs directory")
}

// versionInfo holds build-time version details injected via ldflags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata before Execute.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the CLI.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}

// codedError carries the foundry exit code the process should end with.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that carries the intended process exit code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// ExitCode extracts the exit code an error asks for, defaulting to 1.
func ExitCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}
