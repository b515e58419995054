package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/internal/observability"
	"github.com/3leaps/gowarden/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API",
	Long: `Serve the status API without running the orchestrator loop. Useful
when another gowarden process (or several) drives the jobs and this one
only observes.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := loadWarden(ctx)
	if err != nil {
		return err
	}
	host := w.cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := w.cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	srv := server.New(host, port, w.store, nil, server.VersionInfo{
		Version:   versionInfo.Version,
		GitCommit: versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	}, w.log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		observability.CLILogger.Info("status server stopping", zap.Int("port", srv.Port()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
