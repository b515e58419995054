package cmd

import (
	"context"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/internal/config"
	"github.com/3leaps/gowarden/internal/observability"
	"github.com/3leaps/gowarden/pkg/archive"
	"github.com/3leaps/gowarden/pkg/engine"
	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/lockfile"
	"github.com/3leaps/gowarden/pkg/recovery"
	"github.com/3leaps/gowarden/pkg/sentinel"

	// Registered runners and agents.
	_ "github.com/3leaps/gowarden/pkg/agent"
	_ "github.com/3leaps/gowarden/pkg/runner/host"
)

// warden bundles the wired components commands operate on.
type warden struct {
	cfg   *config.Config
	store *jobfile.Store
	locks *lockfile.Manager
	log   *zap.Logger
}

// loadWarden loads configuration and wires the job store and lock
// manager. Flag overrides beat config file and environment.
func loadWarden(ctx context.Context) (*warden, error) {
	overrides := map[string]any{}
	if flagJobsRoot != "" {
		overrides["jobs_root"] = flagJobsRoot
	}
	if flagVerbose {
		overrides["logging"] = map[string]any{"verbose": true}
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	return &warden{
		cfg:   cfg,
		store: jobfile.NewStore(cfg.JobsRoot),
		locks: lockfile.NewManager(cfg.LockDir()),
		log:   observability.CLILogger,
	}, nil
}

func (w *warden) engineConfig() engine.Config {
	e := w.cfg.Engine
	return engine.Config{
		LockTimeout:         e.LockTimeout,
		PollInterval:        e.PollInterval,
		StepTimeout:         e.StepTimeout,
		HeartbeatInterval:   e.HeartbeatInterval,
		InactivityThreshold: e.Thresholds(),
		RecoveryRetries:     e.RecoveryRetries,
		DefaultRunner:       e.Runner,
		DefaultAgent:        e.Agent,
		RunnerOptions:       map[string]any{"root": w.cfg.JobsRoot},
		AgentOptions:        map[string]any{},
		EvidenceGlobs:       e.EvidenceGlobs,
	}
}

// newEngine wires a step engine, attaching the evidence archiver when a
// bucket is configured.
func (w *warden) newEngine(ctx context.Context) (*engine.Engine, error) {
	eng := engine.New(w.store, w.locks, w.engineConfig(), w.log)

	if w.cfg.Archive.Enabled() {
		a := w.cfg.Archive
		up, err := archive.New(ctx, archive.Config{
			Bucket:          a.Bucket,
			Prefix:          a.Prefix,
			Region:          a.Region,
			Endpoint:        a.Endpoint,
			Profile:         a.Profile,
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretAccessKey,
			ForcePathStyle:  a.ForcePathStyle,
			MaxFileBytes:    a.MaxFileBytes,
		}, w.log)
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure evidence archive", err)
		}
		eng.SetArchiver(up)
	}
	return eng, nil
}

func (w *warden) newSentinel(eng *engine.Engine) *sentinel.Sentinel {
	s := sentinel.New(eng, sentinel.Config{
		Interval:                w.cfg.Sentinel.Interval,
		Thresholds:              w.cfg.Engine.Thresholds(),
		MaxInterventionsPerHour: w.cfg.Sentinel.MaxInterventionsPerHour,
		MemoryCeilingBytes:      w.cfg.Sentinel.MemoryCeilingBytes,
	}, w.log)
	eng.SetMonitor(s)
	return s
}

func (w *warden) newRecovery() *recovery.Manager {
	return recovery.New(w.store, w.locks, w.log)
}
