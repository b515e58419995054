// Package sentinel watches executing jobs for hangs.
//
// Detection is heartbeat-based: the engine reports activity while it
// supervises a job, and the sentinel compares silence against the job's
// role threshold, with best-effort procfs resource samples as a
// secondary signal. Escalation is a severity ladder, not a single
// tripwire, and every automated intervention is metered against an
// hourly per-job ceiling so a persistently wedged job is handed to a
// human instead of being terminated over and over.
package sentinel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gowarden/pkg/jobfile"
)

// Severity grades how far past its threshold a job's silence has run.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// severityFor grades silence against a threshold: the ladder doubles at
// each rung, so a critical grade means eight thresholds of dead air.
func severityFor(silence, threshold time.Duration) Severity {
	if threshold <= 0 || silence < threshold {
		return SeverityNone
	}
	switch {
	case silence >= 8*threshold:
		return SeverityCritical
	case silence >= 4*threshold:
		return SeverityHigh
	case silence >= 2*threshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Intervener is the engine surface the sentinel escalates through.
// Calls returning a busy-lock error are retried on the next scan.
type Intervener interface {
	// RequestStop asks the job's agent to wind down gracefully.
	RequestStop(ctx context.Context, jobID, reason string) error

	// ForceStop terminates the agent; when markIntervention is set the
	// job rests in INTERVENTION_REQUIRED.
	ForceStop(ctx context.Context, jobID, reason string, markIntervention bool) error
}

// Config tunes the sentinel.
type Config struct {
	// Interval is the scan cadence.
	Interval time.Duration

	// Thresholds maps a job role to its inactivity threshold.
	Thresholds map[string]time.Duration

	// MaxInterventionsPerHour caps automated stop actions per job.
	// Observation and logging are never limited, only actions.
	MaxInterventionsPerHour int

	// MemoryCeilingBytes marks a job's resource usage anomalous when its
	// agent's resident set exceeds it. Zero disables the check.
	MemoryCeilingBytes int64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Thresholds == nil {
		c.Thresholds = map[string]time.Duration{
			jobfile.RoleAutonomous:  10 * time.Minute,
			jobfile.RoleInteractive: 2 * time.Minute,
		}
	}
	if c.MaxInterventionsPerHour <= 0 {
		c.MaxInterventionsPerHour = 6
	}
	return c
}

// JobStatus is one monitored job in a status report.
type JobStatus struct {
	JobID        string        `json:"job_id"`
	Role         string        `json:"role"`
	Severity     string        `json:"severity"`
	SilenceFor   time.Duration `json:"silence_for"`
	Threshold    time.Duration `json:"threshold"`
	LastActivity time.Time     `json:"last_activity"`
	RSSBytes     int64         `json:"rss_bytes,omitempty"`
	CPUSeconds   float64       `json:"cpu_seconds,omitempty"`
}

// Report is a point-in-time view of everything the sentinel watches.
type Report struct {
	Watched     []JobStatus `json:"watched"`
	Suppressed  int         `json:"suppressed_interventions"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// procSample is one best-effort resource reading of an agent process.
type procSample struct {
	rssBytes int64
	cpuTime  time.Duration
}

type watched struct {
	role         string
	pid          int
	lastActivity time.Time
	sample       procSample
	sampled      bool
	limiter      *rate.Limiter

	// acted is the highest severity already escalated for the current
	// silence window. Acting once per rung keeps escalation monotonic
	// instead of re-firing every scan.
	acted Severity
}

// Sentinel monitors watched jobs and escalates hangs.
type Sentinel struct {
	cfg        Config
	log        *zap.Logger
	intervener Intervener

	// sample is swappable for tests; defaults to the procfs reader.
	sample func(pid int) (procSample, bool)

	mu         sync.Mutex
	jobs       map[string]*watched
	suppressed int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sentinel escalating through the given intervener.
func New(intervener Intervener, cfg Config, log *zap.Logger) *Sentinel {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Sentinel{
		cfg:        cfg,
		log:        log,
		intervener: intervener,
		sample:     sampleProcess,
		jobs:       map[string]*watched{},
	}
}

// Watch begins monitoring a job. Activity starts fresh: the job just
// entered execution, or its agent was just restarted. Re-watching an
// already watched job updates the pid without resetting the job's
// intervention budget.
func (s *Sentinel) Watch(job *jobfile.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.jobs[job.JobID]; ok {
		w.pid = job.PID
		w.lastActivity = time.Now()
		w.acted = SeverityNone
		w.sampled = false
	} else {
		per := rate.Every(time.Hour / time.Duration(s.cfg.MaxInterventionsPerHour))
		s.jobs[job.JobID] = &watched{
			role:         job.EffectiveRole(),
			pid:          job.PID,
			lastActivity: time.Now(),
			limiter:      rate.NewLimiter(per, s.cfg.MaxInterventionsPerHour),
		}
	}
	s.log.Debug("watching job",
		zap.String("job_id", job.JobID),
		zap.String("role", job.EffectiveRole()),
		zap.Int("pid", job.PID))
}

// Forget stops monitoring a job.
func (s *Sentinel) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// RecordActivity resets a job's inactivity clock and its escalation
// state: new output means the previous silence window is over.
func (s *Sentinel) RecordActivity(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.jobs[jobID]
	if !ok {
		return
	}
	w.lastActivity = time.Now()
	w.acted = SeverityNone
}

// Start launches the scan loop. Stop (or ctx cancellation) ends it.
func (s *Sentinel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scanOnce(ctx)
			}
		}
	}()
}

// Stop ends the scan loop and waits for it to exit.
func (s *Sentinel) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

// scanOnce evaluates every watched job and escalates monotonically.
func (s *Sentinel) scanOnce(ctx context.Context) {
	type escalation struct {
		jobID    string
		severity Severity
		silence  time.Duration
	}

	s.mu.Lock()
	var pending []escalation
	for id, w := range s.jobs {
		if smp, ok := s.sample(w.pid); ok {
			w.sample, w.sampled = smp, true
		}
		threshold := s.cfg.Thresholds[w.role]
		sev := severityFor(time.Since(w.lastActivity), threshold)
		if s.anomalous(w) && sev < SeverityHigh {
			// Resource abuse raises the grade one rung but cannot reach
			// critical on its own; only sustained silence rests a job
			// for human intervention.
			sev++
		}
		if sev <= w.acted {
			continue
		}
		w.acted = sev
		pending = append(pending, escalation{id, sev, time.Since(w.lastActivity)})
	}
	s.mu.Unlock()

	for _, esc := range pending {
		s.escalate(ctx, esc.jobID, esc.severity, esc.silence)
	}
}

// anomalous reports whether the last resource sample breaches a
// configured ceiling. Caller holds s.mu.
func (s *Sentinel) anomalous(w *watched) bool {
	if s.cfg.MemoryCeilingBytes <= 0 || !w.sampled {
		return false
	}
	return w.sample.rssBytes > s.cfg.MemoryCeilingBytes
}

func (s *Sentinel) escalate(ctx context.Context, jobID string, sev Severity, silence time.Duration) {
	fields := []zap.Field{
		zap.String("job_id", jobID),
		zap.String("severity", sev.String()),
		zap.Duration("silence", silence),
	}

	switch sev {
	case SeverityLow:
		s.log.Info("job quiet past threshold", fields...)
	case SeverityMedium:
		if !s.allowIntervention(jobID, sev) {
			return
		}
		s.log.Warn("requesting graceful stop of hung job", fields...)
		if err := s.intervener.RequestStop(ctx, jobID, "no activity for "+silence.Round(time.Second).String()); err != nil {
			s.retryNextScan(jobID, sev, err)
		}
	case SeverityHigh:
		if !s.allowIntervention(jobID, sev) {
			return
		}
		s.log.Warn("force-stopping hung job", fields...)
		reason := "unresponsive for " + silence.Round(time.Second).String() + ", terminated"
		if err := s.intervener.ForceStop(ctx, jobID, reason, false); err != nil {
			s.retryNextScan(jobID, sev, err)
		}
	case SeverityCritical:
		if !s.allowIntervention(jobID, sev) {
			return
		}
		s.log.Error("force-stopping unresponsive job for intervention", fields...)
		reason := "unresponsive for " + silence.Round(time.Second).String() + ", terminated"
		if err := s.intervener.ForceStop(ctx, jobID, reason, true); err != nil {
			s.retryNextScan(jobID, sev, err)
		}
	}
}

// allowIntervention checks the job's hourly ceiling. A denied action is
// suppressed and logged, never queued: a job that keeps earning
// interventions past its ceiling is left for human attention.
func (s *Sentinel) allowIntervention(jobID string, sev Severity) bool {
	s.mu.Lock()
	w, ok := s.jobs[jobID]
	if ok && w.limiter.Allow() {
		s.mu.Unlock()
		return true
	}
	s.suppressed++
	s.mu.Unlock()
	s.log.Warn("intervention suppressed by hourly ceiling",
		zap.String("job_id", jobID),
		zap.String("severity", sev.String()))
	return false
}

// retryNextScan rolls escalation state back one rung so the failed
// action is retried on the next scan.
func (s *Sentinel) retryNextScan(jobID string, sev Severity, err error) {
	s.log.Warn("intervention failed, will retry",
		zap.String("job_id", jobID),
		zap.String("severity", sev.String()),
		zap.Error(err))
	s.mu.Lock()
	if w, ok := s.jobs[jobID]; ok && w.acted == sev {
		w.acted = sev - 1
	}
	s.mu.Unlock()
}

// Status reports every watched job with its current severity.
func (s *Sentinel) Status() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := Report{GeneratedAt: time.Now().UTC(), Suppressed: s.suppressed}
	for id, w := range s.jobs {
		threshold := s.cfg.Thresholds[w.role]
		silence := time.Since(w.lastActivity)
		st := JobStatus{
			JobID:        id,
			Role:         w.role,
			Severity:     severityFor(silence, threshold).String(),
			SilenceFor:   silence,
			Threshold:    threshold,
			LastActivity: w.lastActivity,
		}
		if w.sampled {
			st.RSSBytes = w.sample.rssBytes
			st.CPUSeconds = w.sample.cpuTime.Seconds()
		}
		rep.Watched = append(rep.Watched, st)
	}
	return rep
}
