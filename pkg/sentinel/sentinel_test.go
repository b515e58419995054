package sentinel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/pkg/jobfile"
)

type fakeIntervener struct {
	mu         sync.Mutex
	requested  []string
	forced     []string
	marked     []string
	requestErr error
}

func (f *fakeIntervener) RequestStop(_ context.Context, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, jobID)
	return f.requestErr
}

func (f *fakeIntervener) ForceStop(_ context.Context, jobID, _ string, mark bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, jobID)
	if mark {
		f.marked = append(f.marked, jobID)
	}
	return nil
}

func testJob(id, role string) *jobfile.Job {
	return &jobfile.Job{JobID: id, State: jobfile.StateExecuting, Prompt: "p", Role: role}
}

func TestSeverityLadder(t *testing.T) {
	threshold := time.Minute
	cases := []struct {
		silence time.Duration
		want    Severity
	}{
		{30 * time.Second, SeverityNone},
		{time.Minute, SeverityLow},
		{90 * time.Second, SeverityLow},
		{2 * time.Minute, SeverityMedium},
		{4 * time.Minute, SeverityHigh},
		{7 * time.Minute, SeverityHigh},
		{8 * time.Minute, SeverityCritical},
		{time.Hour, SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, severityFor(tc.silence, threshold), "silence=%s", tc.silence)
	}
	assert.Equal(t, SeverityNone, severityFor(time.Hour, 0), "zero threshold disables grading")
}

func TestEscalationIsMonotonic(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Thresholds: map[string]time.Duration{jobfile.RoleAutonomous: 10 * time.Millisecond},
	}, zap.NewNop())

	s.Watch(testJob("job-1", jobfile.RoleAutonomous))
	time.Sleep(45 * time.Millisecond) // past 4x: high

	ctx := context.Background()
	s.scanOnce(ctx)
	s.scanOnce(ctx)
	s.scanOnce(ctx)

	// High force-stops once, not once per scan, and leaves the job
	// executing for harvest.
	assert.Equal(t, []string{"job-1"}, fi.forced)
	assert.Empty(t, fi.marked)
	assert.Empty(t, fi.requested, "jumped straight past medium")

	time.Sleep(45 * time.Millisecond) // past 8x: critical
	s.scanOnce(ctx)
	assert.Equal(t, []string{"job-1", "job-1"}, fi.forced)
	assert.Equal(t, []string{"job-1"}, fi.marked, "critical rests the job for a human")
}

func TestActivityResetsEscalation(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Thresholds: map[string]time.Duration{jobfile.RoleAutonomous: 20 * time.Millisecond},
	}, zap.NewNop())

	s.Watch(testJob("job-1", jobfile.RoleAutonomous))
	time.Sleep(30 * time.Millisecond)
	s.scanOnce(context.Background()) // low: log only
	assert.Empty(t, fi.requested)

	s.RecordActivity("job-1")
	rep := s.Status()
	require.Len(t, rep.Watched, 1)
	assert.Equal(t, "none", rep.Watched[0].Severity)
}

func TestHourlyCeilingSuppressesRepeatOffender(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Thresholds:              map[string]time.Duration{jobfile.RoleAutonomous: 5 * time.Millisecond},
		MaxInterventionsPerHour: 2,
	}, zap.NewNop())

	s.Watch(testJob("job-1", jobfile.RoleAutonomous))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond) // critical again
		s.scanOnce(ctx)
		s.RecordActivity("job-1") // opens a fresh silence window
	}

	fi.mu.Lock()
	forced := len(fi.forced)
	fi.mu.Unlock()
	assert.Equal(t, 2, forced, "third strike suppressed")
	assert.Equal(t, 1, s.Status().Suppressed)
}

func TestCeilingIsPerJob(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Thresholds:              map[string]time.Duration{jobfile.RoleAutonomous: 5 * time.Millisecond},
		MaxInterventionsPerHour: 1,
	}, zap.NewNop())

	s.Watch(testJob("a", jobfile.RoleAutonomous))
	s.Watch(testJob("b", jobfile.RoleAutonomous))
	time.Sleep(50 * time.Millisecond) // both critical

	s.scanOnce(context.Background())

	fi.mu.Lock()
	forced := len(fi.forced)
	fi.mu.Unlock()
	assert.Equal(t, 2, forced, "each job spends its own budget")
	assert.Zero(t, s.Status().Suppressed)
}

func TestFailedInterventionRetriesNextScan(t *testing.T) {
	fi := &fakeIntervener{requestErr: errors.New("lock is busy")}
	s := New(fi, Config{
		Thresholds: map[string]time.Duration{jobfile.RoleInteractive: 100 * time.Millisecond},
	}, zap.NewNop())

	s.Watch(testJob("job-1", jobfile.RoleInteractive))
	time.Sleep(250 * time.Millisecond) // past 2x: medium

	ctx := context.Background()
	s.scanOnce(ctx)
	s.scanOnce(ctx)
	assert.Equal(t, []string{"job-1", "job-1"}, fi.requested, "retried while the engine held the lock")

	fi.requestErr = nil
	s.scanOnce(ctx)
	assert.Len(t, fi.requested, 3)
	s.scanOnce(ctx)
	assert.Len(t, fi.requested, 3, "success ends the retries")
	assert.Empty(t, fi.forced)
}

func TestForgetStopsMonitoring(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Thresholds: map[string]time.Duration{jobfile.RoleAutonomous: 5 * time.Millisecond},
	}, zap.NewNop())

	s.Watch(testJob("job-1", jobfile.RoleAutonomous))
	s.Forget("job-1")
	time.Sleep(50 * time.Millisecond)
	s.scanOnce(context.Background())

	assert.Empty(t, fi.requested)
	assert.Empty(t, fi.forced)
	assert.Empty(t, s.Status().Watched)
}

func TestResourceAnomalyRaisesOneRung(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Thresholds:         map[string]time.Duration{jobfile.RoleAutonomous: time.Hour},
		MemoryCeilingBytes: 1 << 20,
	}, zap.NewNop())
	s.sample = func(int) (procSample, bool) {
		return procSample{rssBytes: 2 << 20, cpuTime: 3 * time.Second}, true
	}

	job := testJob("job-1", jobfile.RoleAutonomous)
	job.PID = 4242
	s.Watch(job)

	// No silence to speak of, so the anomaly alone lifts none to low:
	// logged, never acted on.
	s.scanOnce(context.Background())
	assert.Empty(t, fi.requested)
	assert.Empty(t, fi.forced)

	rep := s.Status()
	require.Len(t, rep.Watched, 1)
	assert.Equal(t, int64(2<<20), rep.Watched[0].RSSBytes)
	assert.Equal(t, 3.0, rep.Watched[0].CPUSeconds)
}

func TestResourceAnomalyCannotMarkIntervention(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Thresholds:         map[string]time.Duration{jobfile.RoleAutonomous: 10 * time.Millisecond},
		MemoryCeilingBytes: 1 << 20,
	}, zap.NewNop())
	s.sample = func(int) (procSample, bool) {
		return procSample{rssBytes: 2 << 20}, true
	}

	job := testJob("job-1", jobfile.RoleAutonomous)
	job.PID = 4242
	s.Watch(job)
	time.Sleep(25 * time.Millisecond) // medium silence; bumped to high

	s.scanOnce(context.Background())
	assert.Equal(t, []string{"job-1"}, fi.forced, "bump reaches force-stop")
	assert.Empty(t, fi.marked, "bump never rests the job for intervention")
}

func TestRewatchTracksNewPIDKeepsBudget(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Thresholds:              map[string]time.Duration{jobfile.RoleAutonomous: 5 * time.Millisecond},
		MaxInterventionsPerHour: 1,
	}, zap.NewNop())

	var probed []int
	s.sample = func(pid int) (procSample, bool) {
		probed = append(probed, pid)
		return procSample{}, false
	}

	job := testJob("job-1", jobfile.RoleAutonomous)
	job.PID = 111
	s.Watch(job)

	ctx := context.Background()
	time.Sleep(50 * time.Millisecond) // critical; budget spent
	s.scanOnce(ctx)
	require.Equal(t, []string{"job-1"}, fi.forced)

	// A restart hands the sentinel the replacement pid.
	job.PID = 222
	s.Watch(job)
	s.scanOnce(ctx)
	assert.Contains(t, probed, 222)
	assert.NotContains(t, probed[1:], 111, "dead predecessor no longer probed")

	time.Sleep(50 * time.Millisecond) // critical again
	s.scanOnce(ctx)
	assert.Len(t, fi.forced, 1, "budget survives the re-watch")
	assert.Equal(t, 1, s.Status().Suppressed)
}

func TestStartStop(t *testing.T) {
	fi := &fakeIntervener{}
	s := New(fi, Config{
		Interval:   5 * time.Millisecond,
		Thresholds: map[string]time.Duration{jobfile.RoleAutonomous: 10 * time.Millisecond},
	}, zap.NewNop())

	s.Watch(testJob("job-1", jobfile.RoleAutonomous))
	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	fi.mu.Lock()
	requested := len(fi.requested)
	fi.mu.Unlock()
	assert.GreaterOrEqual(t, requested, 1, "scan loop escalated on its own")
}
