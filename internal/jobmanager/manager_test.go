package jobmanager_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/trainrunner/internal/jobmanager"
	"github.com/nixpig/trainrunner/internal/jobmanager/limits"
	"github.com/nixpig/trainrunner/internal/registry"
	"github.com/nixpig/trainrunner/internal/trainconfig"
	"github.com/sirupsen/logrus"
)

const testOwner = "sk-test_0123456789abcdef"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logger
}

// newTestManager uses sh as the worker runtime so tests can drive process
// behaviour with small shell scripts instead of a python install.
func newTestManager(t *testing.T, opts jobmanager.Options) (*jobmanager.Manager, registry.Store) {
	t.Helper()

	store := registry.NewMemoryStore()

	opts.Runtime = "sh"
	opts.WorkRoot = t.TempDir()
	opts.Logger = quietLogger()

	if opts.StopGracePeriod == 0 {
		opts.StopGracePeriod = 200 * time.Millisecond
	}

	if opts.EvictAfter == 0 {
		opts.EvictAfter = time.Hour
	}

	m, err := jobmanager.NewManager(store, opts)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(m.Shutdown)

	return m, store
}

func spawnScript(t *testing.T, m *jobmanager.Manager, script string) registry.Job {
	t.Helper()

	job, err := m.Spawn(
		testOwner,
		trainconfig.Config{},
		script,
		nil,
		limits.Resources{},
	)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return job
}

func waitForStatus(
	t *testing.T,
	m *jobmanager.Manager,
	id string,
	want registry.Status,
) registry.Job {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		job, err := m.Get(id, testOwner)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if job.Status == want {
			return job
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for status '%s'", want)

	return registry.Job{}
}

func TestSpawnRunsToCompletion(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, jobmanager.Options{})

	job := spawnScript(t, m, "echo hello\necho oops 1>&2\n")

	if job.Status != registry.StatusRunning && job.Status != registry.StatusCompleted {
		t.Errorf("expected job to start running: got '%s'", job.Status)
	}

	done := waitForStatus(t, m, job.ID, registry.StatusCompleted)

	log := done.Output.Lines()

	if !contains(log, "hello") {
		t.Errorf("expected stdout line in log: got '%v'", log)
	}

	if !contains(log, "oops") {
		t.Errorf("expected stderr line in log: got '%v'", log)
	}

	if !contains(log, "worker exited with code 0") {
		t.Errorf("expected terminal summary line: got '%v'", log)
	}

	if done.CompletedAt.IsZero() {
		t.Errorf("expected completed timestamp to be set")
	}
}

func TestSpawnNonZeroExitIsFailed(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, jobmanager.Options{})

	job := spawnScript(t, m, "exit 3\n")

	done := waitForStatus(t, m, job.ID, registry.StatusFailed)

	if !contains(done.Output.Lines(), "worker exited with code 3") {
		t.Errorf("expected exit code in summary: got '%v'", done.Output.Lines())
	}
}

func TestSpawnLaunchFailureIsTerminalFailedJob(t *testing.T) {
	t.Parallel()

	store := registry.NewMemoryStore()

	m, err := jobmanager.NewManager(store, jobmanager.Options{
		Runtime:  "/definitely/not/a/real/interpreter",
		WorkRoot: t.TempDir(),
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	job, err := m.Spawn(
		testOwner,
		trainconfig.Config{},
		"echo unreachable\n",
		nil,
		limits.Resources{},
	)
	if err != nil {
		t.Fatalf("expected launch failure not to be an error: got '%v'", err)
	}

	if job.Status != registry.StatusFailed {
		t.Errorf("expected status: got '%s', want 'failed'", job.Status)
	}

	log := job.Output.Lines()
	if len(log) == 0 {
		t.Fatalf("expected a launch failure log line")
	}

	for _, line := range log {
		if strings.Contains(line, "/definitely/not/a/real/interpreter") {
			t.Errorf("expected interpreter path to be redacted: got '%s'", line)
		}
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, jobmanager.Options{})

	job := spawnScript(t, m, "sleep 30\n")

	if err := m.Stop(job.ID, testOwner); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	// Status flips to cancelled immediately, before the process dies.
	got, err := m.Get(job.ID, testOwner)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if got.Status != registry.StatusCancelled {
		t.Errorf("expected status: got '%s', want 'cancelled'", got.Status)
	}

	if !contains(got.Output.Lines(), "stop requested; sent SIGTERM to worker") {
		t.Errorf("expected advisory log line: got '%v'", got.Output.Lines())
	}

	// The exit-driven write must not overwrite the cancellation.
	waitForBufferClose(t, got)

	final, err := m.Get(job.ID, testOwner)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if final.Status != registry.StatusCancelled {
		t.Errorf(
			"expected exit write to be ignored: got '%s', want 'cancelled'",
			final.Status,
		)
	}
}

func TestStopForcesTerminationAfterGracePeriod(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, jobmanager.Options{
		StopGracePeriod: 200 * time.Millisecond,
	})

	// The worker ignores SIGTERM, so only the forced kill ends it.
	job := spawnScript(t, m, "trap '' TERM\nwhile true; do sleep 0.1; done\n")

	if err := m.Stop(job.ID, testOwner); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	waitForBufferClose(t, job)

	final, err := m.Get(job.ID, testOwner)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if final.Status != registry.StatusCancelled {
		t.Errorf("expected status: got '%s', want 'cancelled'", final.Status)
	}

	if !contains(
		final.Output.Lines(),
		"grace period expired; worker forcefully terminated",
	) {
		t.Errorf("expected forced termination log line: got '%v'", final.Output.Lines())
	}
}

func TestStopErrors(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, jobmanager.Options{})

	t.Run("Test stop unknown job", func(t *testing.T) {
		if err := m.Stop("no-such-job", testOwner); !errors.Is(err, jobmanager.ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound: got '%v'", err)
		}
	})

	t.Run("Test stop with wrong credential", func(t *testing.T) {
		job := spawnScript(t, m, "sleep 30\n")

		err := m.Stop(job.ID, "sk-other_0123456789abcd")
		if !errors.Is(err, jobmanager.ErrNotOwner) {
			t.Errorf("expected ErrNotOwner: got '%v'", err)
		}

		if err := m.Stop(job.ID, testOwner); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
	})

	t.Run("Test stop job twice", func(t *testing.T) {
		job := spawnScript(t, m, "sleep 30\n")

		if err := m.Stop(job.ID, testOwner); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		err := m.Stop(job.ID, testOwner)

		var invalidState jobmanager.InvalidStateError
		if !errors.As(err, &invalidState) {
			t.Fatalf("expected InvalidStateError: got '%v'", err)
		}

		if invalidState.Status != registry.StatusCancelled {
			t.Errorf(
				"expected reported status: got '%s', want 'cancelled'",
				invalidState.Status,
			)
		}
	})
}

func TestGetEnforcesOwnership(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, jobmanager.Options{})

	job := spawnScript(t, m, "echo hi\n")

	if _, err := m.Get(job.ID, "sk-other_0123456789abcd"); !errors.Is(err, jobmanager.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner: got '%v'", err)
	}

	if _, err := m.Get("no-such-job", testOwner); !errors.Is(err, jobmanager.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound: got '%v'", err)
	}
}

func TestTerminalJobIsEvicted(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, jobmanager.Options{
		EvictAfter: 100 * time.Millisecond,
	})

	job := spawnScript(t, m, "echo done\n")

	waitForStatus(t, m, job.ID, registry.StatusCompleted)

	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		if _, err := m.Get(job.ID, testOwner); errors.Is(err, jobmanager.ErrJobNotFound) {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for job to be evicted")
}

func TestCheckRuntime(t *testing.T) {
	t.Parallel()

	t.Run("Test available runtime", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t, jobmanager.Options{})

		if err := m.CheckRuntime(context.Background()); err != nil {
			t.Errorf("expected runtime to be available: got '%v'", err)
		}
	})

	t.Run("Test unavailable runtime", func(t *testing.T) {
		t.Parallel()

		store := registry.NewMemoryStore()

		m, err := jobmanager.NewManager(store, jobmanager.Options{
			Runtime:  "/definitely/not/a/real/interpreter",
			WorkRoot: t.TempDir(),
			Logger:   quietLogger(),
		})
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		err = m.CheckRuntime(context.Background())
		if !errors.Is(err, jobmanager.ErrRuntimeUnavailable) {
			t.Errorf("expected ErrRuntimeUnavailable: got '%v'", err)
		}
	})
}

func waitForBufferClose(t *testing.T, job registry.Job) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		if job.Output.Closed() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for job output to close")
}

func contains(lines []string, want string) bool {
	for _, line := range lines {
		if strings.Contains(line, want) {
			return true
		}
	}

	return false
}
