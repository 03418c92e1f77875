package jobmanager

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/trainrunner/internal/auth"
	"github.com/nixpig/trainrunner/internal/jobmanager/limits"
	"github.com/nixpig/trainrunner/internal/jobmanager/output"
	"github.com/nixpig/trainrunner/internal/redact"
	"github.com/nixpig/trainrunner/internal/registry"
	"github.com/nixpig/trainrunner/internal/trainconfig"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// workerScriptName is the filename the generated program is written to
	// inside the job's private working directory.
	workerScriptName = "train.py"

	// runtimeProbeTimeout bounds the interpreter availability precheck.
	runtimeProbeTimeout = 2 * time.Second

	// scanBufferSize allows long output lines; metric payloads are small but
	// free-form worker output (tracebacks, dumps) can run long.
	scanBufferSize = 1024 * 1024
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	// Runtime is the worker interpreter binary.
	Runtime string

	// WorkRoot is the directory under which per-job working directories are
	// created.
	WorkRoot string

	// VirtualMemoryMaxBytes is the RLIMIT_AS ceiling applied to every worker
	// at launch.
	VirtualMemoryMaxBytes int64

	// CgroupRoot enables per-job cgroup caps when set to a cgroup v2 root.
	CgroupRoot string

	// StopGracePeriod is the delay between the advisory SIGTERM and the
	// forced SIGKILL on stop.
	StopGracePeriod time.Duration

	// EvictAfter is how long a terminal job stays visible in the registry
	// before its record and working directory are destroyed.
	EvictAfter time.Duration

	Logger *logrus.Logger
}

func (o *Options) withDefaults() Options {
	opts := *o

	if opts.Runtime == "" {
		opts.Runtime = "python3"
	}

	if opts.WorkRoot == "" {
		opts.WorkRoot = filepath.Join(os.TempDir(), "trainrunner")
	}

	if opts.VirtualMemoryMaxBytes == 0 {
		opts.VirtualMemoryMaxBytes = 8 << 30
	}

	if opts.StopGracePeriod == 0 {
		opts.StopGracePeriod = 10 * time.Second
	}

	if opts.EvictAfter == 0 {
		opts.EvictAfter = 60 * time.Second
	}

	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return opts
}

// proc pairs a running worker with its cgroup. Process handles live only
// here; nothing outside the Manager ever sees them.
type proc struct {
	cmd    *exec.Cmd
	cgroup *limits.Cgroup
}

// Manager is the process supervisor. It owns the write side of every job
// record it creates.
type Manager struct {
	store  registry.Store
	opts   Options
	logger *logrus.Logger

	mu    sync.Mutex
	procs map[string]*proc

	waiters sync.WaitGroup
}

// NewManager creates a Manager writing job records into store.
func NewManager(store registry.Store, opts Options) (*Manager, error) {
	o := opts.withDefaults()

	if err := os.MkdirAll(o.WorkRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}

	if o.CgroupRoot != "" {
		if err := limits.ValidateCgroupRoot(o.CgroupRoot); err != nil {
			return nil, err
		}
	}

	return &Manager{
		store:  store,
		opts:   o,
		logger: o.Logger,
		procs:  make(map[string]*proc),
	}, nil
}

// CheckRuntime verifies the worker interpreter is invocable. It runs a cheap
// no-op program under a short timeout and reports ErrRuntimeUnavailable if
// that fails, so a start request can be rejected fast instead of spawning a
// job that dies on launch.
func (m *Manager) CheckRuntime(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, runtimeProbeTimeout)
	defer cancel()

	if err := exec.CommandContext(ctx, m.opts.Runtime, "-c", "").Run(); err != nil {
		return fmt.Errorf("%w: probe failed: %v", ErrRuntimeUnavailable, err)
	}

	return nil
}

// Spawn registers a new job for owner and launches its worker process. The
// program text is written to a private per-job directory; secrets reach the
// worker only through env. A launch failure does not return an error: it
// surfaces as a job in status failed with a sanitized explanation in its
// log, exactly as a crash later in the run would.
func (m *Manager) Spawn(
	owner string,
	cfg trainconfig.Config,
	program string,
	env []string,
	res limits.Resources,
) (registry.Job, error) {
	id := uuid.NewString()

	job := &registry.Job{
		ID:              id,
		OwnerCredential: owner,
		Config:          cfg,
		Status:          registry.StatusRunning,
		StartedAt:       time.Now(),
		Output:          output.NewBuffer(),
	}

	if err := m.store.Create(id, job); err != nil {
		return registry.Job{}, fmt.Errorf("register job: %w", err)
	}

	dir := m.workDir(id)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return m.failLaunch(id, fmt.Errorf("create working directory: %w", err))
	}

	if err := os.WriteFile(
		filepath.Join(dir, workerScriptName),
		[]byte(program),
		0o600,
	); err != nil {
		return m.failLaunch(id, fmt.Errorf("write worker program: %w", err))
	}

	cmd := exec.Command(m.opts.Runtime, workerScriptName)
	cmd.Dir = dir
	cmd.Env = env

	// Workers get their own process group so termination signals reach any
	// children they fork.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return m.failLaunch(id, fmt.Errorf("create stdout pipe: %w", err))
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return m.failLaunch(id, fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return m.failLaunch(id, fmt.Errorf("start worker process: %w", err))
	}

	pid := cmd.Process.Pid

	if err := limits.SetVirtualMemoryCeiling(pid, m.opts.VirtualMemoryMaxBytes); err != nil {
		m.logger.WithField("job", id).WithError(err).
			Warn("failed to apply virtual memory ceiling")
	}

	p := &proc{cmd: cmd}

	if m.opts.CgroupRoot != "" {
		p.cgroup = m.joinCgroup(id, pid, res)
	}

	m.mu.Lock()
	m.procs[id] = p
	m.mu.Unlock()

	// Lines on one channel keep arrival order; stdout and stderr are
	// independent sources with no interleaving guarantee between them.
	var readers sync.WaitGroup
	readers.Add(2)
	go m.readLines(id, job.Output, stdout, &readers)
	go m.readLines(id, job.Output, stderr, &readers)

	m.waiters.Go(func() {
		readers.Wait()

		err := cmd.Wait()
		exitCode := cmd.ProcessState.ExitCode()

		if err != nil && exitCode == 0 {
			// Wait failed for a reason other than a non-zero exit.
			exitCode = -1
		}

		m.finalize(id, exitCode)
	})

	m.logger.WithFields(logrus.Fields{
		"job": id,
		"pid": pid,
	}).Info("worker started")

	snapshot, _ := m.store.Get(id)

	return snapshot, nil
}

// Stop cancels a running job: the status flips to cancelled immediately, the
// worker gets SIGTERM, and if it is still around after the grace period it
// is forcefully killed. Once cancelled, the exit-driven status write from
// the worker's eventual death is ignored.
func (m *Manager) Stop(id, credential string) error {
	job, exists := m.store.Get(id)
	if !exists {
		return ErrJobNotFound
	}

	if !auth.SameOwner(job.OwnerCredential, credential) {
		return ErrNotOwner
	}

	var (
		cancelled bool
		current   registry.Status
	)

	m.store.Update(id, func(j *registry.Job) {
		current = j.Status
		cancelled = j.Transition(registry.StatusCancelled)
	})

	if !cancelled {
		return InvalidStateError{Status: current}
	}

	job.Output.Append("stop requested; sent SIGTERM to worker")

	m.signal(id, unix.SIGTERM)

	time.AfterFunc(m.opts.StopGracePeriod, func() {
		if !m.alive(id) {
			return
		}

		job.Output.Append("grace period expired; worker forcefully terminated")

		m.signal(id, unix.SIGKILL)
	})

	m.logger.WithField("job", id).Info("job cancelled")

	return nil
}

// Get returns a snapshot of the job record, enforcing ownership.
func (m *Manager) Get(id, credential string) (registry.Job, error) {
	job, exists := m.store.Get(id)
	if !exists {
		return registry.Job{}, ErrJobNotFound
	}

	if !auth.SameOwner(job.OwnerCredential, credential) {
		return registry.Job{}, ErrNotOwner
	}

	return job, nil
}

// Shutdown kills any still-running workers and waits for their records to be
// finalized. Best effort; used on server exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.store.Update(id, func(j *registry.Job) {
			j.Transition(registry.StatusCancelled)
		})

		m.signal(id, unix.SIGKILL)
	}

	m.waiters.Wait()
}

func (m *Manager) workDir(id string) string {
	return filepath.Join(m.opts.WorkRoot, "job-"+id)
}

func (m *Manager) joinCgroup(id string, pid int, res limits.Resources) *limits.Cgroup {
	cg, err := limits.CreateCgroup(m.opts.CgroupRoot, id, res)
	if err != nil {
		m.logger.WithField("job", id).WithError(err).
			Warn("failed to create cgroup")
		return nil
	}

	if err := cg.Join(pid); err != nil {
		m.logger.WithField("job", id).WithError(err).
			Warn("failed to join cgroup")

		cg.Destroy()

		return nil
	}

	return cg
}

// readLines appends each line from one output channel to the job log,
// preserving that channel's arrival order.
func (m *Manager) readLines(
	id string,
	buf *output.Buffer,
	r io.Reader,
	readers *sync.WaitGroup,
) {
	defer readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for scanner.Scan() {
		buf.Append(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		// Never let an output-handling failure escape the supervisor; it
		// lands in the job's own log instead.
		buf.Append("[ERROR] " + redact.Sanitize(err.Error()))

		m.logger.WithField("job", id).WithError(err).
			Warn("worker output read failed")
	}
}

// finalize records the exit of a worker process: terminal status by exit
// code unless a stop already won, a summary log line, buffer close, and
// deferred eviction.
func (m *Manager) finalize(id string, exitCode int) {
	m.mu.Lock()
	p := m.procs[id]
	delete(m.procs, id)
	m.mu.Unlock()

	if p != nil && p.cgroup != nil {
		if err := p.cgroup.Destroy(); err != nil {
			m.logger.WithField("job", id).WithError(err).
				Warn("failed to remove cgroup")
		}
	}

	status := registry.StatusCompleted
	if exitCode != 0 {
		status = registry.StatusFailed
	}

	m.store.Update(id, func(j *registry.Job) {
		// No-op when stop() already set a terminal status.
		j.Transition(status)

		j.Output.Append(fmt.Sprintf("worker exited with code %d", exitCode))
		j.Output.Close()
	})

	m.logger.WithFields(logrus.Fields{
		"job":  id,
		"code": exitCode,
	}).Info("worker exited")

	m.scheduleEviction(id)
}

// failLaunch marks a job that never got a process as failed. The caller gets
// the job back, not an error: launch failures are terminal job states.
func (m *Manager) failLaunch(id string, cause error) (registry.Job, error) {
	m.logger.WithField("job", id).WithError(cause).Error("worker launch failed")

	m.store.Update(id, func(j *registry.Job) {
		j.Transition(registry.StatusFailed)

		j.Output.Append("[ERROR] failed to launch worker: " + redact.Sanitize(cause.Error()))
		j.Output.Close()
	})

	m.scheduleEviction(id)

	snapshot, _ := m.store.Get(id)

	return snapshot, nil
}

// scheduleEviction destroys the registry record and working directory after
// the grace window that lets slow viewers catch up.
func (m *Manager) scheduleEviction(id string) {
	time.AfterFunc(m.opts.EvictAfter, func() {
		m.store.Delete(id)

		if err := os.RemoveAll(m.workDir(id)); err != nil {
			m.logger.WithField("job", id).WithError(err).
				Warn("failed to remove working directory")
		}

		m.logger.WithField("job", id).Debug("job evicted")
	})
}

func (m *Manager) alive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.procs[id]

	return exists
}

// signal delivers sig to the worker's process group.
func (m *Manager) signal(id string, sig unix.Signal) {
	m.mu.Lock()
	p := m.procs[id]
	m.mu.Unlock()

	if p == nil || p.cmd.Process == nil {
		return
	}

	if err := unix.Kill(-p.cmd.Process.Pid, sig); err != nil {
		m.logger.WithField("job", id).WithError(err).
			Warn("failed to signal worker process group")
	}
}
