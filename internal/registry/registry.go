// Package registry is the authoritative in-memory table of job records.
//
// The store is injected into components rather than living in a package
// global, so a shared external store could be substituted for multi-instance
// deployments without changing any component logic.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/nixpig/trainrunner/internal/jobmanager/output"
	"github.com/nixpig/trainrunner/internal/trainconfig"
)

// Status is the lifecycle state of a job. Running is the only non-terminal
// status; a job never leaves a terminal status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transitions can occur.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Job is the record of one worker execution. The process handle is not here:
// it belongs exclusively to the supervisor and is never exposed through the
// registry.
type Job struct {
	ID              string
	OwnerCredential string
	Config          trainconfig.Config
	Status          Status
	StartedAt       time.Time
	CompletedAt     time.Time

	// Output holds the append-only log and its subscribers. The buffer has
	// its own lock; reading it does not require going through Update.
	Output *output.Buffer
}

// Transition moves the job to a terminal status, first write wins. It returns
// false without modifying anything when the job is already terminal, which is
// what keeps a stop-initiated cancellation from being overwritten by the
// exit-driven status write that follows.
//
// Callers must invoke this inside Store.Update.
func (j *Job) Transition(to Status) bool {
	if j.Status.Terminal() || !to.Terminal() {
		return false
	}

	j.Status = to
	j.CompletedAt = time.Now()

	return true
}

var ErrDuplicateID = errors.New("job id already registered")

// Store is the shared job table. Update runs its function while holding the
// store's write lock, so read-modify-write sequences are atomic with respect
// to every other path that touches the same record; callers must re-read
// state inside the function rather than closing over an earlier snapshot.
//
// Get returns a copy. Mutable fields like Status are only written under the
// store lock, so a snapshot is the only safe thing to hand out; the shared
// Output buffer carries its own lock.
type Store interface {
	Create(id string, job *Job) error
	Get(id string) (Job, bool)
	Update(id string, fn func(*Job)) bool
	Delete(id string)
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(id string, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return ErrDuplicateID
	}

	s.jobs[id] = job

	return nil
}

func (s *MemoryStore) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return Job{}, false
	}

	return *job, true
}

func (s *MemoryStore) Update(id string, fn func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return false
	}

	fn(job)

	return true
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
}

// IDs returns the ids of all registered jobs.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}

	return ids
}
