// Package jobmanager supervises externally-spawned training worker
// processes.
//
// The Manager writes each job's generated program to a private working
// directory, launches one interpreter process per job with a virtual-memory
// ceiling, captures its stdout and stderr line-by-line into the job's
// registry record, and drives the job's lifecycle: running until exit or
// stop, then a terminal status, then eviction from the registry after a
// grace window.
//
// Terminal status writes are first-write-wins. A stop-initiated cancellation
// is never overwritten by the exit-driven write that follows it.
package jobmanager
