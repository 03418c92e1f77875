// Package output provides concurrent tailing of a job's log lines. Multiple
// subscribers can follow one Buffer and each receive every line from the
// beginning, at their own pace, without interfering with each other.
package output

import "sync"

// Buffer is the append-only sequence of raw output lines for one job. Lines
// arrive from the worker's stdout and stderr readers; each channel's lines
// keep their arrival order, with no ordering promise between the two.
//
// The buffer grows without bound while the job exists. Jobs are evicted a
// bounded time after reaching a terminal state, which is what bounds memory.
type Buffer struct {
	mu   sync.Mutex
	cond sync.Cond

	lines  []string
	closed bool
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.cond.L = &b.mu

	return b
}

// Append adds a line and wakes any subscribers waiting for data. Appending to
// a closed Buffer is a no-op; the log never grows after the job finishes
// flushing.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.lines = append(b.lines, line)

	b.cond.Broadcast()
}

// Close marks the Buffer complete, waking all subscribers so they can drain
// the tail and stop. Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	b.cond.Broadcast()
}

// Closed reports whether the Buffer has been closed.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// Lines returns a snapshot copy of all lines appended so far.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]string, len(b.lines))
	copy(snapshot, b.lines)

	return snapshot
}

// Len returns the number of lines appended so far.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.lines)
}

// Subscribe returns a Subscriber positioned at the start of the Buffer. Each
// subscriber maintains an independent cursor.
func (b *Buffer) Subscribe() *Subscriber {
	return &Subscriber{b: b}
}
