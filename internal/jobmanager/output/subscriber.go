package output

// Subscriber follows a Buffer from the beginning, internally tracking its
// position and blocking for new lines as they arrive.
type Subscriber struct {
	b      *Buffer
	pos    int
	closed bool
}

// Next returns the lines appended since the previous call, blocking until at
// least one is available. It returns ok=false once the Buffer is closed and
// fully drained, or once the Subscriber itself has been closed; any lines
// returned alongside ok=false are still valid and must be delivered.
func (s *Subscriber) Next() (lines []string, ok bool) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	// Broadcast fires on append, buffer close, and subscriber close.
	for s.pos >= len(s.b.lines) && !s.b.closed && !s.closed {
		s.b.cond.Wait()
	}

	if s.pos < len(s.b.lines) {
		lines = make([]string, len(s.b.lines)-s.pos)
		copy(lines, s.b.lines[s.pos:])

		s.pos = len(s.b.lines)
	}

	return lines, !s.closed && !(s.b.closed && s.pos >= len(s.b.lines))
}

// Close cancels the subscription and wakes a blocked Next. It is the
// disconnect path for a viewer: after Close, no further work is performed on
// its behalf.
func (s *Subscriber) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	s.closed = true

	s.b.cond.Broadcast()
}
