package domain

import "time"

// ThreadStatus enumerates lifecycle states for support threads.
type ThreadStatus string

const (
	ThreadStatusActive ThreadStatus = "active"
	ThreadStatusClosed ThreadStatus = "closed"
)

// ThreadState tracks the lifecycle of a (channel, thread) pair.
// Invariant: Archived implies Status == closed.
type ThreadState struct {
	ChannelID    int64
	ThreadHandle int64
	Status       ThreadStatus
	Archived     bool
	LastActivity time.Time
}

// IsActive reports whether the thread accepts routing without a reopen.
func (s *ThreadState) IsActive() bool {
	return s != nil && s.Status == ThreadStatusActive && !s.Archived
}
