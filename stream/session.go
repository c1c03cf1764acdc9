package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"vision-stream-server/source"
)

// Status is the session's lifecycle as seen by the control plane.
type Status string

const (
	StatusRunning Status = "running"
	// StatusFailed is terminal: the reader budget ran out or the capture
	// loop faulted. The session stays registered until stopped.
	StatusFailed Status = "failed"
)

type session struct {
	id        string
	desc      source.Descriptor
	reader    *source.Reader
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	sequence atomic.Uint64

	mu      sync.Mutex
	status  Status
	lastErr error
}

func newSession(desc source.Descriptor, reader *source.Reader, cancel context.CancelFunc) *session {
	return &session{
		id:        desc.SessionID,
		desc:      desc,
		reader:    reader,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		status:    StatusRunning,
	}
}

func (s *session) markFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusFailed {
		return
	}
	s.status = StatusFailed
	s.lastErr = err
}

func (s *session) snapshot() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastErr
}
