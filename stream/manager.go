// Package stream coordinates the lifecycle of many concurrent capture
// sessions: one Reader and one capture goroutine per session, feeding a
// shared frame bus.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vision-stream-server/framebus"
	"vision-stream-server/media"
	"vision-stream-server/source"
)

const (
	DefaultDisconnectedBackoff = time.Second
	DefaultIdleBackoff         = 10 * time.Millisecond
)

var (
	// ErrUnknownSession is returned for stop or lookup of an absent session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrManagerStopped is returned by StartStream after Stop.
	ErrManagerStopped = errors.New("stream manager is stopped")
)

// FrameBus is the part of the frame bus the manager drives.
type FrameBus interface {
	Publish(sessionID string, frame media.Frame) error
	Unsubscribe(sessionID string) bool
	Stats(sessionID string) (framebus.QueueStats, bool)
	OnFault(h framebus.FaultHandler)
	Close()
}

// Options tunes the capture loop's own patience, separate from the
// reader's reconnect policy.
type Options struct {
	// DisconnectedBackoff is the pause after a read while the reader has
	// no live connection.
	DisconnectedBackoff time.Duration
	// IdleBackoff is the pause after a transient empty read.
	IdleBackoff time.Duration
}

// DefaultOptions returns the production capture loop settings.
func DefaultOptions() Options {
	return Options{
		DisconnectedBackoff: DefaultDisconnectedBackoff,
		IdleBackoff:         DefaultIdleBackoff,
	}
}

// Manager owns the session registry. Registry membership is the single
// source of truth for whether a session is active.
type Manager struct {
	bus       FrameBus
	opener    source.Opener
	readerCfg source.Config
	opts      Options
	logger    *zap.SugaredLogger

	// ctl serialises start and stop so replace semantics hold.
	ctl         sync.Mutex
	baseCtx     context.Context
	stopped     bool
	unwatchBase func() bool

	mu       sync.RWMutex
	sessions map[string]*session

	totalFrames atomic.Uint64
	running     atomic.Bool
}

// NewManager creates a manager publishing into bus and opening sources
// through opener.
func NewManager(bus FrameBus, opener source.Opener, readerCfg source.Config, opts Options, logger *zap.SugaredLogger) *Manager {
	if opts.DisconnectedBackoff <= 0 {
		opts.DisconnectedBackoff = DefaultDisconnectedBackoff
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = DefaultIdleBackoff
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := &Manager{
		bus:       bus,
		opener:    opener,
		readerCfg: readerCfg,
		opts:      opts,
		logger:    logger,
		baseCtx:   context.Background(),
		sessions:  make(map[string]*session),
	}
	bus.OnFault(m.handleBusFault)
	return m
}

// Start binds every session started afterwards to ctx. Cancelling ctx ends
// their capture loops and refuses new sessions; Stop still has to run to
// release resources.
func (m *Manager) Start(ctx context.Context) {
	m.ctl.Lock()
	if m.unwatchBase != nil {
		m.unwatchBase()
	}
	m.baseCtx = ctx
	m.running.Store(!m.stopped && ctx.Err() == nil)
	m.unwatchBase = context.AfterFunc(ctx, func() {
		m.logger.Infow("stream manager context cancelled")
		m.running.Store(false)
	})
	m.ctl.Unlock()
	m.logger.Infow("stream manager started")
}

// Stop tears down every session, waiting for each to unwind, then closes
// the bus. Idempotent.
func (m *Manager) Stop() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	m.running.Store(false)
	if m.unwatchBase != nil {
		m.unwatchBase()
	}

	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			m.teardown(s)
		}(s)
	}
	wg.Wait()

	m.bus.Close()
	m.logger.Infow("stream manager stopped",
		"sessions", len(sessions),
		"totalFrames", m.totalFrames.Load(),
	)
}

// StartStream validates desc and starts capturing it under sessionID. An
// existing session with the same id is stopped first. It returns once the
// capture loop is scheduled, not once a frame has arrived.
func (m *Manager) StartStream(sessionID string, desc source.Descriptor) error {
	desc.SessionID = sessionID
	if err := desc.Validate(); err != nil {
		return err
	}

	m.ctl.Lock()
	defer m.ctl.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}
	if err := m.baseCtx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrManagerStopped, err)
	}

	if existing := m.lookup(sessionID); existing != nil {
		m.logger.Infow("replacing running stream", "sessionID", sessionID)
		m.teardown(existing)
	}

	reader, err := source.NewReader(desc, m.opener, m.readerCfg, m.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	s := newSession(desc, reader, cancel)

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	go m.captureLoop(ctx, s)

	m.logger.Infow("stream started",
		"sessionID", sessionID,
		"kind", desc.Kind,
		"source", desc.RedactedURL(),
		"targetFPS", desc.TargetFPS,
	)
	return nil
}

// StopStream cancels the session, waits for its capture loop to exit,
// stops its reader, drops its bus queue and removes it from the registry,
// all before returning.
func (m *Manager) StopStream(sessionID string) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	s := m.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	m.teardown(s)
	m.logger.Infow("stream stopped", "sessionID", sessionID, "frames", s.reader.TotalFrames())
	return nil
}

func (m *Manager) teardown(s *session) {
	s.cancel()
	<-s.done
	s.reader.Stop()
	m.bus.Unsubscribe(s.id)

	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(sessionID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) captureLoop(ctx context.Context, s *session) {
	defer close(s.done)
	defer m.releaseIfFailed(s)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("capture loop panicked: %v", r)
			s.markFailed(err)
			m.logger.Errorw("stream failed", "sessionID", s.id, "error", err)
		}
	}()

	if err := s.reader.Connect(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warnw("initial connect failed, will retry", "sessionID", s.id, "error", err)
	}

	limiter := rate.NewLimiter(rate.Limit(s.desc.TargetFPS), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		img, err := s.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, source.ErrUnavailable) || s.reader.State() == source.StateFailed {
				s.markFailed(err)
				m.logger.Errorw("stream failed",
					"sessionID", s.id,
					"state", s.reader.State(),
					"failedAttempts", s.reader.FailedAttempts(),
					"error", err,
				)
				return
			}

			backoff := m.opts.IdleBackoff
			if !s.reader.IsConnected() {
				backoff = m.opts.DisconnectedBackoff
			}
			if !sleep(ctx, backoff) {
				return
			}
			continue
		}

		frame := media.Frame{
			SessionID:  s.id,
			Sequence:   s.sequence.Add(1),
			Image:      img,
			CapturedAt: time.Now(),
			TraceID:    uuid.NewString(),
		}
		m.totalFrames.Add(1)

		if err := m.bus.Publish(s.id, frame); err != nil {
			s.markFailed(err)
			m.logger.Errorw("stream failed", "sessionID", s.id, "error", err)
			return
		}
	}
}

// releaseIfFailed closes the source handle of a session whose loop ended in
// failure. A reader that spent its budget holds no handle and keeps its
// failed state.
func (m *Manager) releaseIfFailed(s *session) {
	if status, _ := s.snapshot(); status != StatusFailed {
		return
	}
	if s.reader.State() == source.StateFailed {
		return
	}
	s.reader.Stop()
}

// handleBusFault runs on the dying distribution goroutine, so it only
// flags the session and cancels its loop. The loop releases the reader on
// exit and StopStream removes the session.
func (m *Manager) handleBusFault(sessionID string, err error) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	m.logger.Errorw("stream failed in frame distribution", "sessionID", sessionID, "error", err)
	s.markFailed(err)
	s.cancel()
}

// GetStreamMetrics returns a live snapshot, or false for an unknown
// session.
func (m *Manager) GetStreamMetrics(sessionID string) (Metrics, bool) {
	s := m.lookup(sessionID)
	if s == nil {
		return Metrics{}, false
	}
	return m.metricsFor(s), true
}

// ListStreams returns every registered session ordered by id.
func (m *Manager) ListStreams() []Info {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{
			SessionID: s.id,
			Kind:      s.desc.Kind,
			Source:    s.desc.RedactedURL(),
			TargetFPS: s.desc.TargetFPS,
			StartedAt: s.startedAt,
			Metrics:   m.metricsFor(s),
		})
	}
	return out
}

// Running reports whether Start was called, its context is still live and
// Stop was not called.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// ActiveStreamCount returns the number of registered sessions.
func (m *Manager) ActiveStreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// TotalFramesProcessed counts frames published across all sessions since
// the manager was created.
func (m *Manager) TotalFramesProcessed() uint64 {
	return m.totalFrames.Load()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
