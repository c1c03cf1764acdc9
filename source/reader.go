// Package source owns connections to video sources: local capture devices,
// RTSP and HTTP streams.
//
// A Reader holds at most one live connection. Blocking open and read calls
// run on a dedicated goroutine per call, serialised per reader, so callers
// stay responsive to cancellation. When a read fails the reader tears the
// connection down and the next ReadFrame runs one reconnect attempt:
//
//	Connected -> (read failure) -> Disconnected -> Reconnecting
//	Reconnecting -> Connected                  on success
//	Reconnecting -> Reconnecting               on failure, attempts < max
//	Reconnecting -> Failed                     on failure, attempts >= max
//
// Failed is terminal for the reader instance.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vision-stream-server/media"
	"vision-stream-server/metrics"
)

const (
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultWidth                = 640
	DefaultHeight               = 480
)

// Config tunes reconnection and frame geometry for a Reader.
type Config struct {
	// ReconnectDelay is the fixed wait before each reconnect attempt.
	// Zero retries immediately.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps consecutive failed connects, the first
	// connect included.
	MaxReconnectAttempts int
	// DefaultWidth and DefaultHeight apply when the descriptor leaves
	// geometry unset.
	DefaultWidth  int
	DefaultHeight int
}

// DefaultConfig returns the production reader settings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		DefaultWidth:         DefaultWidth,
		DefaultHeight:        DefaultHeight,
	}
}

// Reader maintains one connection to a video source and yields frames on
// demand, reconnecting on failure.
type Reader struct {
	desc   Descriptor
	target Target
	opener Opener
	cfg    Config
	logger *zap.SugaredLogger

	mu             sync.Mutex
	state          State
	capture        Capture
	failedAttempts int
	stopped        bool

	// ioMu serialises blocking calls so only one connection is ever live.
	ioMu     sync.Mutex
	inflight sync.WaitGroup

	totalFrames     atomic.Uint64
	connectAttempts atomic.Uint64
	reconnects      atomic.Uint64
	fps             *metrics.FPSCounter
	latency         *metrics.LatencyTracker
}

// NewReader validates the descriptor and builds a disconnected reader.
func NewReader(desc Descriptor, opener Opener, cfg Config, logger *zap.SugaredLogger) (*Reader, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if opener == nil {
		return nil, fmt.Errorf("%w: no opener configured", ErrInvalidConfiguration)
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	if cfg.DefaultWidth <= 0 {
		cfg.DefaultWidth = DefaultWidth
	}
	if cfg.DefaultHeight <= 0 {
		cfg.DefaultHeight = DefaultHeight
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	target, err := buildTarget(desc, cfg)
	if err != nil {
		return nil, err
	}

	return &Reader{
		desc:    desc,
		target:  target,
		opener:  opener,
		cfg:     cfg,
		logger:  logger.With("sessionID", desc.SessionID, "source", target.Redacted),
		state:   StateDisconnected,
		fps:     metrics.NewFPSCounter(metrics.DefaultFPSWindow),
		latency: metrics.NewLatencyTracker(metrics.DefaultLatencySamples),
	}, nil
}

func buildTarget(desc Descriptor, cfg Config) (Target, error) {
	t := Target{
		Kind:     desc.Kind,
		Redacted: desc.RedactedURL(),
		Width:    desc.Width,
		Height:   desc.Height,
		FPS:      desc.TargetFPS,
	}
	if t.Width == 0 {
		t.Width = cfg.DefaultWidth
	}
	if t.Height == 0 {
		t.Height = cfg.DefaultHeight
	}

	if desc.Kind == KindDevice {
		idx, err := desc.DeviceIndex()
		if err != nil {
			return Target{}, err
		}
		t.Device = idx
		return t, nil
	}

	u, err := desc.SourceURL()
	if err != nil {
		return Target{}, err
	}
	t.URL = u
	return t, nil
}

// Connect opens the source. It is a no-op when already connected.
func (r *Reader) Connect(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.stopped:
		r.mu.Unlock()
		return ErrReaderStopped
	case r.state == StateFailed:
		r.mu.Unlock()
		return ErrReaderFailed
	case r.state == StateConnected:
		r.mu.Unlock()
		return nil
	case r.state != StateReconnecting:
		r.state = StateConnecting
	}
	r.mu.Unlock()

	return r.open(ctx)
}

func (r *Reader) open(ctx context.Context) error {
	r.connectAttempts.Add(1)
	r.logger.Infow("connecting to source")

	c, err := offload(r, ctx, func() (Capture, error) {
		return r.opener.Open(ctx, r.target)
	}, closeCapture)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		if err == nil {
			closeCapture(c)
		}
		return ErrReaderStopped
	}

	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a source failure.
			r.state = StateDisconnected
			return ctx.Err()
		}
		r.failedAttempts++
		switch {
		case r.failedAttempts >= r.cfg.MaxReconnectAttempts:
			r.state = StateFailed
			r.logger.Errorw("reconnect budget exhausted",
				"attempts", r.failedAttempts,
				"maxAttempts", r.cfg.MaxReconnectAttempts,
				"error", err,
			)
		case r.state == StateReconnecting:
			// stays Reconnecting until the budget runs out
		default:
			r.state = StateDisconnected
		}
		return &ConnectionError{Target: r.target.Redacted, Err: err}
	}

	r.capture = c
	r.state = StateConnected
	r.failedAttempts = 0
	r.logger.Infow("connected to source")
	return nil
}

// reconnect runs a single attempt of the reconnect state machine.
func (r *Reader) reconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrReaderStopped
	}
	if r.state == StateFailed {
		r.mu.Unlock()
		return ErrReaderFailed
	}
	if r.failedAttempts >= r.cfg.MaxReconnectAttempts {
		r.state = StateFailed
		r.mu.Unlock()
		return ErrReaderFailed
	}
	r.state = StateReconnecting
	attempt := r.failedAttempts + 1
	old := r.capture
	r.capture = nil
	r.mu.Unlock()

	closeCapture(old)
	r.reconnects.Add(1)
	r.logger.Infow("reconnecting",
		"attempt", attempt,
		"maxAttempts", r.cfg.MaxReconnectAttempts,
		"delay", r.cfg.ReconnectDelay,
	)

	if r.cfg.ReconnectDelay > 0 {
		timer := time.NewTimer(r.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.setStateIf(StateReconnecting, StateDisconnected)
			return ctx.Err()
		}
	}

	return r.open(ctx)
}

// ReadFrame returns the next frame. When the connection is not live it
// runs a reconnect attempt instead and reports ErrUnavailable; once the
// budget is spent the error also matches ErrReaderFailed.
func (r *Reader) ReadFrame(ctx context.Context) (media.Image, error) {
	r.mu.Lock()
	c, state, stopped := r.capture, r.state, r.stopped
	r.mu.Unlock()

	switch {
	case stopped:
		return media.Image{}, fmt.Errorf("%w: %w", ErrUnavailable, ErrReaderStopped)
	case state == StateFailed:
		return media.Image{}, fmt.Errorf("%w: %w", ErrUnavailable, ErrReaderFailed)
	}

	if state != StateConnected || c == nil {
		err := r.reconnect(ctx)
		if ctx.Err() != nil {
			return media.Image{}, ctx.Err()
		}
		if err != nil {
			r.logger.Warnw("reconnect attempt failed", "error", err)
			if r.State() == StateFailed {
				return media.Image{}, fmt.Errorf("%w: %w", ErrUnavailable, ErrReaderFailed)
			}
		}
		return media.Image{}, ErrUnavailable
	}

	start := time.Now()
	img, err := offload(r, ctx, c.Read, nil)
	if err != nil {
		if ctx.Err() != nil {
			return media.Image{}, ctx.Err()
		}
		r.logger.Warnw("failed to read frame", "error", err)
		r.dropConnection(c)
		return media.Image{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	r.totalFrames.Add(1)
	r.fps.TickAt(time.Now())
	r.latency.Observe(time.Since(start))
	return img, nil
}

// Stop releases the handle, waits for any in-flight blocking call to
// unwind and leaves the reader Disconnected. Idempotent.
func (r *Reader) Stop() {
	r.mu.Lock()
	wasStopped := r.stopped
	r.stopped = true
	c := r.capture
	r.capture = nil
	r.state = StateDisconnected
	r.mu.Unlock()

	// Closing unblocks a pending Read so the wait below terminates.
	closeCapture(c)
	r.inflight.Wait()

	if !wasStopped {
		r.logger.Infow("reader stopped", "frames", r.totalFrames.Load())
	}
}

func (r *Reader) dropConnection(c Capture) {
	r.mu.Lock()
	if r.capture == c {
		r.capture = nil
		if r.state == StateConnected {
			r.state = StateDisconnected
		}
	}
	r.mu.Unlock()
	closeCapture(c)
}

func (r *Reader) setStateIf(from, to State) {
	r.mu.Lock()
	if r.state == from {
		r.state = to
	}
	r.mu.Unlock()
}

// State returns the current reconnect state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsConnected reports whether a connection is live.
func (r *Reader) IsConnected() bool {
	return r.State() == StateConnected
}

// FailedAttempts returns consecutive failed connects since the last success.
func (r *Reader) FailedAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedAttempts
}

// ConnectAttempts returns every connect ever tried.
func (r *Reader) ConnectAttempts() uint64 { return r.connectAttempts.Load() }

// Reconnects returns how many reconnect cycles were started.
func (r *Reader) Reconnects() uint64 { return r.reconnects.Load() }

// TotalFrames returns the number of successful reads.
func (r *Reader) TotalFrames() uint64 { return r.totalFrames.Load() }

// FPS returns the read rate over the trailing second.
func (r *Reader) FPS() float64 { return r.fps.FPSAt(time.Now()) }

// AverageLatency returns the moving average of blocking read time in ms.
func (r *Reader) AverageLatency() float64 { return r.latency.Average() }

// P95Latency returns the 95th percentile read time in ms.
func (r *Reader) P95Latency() float64 { return r.latency.P95() }

// Descriptor returns the descriptor the reader was built from.
func (r *Reader) Descriptor() Descriptor { return r.desc }

// offload runs fn on its own goroutine under ioMu and waits for it or for
// ctx. A result that arrives after the caller gave up is passed to discard.
// A panic in fn is re-raised on the caller's goroutine.
func offload[T any](r *Reader, ctx context.Context, fn func() (T, error), discard func(T)) (T, error) {
	var zero T

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return zero, ErrReaderStopped
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	var (
		handoff   sync.Mutex
		abandoned bool
		value     T
		err       error
		panicked  any
		done      = make(chan struct{})
	)

	go func() {
		defer r.inflight.Done()

		var (
			v T
			e error
			p any
		)
		func() {
			r.ioMu.Lock()
			defer r.ioMu.Unlock()
			defer func() { p = recover() }()
			v, e = fn()
		}()

		handoff.Lock()
		defer handoff.Unlock()
		if abandoned {
			if p != nil {
				r.logger.Errorw("capture call panicked after caller gave up", "panic", p)
			} else if e == nil && discard != nil {
				discard(v)
			}
			return
		}
		value, err, panicked = v, e, p
		close(done)
	}()

	result := func() (T, error) {
		if panicked != nil {
			panic(panicked)
		}
		return value, err
	}

	select {
	case <-done:
		return result()
	case <-ctx.Done():
		handoff.Lock()
		select {
		case <-done:
			handoff.Unlock()
			return result()
		default:
		}
		abandoned = true
		handoff.Unlock()
		return zero, ctx.Err()
	}
}

func closeCapture(c Capture) {
	if c != nil {
		_ = c.Close()
	}
}
