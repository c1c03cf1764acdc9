// Package framebus decouples frame producers from a downstream sink.
//
// Every session gets a bounded queue and its own distribution goroutine,
// created lazily on the first Publish. A full queue evicts its oldest frame
// so the newest always gets in, and Publish never blocks on the consumer.
//
// # Core Philosophy
//
// "Latest frame wins." A frame that reaches the sink late is worthless
// for live analysis, so failed deliveries are dropped, never retried.
package framebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vision-stream-server/media"
)

const (
	DefaultQueueCapacity   = 2
	DefaultDequeueTimeout  = time.Second
	DefaultDeliveryTimeout = 5 * time.Second
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("frame bus is closed")

// Sink is the downstream consumer of distributed frames.
type Sink interface {
	Deliver(ctx context.Context, frame media.EncodedFrame) error
}

// Encoder turns a raw frame into the sink payload.
type Encoder interface {
	Encode(frame media.Frame) (media.EncodedFrame, error)
}

// FaultHandler is told when a session's distribution goroutine dies
// unexpectedly. It runs on that goroutine and must not call Unsubscribe
// for the same session.
type FaultHandler func(sessionID string, err error)

// Config tunes queue size and timeouts.
type Config struct {
	QueueCapacity int
	// DequeueTimeout caps each idle wait so cancellation is observed
	// promptly. It does not signal failure.
	DequeueTimeout time.Duration
	// DeliveryTimeout bounds a single sink call.
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the production bus settings.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:   DefaultQueueCapacity,
		DequeueTimeout:  DefaultDequeueTimeout,
		DeliveryTimeout: DefaultDeliveryTimeout,
	}
}

// QueueStats is a snapshot of one session's queue.
type QueueStats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Published uint64 `json:"published"`
	// Dropped counts frames evicted before delivery.
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// BusStats aggregates every session ever seen by the bus.
type BusStats struct {
	ActiveQueues int    `json:"active_queues"`
	Published    uint64 `json:"published"`
	Dropped      uint64 `json:"dropped"`
	Delivered    uint64 `json:"delivered"`
	Failed       uint64 `json:"failed"`
}

type subscription struct {
	id     string
	queue  *frameQueue
	cancel context.CancelFunc
	done   chan struct{}

	// closing is guarded by Bus.mu.
	closing bool

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Bus owns every session queue and distribution goroutine.
type Bus struct {
	sink    Sink
	encoder Encoder
	cfg     Config
	logger  *zap.SugaredLogger
	onFault FaultHandler

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a bus forwarding to sink. A nil encoder selects JPEG at the
// default quality.
func New(sink Sink, encoder Encoder, cfg Config, logger *zap.SugaredLogger) *Bus {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = DefaultDequeueTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if encoder == nil {
		encoder = media.NewJPEGEncoder(media.DefaultJPEGQuality)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		sink:    sink,
		encoder: encoder,
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[string]*subscription),
	}
}

// OnFault registers the handler for distribution goroutine faults.
// Call before the first Publish.
func (b *Bus) OnFault(h FaultHandler) {
	b.mu.Lock()
	b.onFault = h
	b.mu.Unlock()
}

// Publish queues a frame for the session without blocking. The first
// publish for a session creates its queue and distribution goroutine.
// Publishing while the session is being unsubscribed is a silent no-op.
func (b *Bus) Publish(sessionID string, frame media.Frame) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	sub := b.subs[sessionID]
	closing := sub != nil && sub.closing
	b.mu.RUnlock()

	if closing {
		return nil
	}

	if sub == nil {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBusClosed
		}
		sub = b.subs[sessionID]
		switch {
		case sub == nil:
			sub = b.subscribeLocked(sessionID)
		case sub.closing:
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
	}

	evicted, accepted := sub.queue.push(frame)
	if !accepted {
		return nil
	}
	b.published.Add(1)
	if evicted {
		b.dropped.Add(1)
		b.logger.Debugw("dropped oldest frame", "sessionID", sessionID, "sequence", frame.Sequence)
	}
	return nil
}

func (b *Bus) subscribeLocked(sessionID string) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:     sessionID,
		queue:  newFrameQueue(b.cfg.QueueCapacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subs[sessionID] = sub

	go b.distribute(ctx, sub)

	b.logger.Infow("started frame distribution", "sessionID", sessionID)
	return sub
}

// Unsubscribe cancels the session's distribution goroutine, waits for it
// to exit and removes the queue. After it returns no delivery for the
// session is in flight. It reports whether a queue existed.
func (b *Bus) Unsubscribe(sessionID string) bool {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if sub.closing {
		// Another caller is tearing it down; wait for the same outcome.
		b.mu.Unlock()
		<-sub.done
		return false
	}
	sub.closing = true
	b.mu.Unlock()

	b.teardown(sub)

	b.mu.Lock()
	if b.subs[sessionID] == sub {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	b.logger.Infow("session unsubscribed from frame bus", "sessionID", sessionID)
	return true
}

func (b *Bus) teardown(sub *subscription) {
	sub.queue.close()
	sub.cancel()
	<-sub.done
}

// Close tears down every session. Later publishes fail with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !sub.closing {
			sub.closing = true
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			b.teardown(sub)
		}(sub)
	}
	wg.Wait()

	b.mu.Lock()
	for _, sub := range subs {
		if b.subs[sub.id] == sub {
			delete(b.subs, sub.id)
		}
	}
	b.mu.Unlock()

	b.logger.Infow("frame bus closed", "sessions", len(subs))
}

func (b *Bus) distribute(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	defer func() {
		if r := recover(); r != nil {
			b.fault(sub, fmt.Errorf("distribution goroutine panicked: %v", r))
		}
	}()

	idle := time.NewTimer(b.cfg.DequeueTimeout)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		frame, ok := sub.queue.pop()
		if !ok {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.cfg.DequeueTimeout)

			select {
			case <-ctx.Done():
				return
			case <-sub.queue.ready:
			case <-idle.C:
			}
			continue
		}

		b.deliver(ctx, sub, frame)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, frame media.Frame) {
	encoded, err := b.encoder.Encode(frame)
	if err != nil {
		sub.failed.Add(1)
		b.failed.Add(1)
		b.logger.Warnw("failed to encode frame",
			"sessionID", sub.id,
			"sequence", frame.Sequence,
			"error", err,
		)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
	defer cancel()

	if err := b.sink.Deliver(dctx, encoded); err != nil {
		if ctx.Err() != nil {
			return
		}
		sub.failed.Add(1)
		b.failed.Add(1)
		b.logger.Warnw("sink delivery failed, dropping frame",
			"sessionID", sub.id,
			"sequence", frame.Sequence,
			"traceID", frame.TraceID,
			"error", err,
		)
		return
	}

	sub.delivered.Add(1)
	b.delivered.Add(1)
	b.logger.Debugw("frame delivered", "sessionID", sub.id, "sequence", frame.Sequence)
}

// fault removes a subscription whose goroutine died so the next publish
// starts a fresh one, then reports upward.
func (b *Bus) fault(sub *subscription, err error) {
	sub.queue.close()

	b.mu.Lock()
	if b.subs[sub.id] == sub && !sub.closing {
		delete(b.subs, sub.id)
	}
	handler := b.onFault
	b.mu.Unlock()

	sub.cancel()
	b.logger.Errorw("frame distribution failed", "sessionID", sub.id, "error", err)
	if handler != nil {
		handler(sub.id, err)
	}
}

// Stats returns the queue snapshot for a session.
func (b *Bus) Stats(sessionID string) (QueueStats, bool) {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return QueueStats{}, false
	}

	depth, published, evicted := sub.queue.counters()
	return QueueStats{
		Depth:     depth,
		Capacity:  b.cfg.QueueCapacity,
		Published: published,
		Dropped:   evicted,
		Delivered: sub.delivered.Load(),
		Failed:    sub.failed.Load(),
	}, true
}

// Totals returns bus-wide counters.
func (b *Bus) Totals() BusStats {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()

	return BusStats{
		ActiveQueues: active,
		Published:    b.published.Load(),
		Dropped:      b.dropped.Load(),
		Delivered:    b.delivered.Load(),
		Failed:       b.failed.Load(),
	}
}

// HasQueue reports whether a queue exists for the session.
func (b *Bus) HasQueue(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[sessionID]
	return ok
}

// Queued returns the sequence numbers currently buffered for a session,
// oldest first.
func (b *Bus) Queued(sessionID string) []uint64 {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return sub.queue.sequences()
}
