package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vision-stream-server/media"
	"vision-stream-server/source"
)

var errUnreachable = errors.New("connection refused")

// fakeOpener hands out in-memory captures. Any URL containing
// "unreachable" fails to open; one containing "crash" yields a capture
// whose Read panics.
type fakeOpener struct {
	opens atomic.Int32

	mu       sync.Mutex
	targets  []source.Target
	captures []*fakeCapture
}

func (o *fakeOpener) Open(ctx context.Context, t source.Target) (source.Capture, error) {
	o.opens.Add(1)
	o.mu.Lock()
	o.targets = append(o.targets, t)
	o.mu.Unlock()

	if strings.Contains(t.URL, "unreachable") {
		return nil, errUnreachable
	}

	c := &fakeCapture{width: t.Width, height: t.Height, panics: strings.Contains(t.URL, "crash")}
	o.mu.Lock()
	o.captures = append(o.captures, c)
	o.mu.Unlock()
	return c, nil
}

func (o *fakeOpener) allTargets() []source.Target {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]source.Target(nil), o.targets...)
}

func (o *fakeOpener) allCaptures() []*fakeCapture {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeCapture(nil), o.captures...)
}

type fakeCapture struct {
	width, height int
	panics        bool
	closed        atomic.Bool
}

func (c *fakeCapture) Read() (media.Image, error) {
	if c.panics {
		panic("capture driver crashed")
	}
	if c.closed.Load() {
		return media.Image{}, errors.New("capture closed")
	}
	return media.Image{
		Pix:    make([]byte, c.width*c.height*3),
		Width:  c.width,
		Height: c.height,
		Format: media.PixelFormatBGR24,
	}, nil
}

func (c *fakeCapture) Close() error {
	c.closed.Store(true)
	return nil
}

type passthroughEncoder struct{}

func (passthroughEncoder) Encode(f media.Frame) (media.EncodedFrame, error) {
	return media.EncodedFrame{SessionID: f.SessionID, Sequence: f.Sequence, Width: f.Image.Width, Height: f.Image.Height}, nil
}

type panicEncoder struct{}

func (panicEncoder) Encode(media.Frame) (media.EncodedFrame, error) {
	panic("encoder exploded")
}

// slowSink records delivered sequences per session after an optional
// artificial latency.
type slowSink struct {
	latency time.Duration

	mu   sync.Mutex
	seqs map[string][]uint64
}

func newSlowSink(latency time.Duration) *slowSink {
	return &slowSink{latency: latency, seqs: make(map[string][]uint64)}
}

func (s *slowSink) Deliver(ctx context.Context, f media.EncodedFrame) error {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.seqs[f.SessionID] = append(s.seqs[f.SessionID], f.Sequence)
	s.mu.Unlock()
	return nil
}

func (s *slowSink) delivered(id string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs[id]...)
}
