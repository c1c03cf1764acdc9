package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"vision-stream-server/media"
)

var errUnreachable = errors.New("connection refused")

// fakeOpener fails the first failFirst opens (or all when failAll) and
// otherwise hands out fakeCaptures.
type fakeOpener struct {
	mu        sync.Mutex
	failAll   bool
	failFirst int
	opens     atomic.Int32
	targets   []Target
	captures  []*fakeCapture
	// blockReads makes captures block in Read until closed.
	blockReads bool
	// readErrAfter makes a capture fail after that many good reads (0 = never).
	readErrAfter int
	// panicReads makes every Read panic.
	panicReads bool
}

func (o *fakeOpener) Open(ctx context.Context, t Target) (Capture, error) {
	n := o.opens.Add(1)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.targets = append(o.targets, t)

	if o.failAll || int(n) <= o.failFirst {
		return nil, errUnreachable
	}
	c := &fakeCapture{
		width:    t.Width,
		height:   t.Height,
		block:    o.blockReads,
		errAfter: o.readErrAfter,
		panics:   o.panicReads,
		closed:   make(chan struct{}),
	}
	o.captures = append(o.captures, c)
	return c, nil
}

func (o *fakeOpener) lastTarget() Target {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.targets[len(o.targets)-1]
}

func (o *fakeOpener) allCaptures() []*fakeCapture {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeCapture(nil), o.captures...)
}

type fakeCapture struct {
	width, height int
	block         bool
	errAfter      int
	panics        bool
	reads         atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *fakeCapture) Read() (media.Image, error) {
	if c.panics {
		panic("decoder crashed")
	}
	if c.block {
		<-c.closed
		return media.Image{}, errors.New("capture closed")
	}
	select {
	case <-c.closed:
		return media.Image{}, errors.New("capture closed")
	default:
	}
	n := c.reads.Add(1)
	if c.errAfter > 0 && int(n) > c.errAfter {
		return media.Image{}, errors.New("stream ended")
	}
	return media.Image{
		Pix:    make([]byte, c.width*c.height*3),
		Width:  c.width,
		Height: c.height,
		Format: media.PixelFormatBGR24,
	}, nil
}

func (c *fakeCapture) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeCapture) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
