package source

import (
	"context"

	"vision-stream-server/media"
)

// Target is everything an Opener needs to reach one source.
type Target struct {
	Kind Kind
	// Device is the local index for KindDevice.
	Device int
	// URL carries credentials for network kinds; use Redacted for logs.
	URL      string
	Redacted string
	Width    int
	Height   int
	FPS      int
}

// Capture is one open device or network handle.
//
// Read blocks until a frame is decoded. Close releases the handle and must
// unblock a concurrent Read.
type Capture interface {
	Read() (media.Image, error)
	Close() error
}

// Opener opens captures. Implementations must hold no more than one
// buffered frame so reads never return stale driver-side data.
type Opener interface {
	Open(ctx context.Context, target Target) (Capture, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, target Target) (Capture, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, target Target) (Capture, error) {
	return f(ctx, target)
}
