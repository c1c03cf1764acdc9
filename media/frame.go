// Package media holds the frame types shared by the capture, bus and sink
// layers.
package media

import (
	"fmt"
	"time"
)

// PixelFormat identifies the byte layout of an Image.
type PixelFormat int

const (
	// PixelFormatBGR24 is packed 8-bit blue, green, red (ffmpeg bgr24).
	PixelFormatBGR24 PixelFormat = iota
	// PixelFormatRGB24 is packed 8-bit red, green, blue.
	PixelFormatRGB24
)

// String returns the ffmpeg name of the pixel format.
func (p PixelFormat) String() string {
	switch p {
	case PixelFormatBGR24:
		return "bgr24"
	case PixelFormatRGB24:
		return "rgb24"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// BytesPerPixel returns the packed pixel size.
func (p PixelFormat) BytesPerPixel() int {
	return 3
}

// Image is an opaque raw pixel buffer.
type Image struct {
	Pix    []byte
	Width  int
	Height int
	Format PixelFormat
}

// Size returns the expected buffer length for the image geometry.
func (img Image) Size() int {
	return img.Width * img.Height * img.Format.BytesPerPixel()
}

// Frame is one captured image tagged with its session and sequence number.
// The producer owns it until Publish; the bus owns it until delivery or
// eviction.
type Frame struct {
	SessionID  string
	Sequence   uint64
	Image      Image
	CapturedAt time.Time
	// TraceID correlates the frame across the sink call and its logs.
	TraceID string
}

// EncodedFrame is the payload handed to a downstream sink.
type EncodedFrame struct {
	SessionID  string
	Sequence   uint64
	TraceID    string
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}
