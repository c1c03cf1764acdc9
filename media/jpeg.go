package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// DefaultJPEGQuality matches what the analysis service expects.
const DefaultJPEGQuality = 85

// JPEGEncoder turns raw frames into JPEG bytes.
type JPEGEncoder struct {
	Quality int
}

// NewJPEGEncoder returns an encoder, falling back to DefaultJPEGQuality
// when quality is out of range.
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGEncoder{Quality: quality}
}

// Encode converts the frame image and returns the sink payload.
func (e *JPEGEncoder) Encode(frame Frame) (EncodedFrame, error) {
	img, err := toRGBA(frame.Image)
	if err != nil {
		return EncodedFrame{}, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return EncodedFrame{}, fmt.Errorf("jpeg encode: %w", err)
	}

	return EncodedFrame{
		SessionID:  frame.SessionID,
		Sequence:   frame.Sequence,
		TraceID:    frame.TraceID,
		Data:       buf.Bytes(),
		Width:      frame.Image.Width,
		Height:     frame.Image.Height,
		CapturedAt: frame.CapturedAt,
	}, nil
}

func toRGBA(src Image) (*image.RGBA, error) {
	if src.Width <= 0 || src.Height <= 0 {
		return nil, fmt.Errorf("invalid image geometry %dx%d", src.Width, src.Height)
	}
	if len(src.Pix) < src.Size() {
		return nil, fmt.Errorf("short pixel buffer: have %d bytes, want %d", len(src.Pix), src.Size())
	}

	dst := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	n := src.Width * src.Height
	for i := 0; i < n; i++ {
		s := src.Pix[i*3 : i*3+3]
		d := dst.Pix[i*4 : i*4+4]
		switch src.Format {
		case PixelFormatBGR24:
			d[0], d[1], d[2] = s[2], s[1], s[0]
		case PixelFormatRGB24:
			d[0], d[1], d[2] = s[0], s[1], s[2]
		default:
			return nil, fmt.Errorf("unsupported pixel format %s", src.Format)
		}
		d[3] = 0xff
	}
	return dst, nil
}
