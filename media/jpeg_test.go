package media

import (
	"bytes"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, b, g, r byte) Image {
	pix := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		pix[i*3], pix[i*3+1], pix[i*3+2] = b, g, r
	}
	return Image{Pix: pix, Width: w, Height: h, Format: PixelFormatBGR24}
}

func TestJPEGEncoderProducesDecodableImage(t *testing.T) {
	enc := NewJPEGEncoder(0)
	assert.Equal(t, DefaultJPEGQuality, enc.Quality)

	now := time.Now()
	out, err := enc.Encode(Frame{
		SessionID:  "cam-1",
		Sequence:   7,
		Image:      solidImage(16, 8, 0, 0, 255),
		CapturedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, "cam-1", out.SessionID)
	assert.Equal(t, uint64(7), out.Sequence)
	assert.Equal(t, 16, out.Width)
	assert.Equal(t, 8, out.Height)
	assert.Equal(t, now, out.CapturedAt)

	img, err := jpeg.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, g, b, _ := img.At(4, 4).RGBA()
	// bgr24 input of pure red must come out red.
	assert.Greater(t, r>>8, uint32(200))
	assert.Less(t, g>>8, uint32(60))
	assert.Less(t, b>>8, uint32(60))
}

func TestJPEGEncoderRejectsShortBuffer(t *testing.T) {
	enc := NewJPEGEncoder(90)
	img := solidImage(4, 4, 1, 2, 3)
	img.Pix = img.Pix[:10]

	_, err := enc.Encode(Frame{Image: img})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short pixel buffer")
}

func TestJPEGEncoderRejectsEmptyGeometry(t *testing.T) {
	_, err := NewJPEGEncoder(90).Encode(Frame{Image: Image{}})
	require.Error(t, err)
}
