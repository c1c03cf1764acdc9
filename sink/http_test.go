package sink

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vision-stream-server/media"
)

func testFrame() media.EncodedFrame {
	return media.EncodedFrame{
		SessionID:  "cam-1",
		Sequence:   7,
		TraceID:    "trace-7",
		Data:       []byte{0xff, 0xd8, 0xff, 0xe0, 0x01},
		Width:      640,
		Height:     480,
		CapturedAt: time.UnixMilli(1_700_000_000_000),
	}
}

func TestHTTPSinkPostsJSON(t *testing.T) {
	type request struct {
		header http.Header
		body   []byte
	}
	requests := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- request{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL+"/api/v1/inference/process", time.Second, zaptest.NewLogger(t).Sugar())
	defer s.Close()

	require.NoError(t, s.Deliver(context.Background(), testFrame()))
	req := <-requests

	var got map[string]any
	require.NoError(t, json.Unmarshal(req.body, &got))
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "trace-7", req.header.Get("X-Trace-Id"))
	assert.Equal(t, "cam-1", got["session_id"])
	assert.EqualValues(t, 7, got["frame_id"])
	assert.EqualValues(t, 640, got["width"])
	assert.EqualValues(t, 480, got["height"])
	assert.EqualValues(t, 1_700_000_000_000, got["timestamp"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(testFrame().Data), got["frame_data"])
}

func TestHTTPSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, 0, nil)
	err := s.Deliver(context.Background(), testFrame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPSinkHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := NewHTTPSink(srv.URL, time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Deliver(ctx, testFrame())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewSelectsKind(t *testing.T) {
	s, err := New(Config{Kind: "HTTP", URL: "http://api:8000/api/v1/inference/process"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSink{}, s)

	s, err = New(Config{Kind: KindWebSocket, URL: "ws://consumer/frames"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebSocketSink{}, s)

	s, err = New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogSink{}, s)
	assert.NoError(t, s.Deliver(context.Background(), testFrame()))

	_, err = New(Config{Kind: KindHTTP}, nil)
	assert.Error(t, err)

	_, err = New(Config{Kind: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
