package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func rtspDescriptor() Descriptor {
	return Descriptor{
		SessionID: "session-1",
		Kind:      KindRTSP,
		URL:       "rtsp://192.0.2.10:554/live",
		TargetFPS: 10,
	}
}

func newTestReader(t *testing.T, desc Descriptor, opener Opener, cfg Config) *Reader {
	t.Helper()
	r, err := NewReader(desc, opener, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func TestReaderConnectAndRead(t *testing.T) {
	opener := &fakeOpener{}
	desc := rtspDescriptor()
	desc.Credentials = &Credentials{Username: "viewer", Password: "pw"}
	r := newTestReader(t, desc, opener, Config{MaxReconnectAttempts: 3})

	require.NoError(t, r.Connect(context.Background()))
	assert.Equal(t, StateConnected, r.State())
	assert.True(t, r.IsConnected())

	img, err := r.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultWidth, img.Width)
	assert.Equal(t, DefaultHeight, img.Height)
	assert.Len(t, img.Pix, DefaultWidth*DefaultHeight*3)
	assert.Equal(t, uint64(1), r.TotalFrames())

	target := opener.lastTarget()
	assert.Equal(t, "rtsp://viewer:pw@192.0.2.10:554/live", target.URL)
	assert.NotContains(t, target.Redacted, "pw")
	assert.Equal(t, 10, target.FPS)
}

func TestReaderRejectsInvalidDescriptor(t *testing.T) {
	_, err := NewReader(Descriptor{SessionID: "s", Kind: KindRTSP, TargetFPS: 5}, &fakeOpener{}, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestReaderExhaustsReconnectBudget(t *testing.T) {
	opener := &fakeOpener{failAll: true}
	r := newTestReader(t, rtspDescriptor(), opener, Config{MaxReconnectAttempts: 3, ReconnectDelay: 0})
	ctx := context.Background()

	err := r.Connect(ctx)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, StateDisconnected, r.State())

	for i := 0; i < 10 && r.State() != StateFailed; i++ {
		_, err := r.ReadFrame(ctx)
		require.ErrorIs(t, err, ErrUnavailable)
	}

	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, int32(3), opener.opens.Load())
	assert.Equal(t, uint64(3), r.ConnectAttempts())
	assert.Equal(t, 3, r.FailedAttempts())

	// Failed is terminal: no further connects.
	for i := 0; i < 5; i++ {
		_, err := r.ReadFrame(ctx)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, err, ErrReaderFailed)
	}
	assert.ErrorIs(t, r.Connect(ctx), ErrReaderFailed)
	assert.Equal(t, int32(3), opener.opens.Load())
}

func TestReaderReconnectsAfterReadFailure(t *testing.T) {
	opener := &fakeOpener{readErrAfter: 2}
	r := newTestReader(t, rtspDescriptor(), opener, Config{MaxReconnectAttempts: 3})
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx))
	for i := 0; i < 2; i++ {
		_, err := r.ReadFrame(ctx)
		require.NoError(t, err)
	}

	_, err := r.ReadFrame(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateDisconnected, r.State())
	require.Len(t, opener.allCaptures(), 1)
	assert.True(t, opener.allCaptures()[0].isClosed(), "failed handle must be released")

	// Next call reconnects instead of failing the caller.
	_, err = r.ReadFrame(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateConnected, r.State())
	assert.Equal(t, uint64(1), r.Reconnects())

	_, err = r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.TotalFrames())
}

func TestReaderResetsAttemptsOnSuccess(t *testing.T) {
	opener := &fakeOpener{failFirst: 2}
	r := newTestReader(t, rtspDescriptor(), opener, Config{MaxReconnectAttempts: 3})
	ctx := context.Background()

	require.Error(t, r.Connect(ctx))
	assert.Equal(t, 1, r.FailedAttempts())

	_, err := r.ReadFrame(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateReconnecting, r.State())
	assert.Equal(t, 2, r.FailedAttempts())

	_, err = r.ReadFrame(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateConnected, r.State())
	assert.Equal(t, 0, r.FailedAttempts())
}

func TestReaderStopUnblocksPendingRead(t *testing.T) {
	opener := &fakeOpener{blockReads: true}
	r := newTestReader(t, rtspDescriptor(), opener, Config{MaxReconnectAttempts: 3})

	require.NoError(t, r.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.ReadFrame(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not observe cancellation")
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, StateDisconnected, r.State())
	assert.True(t, opener.allCaptures()[0].isClosed())

	// Idempotent, and the reader never reconnects afterwards.
	r.Stop()
	assert.ErrorIs(t, r.Connect(context.Background()), ErrReaderStopped)
	_, err := r.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), opener.opens.Load())
}

func TestReaderReadPanicSurfacesOnCaller(t *testing.T) {
	opener := &fakeOpener{panicReads: true}
	r := newTestReader(t, rtspDescriptor(), opener, Config{MaxReconnectAttempts: 3})

	require.NoError(t, r.Connect(context.Background()))
	assert.PanicsWithValue(t, "decoder crashed", func() {
		_, _ = r.ReadFrame(context.Background())
	})

	// The worker released its locks, so Stop still returns.
	r.Stop()
	assert.Equal(t, StateDisconnected, r.State())
	assert.True(t, opener.allCaptures()[0].isClosed())
}

func TestReaderReconnectDelayHonoursCancellation(t *testing.T) {
	opener := &fakeOpener{failAll: true}
	r := newTestReader(t, rtspDescriptor(), opener, Config{MaxReconnectAttempts: 5, ReconnectDelay: time.Hour})

	require.Error(t, r.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), opener.opens.Load())
	assert.Equal(t, StateDisconnected, r.State())
}

func TestReaderDeviceTarget(t *testing.T) {
	opener := &fakeOpener{}
	desc := Descriptor{SessionID: "webcam", Kind: KindDevice, URL: "1", TargetFPS: 30, Width: 320, Height: 240}
	r := newTestReader(t, desc, opener, DefaultConfig())

	require.NoError(t, r.Connect(context.Background()))
	target := opener.lastTarget()
	assert.Equal(t, KindDevice, target.Kind)
	assert.Equal(t, 1, target.Device)
	assert.Equal(t, 320, target.Width)
	assert.Equal(t, 240, target.Height)
	assert.Empty(t, target.URL)
}
