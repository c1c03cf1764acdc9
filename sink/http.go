package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"vision-stream-server/media"
)

// DefaultRequestTimeout bounds one POST to the analysis service.
const DefaultRequestTimeout = 5 * time.Second

// HTTPSink posts each frame as JSON to the analysis service.
type HTTPSink struct {
	url    string
	client *http.Client
	logger *zap.SugaredLogger
}

// NewHTTPSink returns a sink posting to url. A zero timeout selects
// DefaultRequestTimeout.
func NewHTTPSink(url string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Deliver posts the frame. Any non-2xx response is an error.
func (s *HTTPSink) Deliver(ctx context.Context, frame media.EncodedFrame) error {
	body, err := json.Marshal(newFrameMessage(frame))
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if frame.TraceID != "" {
		req.Header.Set("X-Trace-Id", frame.TraceID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post frame %d: %w", frame.Sequence, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Debugw("frame posted", "sessionID", frame.SessionID, "frameID", frame.Sequence)
	return nil
}

// Close releases idle keep-alive connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
