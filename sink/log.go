package sink

import (
	"context"

	"go.uber.org/zap"

	"vision-stream-server/media"
)

// LogSink only logs each frame. It stands in for the analysis service
// during local runs.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, frame media.EncodedFrame) error {
	s.logger.Infow("frame",
		"sessionID", frame.SessionID,
		"frameID", frame.Sequence,
		"traceID", frame.TraceID,
		"bytes", len(frame.Data),
		"width", frame.Width,
		"height", frame.Height,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
