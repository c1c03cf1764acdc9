// Package sink holds the downstream collaborators that receive encoded
// frames from the frame bus.
package sink

import (
	"time"

	"vision-stream-server/media"
)

// FrameMessage is the wire payload for one delivered frame. JSON carries
// FrameData as base64; CBOR carries it as a byte string.
type FrameMessage struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	FrameID   uint64 `json:"frame_id" cbor:"frame_id"`
	TraceID   string `json:"trace_id,omitempty" cbor:"trace_id,omitempty"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
	FrameData []byte `json:"frame_data" cbor:"frame_data"`
	Width     int    `json:"width" cbor:"width"`
	Height    int    `json:"height" cbor:"height"`
}

func newFrameMessage(f media.EncodedFrame) FrameMessage {
	ts := f.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return FrameMessage{
		SessionID: f.SessionID,
		FrameID:   f.Sequence,
		TraceID:   f.TraceID,
		Timestamp: ts.UnixMilli(),
		FrameData: f.Data,
		Width:     f.Width,
		Height:    f.Height,
	}
}
