package main

import (
	"time"

	"vision-stream-server/source"
)

// StartStreamRequest is the camera configuration posted by the control
// plane. CameraType accepts device, webcam, rtsp or http; it defaults to
// the local device
type StartStreamRequest struct {
	CameraType string `json:"camera_type"`
	URL        string `json:"url"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	FPS        int    `json:"fps"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// Descriptor converts the request into a session descriptor. Validation
// happens in the manager
func (r StartStreamRequest) Descriptor(sessionID string) (source.Descriptor, error) {
	kind, err := source.ParseKind(r.CameraType)
	if err != nil {
		return source.Descriptor{}, err
	}

	fps := r.FPS
	if fps == 0 {
		fps = DefaultTargetFPS
	}

	desc := source.Descriptor{
		SessionID: sessionID,
		Kind:      kind,
		URL:       r.URL,
		TargetFPS: fps,
		Width:     r.Width,
		Height:    r.Height,
	}
	if r.Username != "" {
		desc.Credentials = &source.Credentials{Username: r.Username, Password: r.Password}
	}
	return desc, nil
}

// StreamResponse acknowledges a start or stop request
type StreamResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details"`
}
