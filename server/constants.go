package main

const (
	// ServiceName identifies this process in health responses.
	ServiceName = "streaming-service"

	// ServiceVersion is reported by the root and health endpoints.
	ServiceVersion = "1.0.0"

	// DefaultTargetFPS applies when a start request omits fps.
	DefaultTargetFPS = 30

	// SessionIDPrefix prefixes ids generated for anonymous start requests.
	SessionIDPrefix = "session-"
)
