package sink

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"vision-stream-server/framebus"
)

// Kind selects a sink implementation.
type Kind string

const (
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
	KindLog       Kind = "log"
)

// Sink is a framebus.Sink that owns releasable resources.
type Sink interface {
	framebus.Sink
	Close() error
}

// Config selects and addresses the downstream consumer.
type Config struct {
	Kind    Kind
	URL     string
	Timeout time.Duration
}

// New builds the sink named by cfg.Kind.
func New(cfg Config, logger *zap.SugaredLogger) (Sink, error) {
	switch Kind(strings.ToLower(string(cfg.Kind))) {
	case KindHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http sink requires a url")
		}
		return NewHTTPSink(cfg.URL, cfg.Timeout, logger), nil
	case KindWebSocket:
		if cfg.URL == "" {
			return nil, fmt.Errorf("websocket sink requires a url")
		}
		ws, err := NewWebSocketSink(cfg.URL, logger)
		if err != nil {
			return nil, err
		}
		return ws, nil
	case KindLog, "":
		return NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
