package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vision-stream-server/media"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsReadLimit    = 512
)

// ErrSinkClosed is returned by Deliver after Close.
var ErrSinkClosed = errors.New("sink is closed")

// WebSocketSink streams CBOR frame messages over one shared websocket,
// redialling lazily after the connection drops.
type WebSocketSink struct {
	url    string
	dialer *websocket.Dialer
	enc    cbor.EncMode
	logger *zap.SugaredLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	stop   chan struct{}
	closed bool
}

// NewWebSocketSink prepares a sink for url. No connection is made until
// the first Deliver.
func NewWebSocketSink(url string, logger *zap.SugaredLogger) (*WebSocketSink, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebSocketSink{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: wsWriteTimeout},
		enc:    enc,
		logger: logger,
	}, nil
}

// Deliver writes one binary message. A failed write drops the connection
// so the next frame redials.
func (s *WebSocketSink) Deliver(ctx context.Context, frame media.EncodedFrame) error {
	payload, err := s.enc.Marshal(newFrameMessage(frame))
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	conn, err := s.connectLocked(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		s.dropLocked(conn)
		return fmt.Errorf("write frame %d: %w", frame.Sequence, err)
	}
	return nil
}

func (s *WebSocketSink) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.conn = conn
	s.stop = make(chan struct{})
	go s.readPump(conn)
	go s.pingLoop(conn, s.stop)

	s.logger.Infow("connected to frame consumer", "url", s.url)
	return conn, nil
}

func (s *WebSocketSink) dropLocked(conn *websocket.Conn) {
	if s.conn != conn {
		return
	}
	close(s.stop)
	s.conn = nil
	s.stop = nil
	conn.Close()
}

// readPump drains control frames and notices when the peer goes away.
func (s *WebSocketSink) readPump(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		s.dropLocked(conn)
		s.mu.Unlock()
	}()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnw("frame consumer connection lost", "url", s.url, "error", err)
			}
			return
		}
	}
}

func (s *WebSocketSink) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// Close sends a close frame and releases the connection. Idempotent.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if conn := s.conn; conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.dropLocked(conn)
	}
	return nil
}
