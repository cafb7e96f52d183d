// stream.go generalizes the teacher's WSFeed: a single reconnecting
// websocket loop with exponential backoff, a ping keepalive, and a typed
// dispatch callback. The Connector runs two of these — one private, one
// public — rather than switching on channel type inside one feed.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fundingarb/internal/errkind"
)

const (
	pingInterval = 50 * time.Second
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
)

// dispatchFunc handles one raw inbound frame.
type dispatchFunc func(raw []byte)

// stream is one reconnecting websocket connection.
type stream struct {
	name    string
	url     string
	dialer  func(ctx context.Context, url string) (*websocket.Conn, error)
	onFrame dispatchFunc
	// onConnected is invoked after dial succeeds and the socket handle is
	// published to connMu, but BEFORE any subscribe frame is sent — this is
	// where the Connector re-subscribes, satisfying §4.1's invariant that
	// external references move to the new handle before resubscribe goes out.
	onConnected func(ctx context.Context, send func(v interface{}) error) error

	maxBackoff time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	lastServerActivity time.Time
	activityMu         sync.Mutex

	logger *slog.Logger
}

func newStream(name, url string, maxBackoff time.Duration, onFrame dispatchFunc, onConnected func(context.Context, func(interface{}) error) error, logger *slog.Logger) *stream {
	return &stream{
		name:        name,
		url:         url,
		onFrame:     onFrame,
		onConnected: onConnected,
		maxBackoff:  maxBackoff,
		logger:      logger.With("stream", name),
	}
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (s *stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return errkind.New(errkind.TransientNetwork, "stream.connectAndRead", fmt.Errorf("dial: %w", err))
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.markActivity()

	if s.onConnected != nil {
		if err := s.onConnected(ctx, s.writeJSON); err != nil {
			return fmt.Errorf("post-connect handshake: %w", err)
		}
	}

	s.logger.Info("stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errkind.New(errkind.TransientNetwork, "stream.connectAndRead", fmt.Errorf("read: %w", err))
		}

		s.markActivity()
		s.onFrame(msg)
	}
}

func (s *stream) markActivity() {
	s.activityMu.Lock()
	s.lastServerActivity = time.Now()
	s.activityMu.Unlock()
}

// SinceLastActivity reports how long it has been since the connection was
// established or a data frame was last read from the server (pong control
// frames are not counted); the health watchdog uses this.
func (s *stream) SinceLastActivity() time.Duration {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	if s.lastServerActivity.IsZero() {
		return 0
	}
	return time.Since(s.lastServerActivity)
}

// ForceClose closes the live connection to trigger a reconnect from the
// watchdog or a symbol switch; idempotent.
func (s *stream) ForceClose() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			s.connMu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("%s: not connected", s.name)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
