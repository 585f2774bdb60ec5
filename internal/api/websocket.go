package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/cc-bridge/internal/computer"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/config"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

// upgrader configures the WebSocket upgrader. Computers do not send an
// Origin header worth checking.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleDeviceSocket upgrades a computer's connection and hands it to the
// bridge. It blocks until the link ends.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.sockets.Add(1)
	defer s.sockets.Done()

	t := newWSTransport(conn, s.wsCfg)
	go t.keepalive()

	err = s.bridge.Serve(s.ctx, t)
	t.Close() //nolint:errcheck // Already closed by the link in the normal path

	switch {
	case err == nil:
	case errors.Is(err, computer.ErrConnectionClosed):
		s.logger.Debug("computer socket ended", "remote_addr", t.RemoteAddr(), "error", err)
	default:
		s.logger.Warn("computer socket failed", "remote_addr", t.RemoteAddr(), "error", err)
	}
}

// wsTransport adapts a gorilla connection to computer.Transport.
//
// gorilla allows one concurrent writer; writeMu serialises data frames
// while pings go through WriteControl, which is safe alongside them.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	pingEvery time.Duration
	readWait  time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, cfg config.WebSocketConfig) *wsTransport {
	maxSize := int64(cfg.MaxMessageSize)
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	conn.SetReadLimit(maxSize)

	t := &wsTransport{
		conn:      conn,
		writeWait: defaultWriteWait,
		pingEvery: time.Duration(cfg.PingInterval) * time.Second,
		done:      make(chan struct{}),
	}
	if t.pingEvery > 0 {
		t.readWait = t.pingEvery + time.Duration(cfg.PongTimeout)*time.Second
		//nolint:errcheck // Best-effort deadline on connection setup
		conn.SetReadDeadline(time.Now().Add(t.readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.readWait))
		})
	}
	return t
}

// ReadFrame returns the next text or binary message.
func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if t.readWait > 0 {
		// Any message keeps the connection alive, even if the computer
		// never answers protocol-level pings.
		//nolint:errcheck // Best-effort deadline reset
		t.conn.SetReadDeadline(time.Now().Add(t.readWait))
	}
	return data, nil
}

// WriteFrame sends one text message, bounded by ctx's deadline or the
// default write wait, whichever is sooner.
func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(t.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	//nolint:errcheck // Write error reported below
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and closes the connection. Safe to call
// more than once.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		//nolint:errcheck // Best-effort close message; the peer may be gone
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// keepalive pings the computer until the transport closes. A failed ping
// closes the connection, which ends the link's read loop.
func (t *wsTransport) keepalive() {
	if t.pingEvery <= 0 {
		return
	}
	ticker := time.NewTicker(t.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait)); err != nil {
				t.conn.Close() //nolint:errcheck // Unblocks ReadFrame
				return
			}
		}
	}
}
