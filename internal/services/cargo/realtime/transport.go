package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/louisbranch/cargo.space/internal/platform/httpx"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const maxInboundFrameBytes = 16 * 1024

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) WriteMessage(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	return websocket.Message.Send(c.conn, string(payload))
}

func (c wsConn) Close() error {
	return c.conn.Close()
}

// Handler returns the WebSocket endpoint that feeds this registry.
//
// Any origin may connect: viewers are read-only displays, often served from
// a different host than the API.
func (r *Registry) Handler() http.Handler {
	wsServer := websocket.Server{
		Handler: func(conn *websocket.Conn) {
			r.serveConn(conn)
		},
	}
	return httpx.RequireMethod(http.MethodGet)(wsServer)
}

func (r *Registry) serveConn(conn *websocket.Conn) {
	conn.MaxPayloadBytes = maxInboundFrameBytes
	session, err := r.Open(wsConn{conn: conn})
	if err != nil {
		r.logger.Warn("socket rejected", zap.Error(err))
		_ = conn.Close()
		return
	}

	code, reason := CloseNormal, "closed"
	defer func() {
		r.Disconnect(session, code, reason)
		_ = conn.Close()
	}()

	for {
		var payload []byte
		if err := websocket.Message.Receive(conn, &payload); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return
			case errors.Is(err, websocket.ErrFrameTooLarge):
				r.logger.Warn("socket frame dropped", zap.String("session", session.id), zap.Int("limit", maxInboundFrameBytes))
				continue
			default:
				code, reason = CloseAbnormal, err.Error()
				return
			}
		}
		r.Message(session, payload)
	}
}
