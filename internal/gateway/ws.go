package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

const deviceReadLimit = 16 << 10

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error { return w.c.Ping(ctx) }

func (w *wsConn) Close(reason string) error {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ServeHTTP upgrades a firmware connection and runs its read loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Devices send no Origin header; browsers are not expected here.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.logger.Error("device ws accept", "err", err)
		return
	}
	conn.SetReadLimit(deviceReadLimit)

	s := g.Accept(&wsConn{c: conn}, clientIP(r))
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			reason := "read error"
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				reason = "closed by peer"
			}
			s.Close(reason)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.Handle(ctx, data)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
