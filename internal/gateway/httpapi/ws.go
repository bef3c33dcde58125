package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/safeshell/internal/tools"
)

const (
	// ShellSubprotocol is offered by /ws/shell clients that want to be explicit.
	ShellSubprotocol = "safeshell-v1"

	wsIdleTimeout  = 5 * time.Minute
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
)

// handleShellSocket serves an interactive shell over WebSocket: every text
// frame received is one command, answered with one text frame holding the
// rendered result. Binary frames are rejected.
func (g *Gateway) handleShellSocket(w http.ResponseWriter, r *http.Request) {
	if len(g.config.APIKeys) > 0 && !g.validKey(socketToken(r)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ShellSubprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	client := clientKey(r)
	g.logger.Info("shell session opened", slog.String("client", client))

	ctx := tools.ContextWithCaller(r.Context(), "ws")
	if err := g.shellLoop(ctx, conn, client); err != nil {
		g.logger.Debug("shell session ended", slog.String("client", client), slog.String("error", err.Error()))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
}

func (g *Gateway) shellLoop(ctx context.Context, conn *websocket.Conn, client string) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, wsIdleTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}

		var reply string
		switch {
		case typ != websocket.MessageText:
			reply = "error: text frames only"
		case g.limiter.Allow(client) != nil:
			g.config.Metrics.RecordRateLimited()
			reply = "error: rate limit exceeded"
		default:
			reply = g.tool.Invoke(ctx, string(data))
		}

		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, []byte(reply))
		cancel()
		if err != nil {
			return err
		}
	}
}

// socketToken reads the API key from ?token= or the Authorization header.
// Browsers cannot set headers on WebSocket upgrades.
func socketToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token
}
