package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// handlePlaybackSocket pushes a tracker snapshot on every state change until
// the client goes away.
func (a *api) handlePlaybackSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", slogError(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for st := range a.studio.Tracker().Watch(ctx) {
		if err := a.writeSnapshot(ctx, conn, st); err != nil {
			if ctx.Err() == nil {
				a.logger.Debug("websocket write failed", slogError(err))
			}
			return
		}
	}
	conn.Close(websocket.StatusGoingAway, "player closed")
}

func (a *api) writeSnapshot(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
