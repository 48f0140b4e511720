package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/neonwatty/vibetunnel-sub007/pkg/shared/redact"
)

// handleBrowserWS upgrades an authenticated remote connection and runs its
// read loop. Frames are handed to the hub and the loop moves on; all
// responses come back asynchronously through the hub's writer.
func (d *Deps) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	token := bearerFromRequest(r)
	claims, err := validateBearer(token, d.Cfg.AuthSecret)
	if err != nil {
		d.Logger.Warn().Err(err).
			Str("client", clientHost(r.RemoteAddr)).
			Str("token", redact.Token(token)).
			Msg("browser upgrade refused")
		writeError(w, http.StatusUnauthorized, "AUTHENTICATION_FAILED", err.Error(), nil)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Logger.Error().Err(err).Msg("browser upgrade failed")
		return
	}

	id := d.Hub.AddBrowser(conn, claims)
	defer d.Hub.RemoveBrowser(id)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			d.Logger.Warn().Str("connectionId", id).Msg("closing browser connection: non-text frame")
			return
		}
		d.Hub.Dispatch(id, data)
	}
}
