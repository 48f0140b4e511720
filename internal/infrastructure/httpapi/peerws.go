package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/neonwatty/vibetunnel-sub007/internal/relay"
	"github.com/neonwatty/vibetunnel-sub007/pkg/shared/redact"
)

// PeerServer accepts the capture agent on a unix-domain socket at a
// well-known path. The channel carries no authentication; trust derives
// from the socket being reachable only by the local user.
type PeerServer struct {
	logger   zerolog.Logger
	hub      *relay.Hub
	path     string
	srv      *http.Server
	listener net.Listener
}

func NewPeerServer(logger *zerolog.Logger, hub *relay.Hub, socketPath string) *PeerServer {
	return &PeerServer{
		logger: logger.With().Str("component", "peer-server").Logger(),
		hub:    hub,
		path:   socketPath,
	}
}

// Listen binds the unix socket, replacing a stale file from a previous run.
func (p *PeerServer) Listen() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", p.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(p.path, 0o600); err != nil {
		_ = ln.Close()
		return err
	}
	p.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", p.handlePeerWS)
	p.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Serve blocks handling peer connections until Shutdown.
func (p *PeerServer) Serve() error {
	p.logger.Info().Str("socket", p.path).Msg("peer channel listening")
	err := p.srv.Serve(p.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (p *PeerServer) Shutdown(ctx context.Context) error {
	if p.srv == nil {
		return nil
	}
	err := p.srv.Shutdown(ctx)
	_ = os.Remove(p.path)
	return err
}

func (p *PeerServer) handlePeerWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("peer upgrade failed")
		return
	}

	p.hub.AttachPeer(conn)
	defer p.hub.DetachPeer(conn)

	ctx := context.Background()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			p.logger.Warn().Msg("closing peer connection: non-text frame")
			return
		}
		if err := p.hub.HandlePeerMessage(ctx, data); err != nil {
			p.logger.Warn().Err(err).Str("frame", redact.JSON(string(data))).Msg("closing peer connection: protocol violation")
			return
		}
	}
}
