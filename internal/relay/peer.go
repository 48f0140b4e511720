package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
)

// MessageWriter is the slice of *websocket.Conn the relay needs for
// outbound traffic. Kept narrow so tests can plug in fakes.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const writeTimeout = 15 * time.Second

// PeerManager owns the single local connection to the capture agent.
// Accepting a new peer while one is live closes the old one first
// (last-writer-wins); this models the agent process restarting.
type PeerManager struct {
	logger zerolog.Logger

	mu          sync.Mutex
	conn        MessageWriter
	wmu         sync.Mutex
	connectedAt time.Time

	onDisconnect func()
}

func NewPeerManager(logger *zerolog.Logger) *PeerManager {
	return &PeerManager{logger: logger.With().Str("component", "peer").Logger()}
}

// OnDisconnect registers the hub callback fired when the live peer drops.
// Must be set before the first Accept.
func (p *PeerManager) OnDisconnect(fn func()) {
	p.mu.Lock()
	p.onDisconnect = fn
	p.mu.Unlock()
}

// Accept installs conn as the live peer, closing any prior one first.
// Replacing a live peer runs the disconnect notification: sessions and
// pending requests addressed to the replaced agent must not survive its
// restart. The old connection's read loop will still call Drop, which is
// a no-op by then because the current conn has already changed.
func (p *PeerManager) Accept(conn MessageWriter) {
	p.mu.Lock()
	old := p.conn
	fn := p.onDisconnect
	p.conn = conn
	p.connectedAt = time.Now().UTC()
	p.mu.Unlock()
	if old != nil {
		p.logger.Warn().Msg("replacing live peer connection")
		_ = old.Close()
		if fn != nil {
			fn()
		}
	}
	p.logger.Info().Msg("peer connected")
}

// Drop clears conn if it is still the live peer and notifies the hub. A
// stale conn (already replaced by Accept) is ignored.
func (p *PeerManager) Drop(conn MessageWriter) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	fn := p.onDisconnect
	p.mu.Unlock()
	_ = conn.Close()
	p.logger.Info().Msg("peer disconnected")
	if fn != nil {
		fn()
	}
}

func (p *PeerManager) Present() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *PeerManager) ConnectedAt() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedAt, p.conn != nil
}

// Send marshals v and writes it to the live peer. Fails fast with
// ErrPeerUnavailable when no peer is present; callers never wait for one.
func (p *PeerManager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.SendRaw(data)
}

// SendRaw writes a pre-encoded frame verbatim (signaling relay path).
func (p *PeerManager) SendRaw(data []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return domain.ErrPeerUnavailable
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return nil
}
