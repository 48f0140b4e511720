package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
	obs "github.com/neonwatty/vibetunnel-sub007/internal/infrastructure/observability"
	"github.com/neonwatty/vibetunnel-sub007/internal/usecase"
)

// EventSink receives hub lifecycle events for operator visibility.
type EventSink interface {
	Broadcast(event, ref string)
}

type nopSink struct{}

func (nopSink) Broadcast(string, string) {}

// Options carries the tunable durations; none of these are hard-coded.
type Options struct {
	RequestTimeout     time.Duration
	SweepInterval      time.Duration
	SessionIdleTimeout time.Duration
	IdleSweepInterval  time.Duration
	MaxSessions        int
}

// Hub composes the relay: it owns the browser connection registry and glues
// the session table, the correlator, the signaling router and the peer
// manager together. Browser read loops hand frames off to a per-connection
// worker so one slow viewer never stalls another.
type Hub struct {
	opts     Options
	logger   zerolog.Logger
	metrics  *obs.Metrics
	tracer   trace.Tracer
	sessions *usecase.SessionService
	peer     *PeerManager
	corr     *Correlator
	signals  *SignalingRouter
	events   EventSink

	mu       sync.RWMutex
	browsers map[string]*browserConn
}

type browserConn struct {
	id     string
	claims domain.AuthClaims
	conn   MessageWriter
	wmu    sync.Mutex
	inbox  chan []byte
	quit   chan struct{}
	once   sync.Once
}

const inboxDepth = 256

func NewHub(logger *zerolog.Logger, metrics *obs.Metrics, sessions *usecase.SessionService, peer *PeerManager, events EventSink, opts Options) *Hub {
	if events == nil {
		events = nopSink{}
	}
	h := &Hub{
		opts:     opts,
		logger:   logger.With().Str("component", "hub").Logger(),
		metrics:  metrics,
		tracer:   otel.Tracer("relay-hub"),
		sessions: sessions,
		peer:     peer,
		events:   events,
		browsers: make(map[string]*browserConn),
	}
	h.corr = NewCorrelator(logger, peer, opts.RequestTimeout, opts.SweepInterval)
	h.corr.OnTimeout(metrics.RequestTimeouts.Inc)
	h.signals = NewSignalingRouter(logger, sessions, peer, h)
	h.signals.OnDrop(func(kind, reason string) {
		metrics.SignalingMessages.WithLabelValues(kind, "dropped").Inc()
	})
	h.signals.OnRelayed(func(kind string) {
		metrics.SignalingMessages.WithLabelValues(kind, "relayed").Inc()
	})
	peer.OnDisconnect(h.onPeerDisconnect)
	return h
}

// Run drives the timeout sweep and the session idle sweep until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	go h.corr.Run(ctx)
	ticker := time.NewTicker(h.opts.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdleSessions(ctx)
		}
	}
}

func (h *Hub) sweepIdleSessions(ctx context.Context) {
	ids, err := h.sessions.CloseIdle(ctx, h.opts.SessionIdleTimeout)
	if err != nil {
		h.logger.Error().Err(err).Msg("idle sweep failed")
		return
	}
	for _, id := range ids {
		h.signals.DropSession(id)
		h.logger.Info().Str("sessionId", id).Msg("session closed by idle timeout")
		h.events.Broadcast("session_expired", id)
	}
	if len(ids) > 0 {
		h.syncGauges(ctx)
	}
}

// --- peer side ---

// AttachPeer installs the capture agent's connection.
func (h *Hub) AttachPeer(conn MessageWriter) {
	h.peer.Accept(conn)
	h.metrics.PeerConnectsTotal.Inc()
	h.events.Broadcast("peer_connected", "")
}

// DetachPeer is called by the peer read loop when its connection dies.
func (h *Hub) DetachPeer(conn MessageWriter) {
	h.peer.Drop(conn)
}

// onPeerDisconnect escalates a dead peer: every session closes and every
// pending request fails now, rather than trickling out through timeouts.
func (h *Hub) onPeerDisconnect() {
	ctx := context.Background()
	ids, _ := h.sessions.CloseAll(ctx)
	h.signals.Reset()
	h.corr.FailAll(domain.ErrPeerDisconnected)
	for _, id := range ids {
		h.logger.Info().Str("sessionId", id).Msg("session closed: peer disconnected")
	}
	h.syncGauges(ctx)
	h.events.Broadcast("peer_disconnected", "")
}

// HandlePeerMessage routes one frame read from the peer channel. A non-nil
// error marks a protocol violation; the caller closes the connection.
func (h *Hub) HandlePeerMessage(ctx context.Context, data []byte) error {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("undecodable peer frame: %w", err)
	}
	switch {
	case env.Type == domain.KindAPIResponse:
		var resp domain.APIResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("malformed api-response: %w", err)
		}
		h.corr.Resolve(resp)
		h.metrics.PendingRequests.Set(float64(h.corr.Pending()))
	case domain.IsSignalKind(env.Type):
		h.signals.FromPeer(ctx, data)
	default:
		h.logger.Warn().Str("kind", env.Type).Msg("dropping unexpected peer message kind")
	}
	return nil
}

// --- browser side ---

// AddBrowser registers an authenticated browser connection and starts its
// dispatch worker. Returns the connection id.
func (h *Hub) AddBrowser(conn MessageWriter, claims domain.AuthClaims) string {
	bc := &browserConn{
		id:     uuid.NewString(),
		claims: claims,
		conn:   conn,
		inbox:  make(chan []byte, inboxDepth),
		quit:   make(chan struct{}),
	}
	h.mu.Lock()
	h.browsers[bc.id] = bc
	count := len(h.browsers)
	h.mu.Unlock()
	go h.worker(bc)
	h.metrics.BrowserConnections.Set(float64(count))
	h.logger.Info().Str("connectionId", bc.id).Str("subject", claims.Subject).Msg("browser connected")
	h.events.Broadcast("browser_connected", bc.id)
	return bc.id
}

// RemoveBrowser tears a connection down: its sessions close, its pending
// requests resolve with a cancellation error, its worker stops.
func (h *Hub) RemoveBrowser(connectionID string) {
	h.mu.Lock()
	bc, ok := h.browsers[connectionID]
	if ok {
		delete(h.browsers, connectionID)
	}
	count := len(h.browsers)
	h.mu.Unlock()
	if !ok {
		return
	}
	bc.once.Do(func() { close(bc.quit) })
	_ = bc.conn.Close()

	ctx := context.Background()
	ids, _ := h.sessions.CloseOwned(ctx, connectionID)
	for _, id := range ids {
		h.signals.DropSession(id)
		h.logger.Info().Str("sessionId", id).Str("connectionId", connectionID).Msg("session closed: owner disconnected")
		h.events.Broadcast("session_closed", id)
	}
	h.corr.FailOwned(connectionID, domain.ErrConnectionClosed)
	h.metrics.BrowserConnections.Set(float64(count))
	h.syncGauges(ctx)
	h.logger.Info().Str("connectionId", connectionID).Msg("browser disconnected")
	h.events.Broadcast("browser_disconnected", connectionID)
}

// Dispatch hands a raw frame from the connection's read loop to its
// worker. The read loop itself never touches hub state.
func (h *Hub) Dispatch(connectionID string, data []byte) {
	h.mu.RLock()
	bc := h.browsers[connectionID]
	h.mu.RUnlock()
	if bc == nil {
		return
	}
	select {
	case bc.inbox <- data:
	case <-bc.quit:
	}
}

func (h *Hub) worker(bc *browserConn) {
	for {
		select {
		case data := <-bc.inbox:
			h.handleFrame(context.Background(), bc, data)
		case <-bc.quit:
			return
		}
	}
}

func (h *Hub) handleFrame(ctx context.Context, bc *browserConn, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn().Err(err).Str("connectionId", bc.id).Msg("closing browser connection: undecodable frame")
		_ = bc.conn.Close()
		return
	}
	switch {
	case env.Type == domain.KindAPIRequest:
		var req domain.APIRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.logger.Warn().Err(err).Str("connectionId", bc.id).Msg("closing browser connection: malformed api-request")
			_ = bc.conn.Close()
			return
		}
		h.handleControl(ctx, bc, req)
	case domain.IsSignalKind(env.Type):
		h.signals.FromBrowser(ctx, bc.id, data)
	default:
		h.logger.Warn().Str("kind", env.Type).Str("connectionId", bc.id).Msg("closing browser connection: unknown message kind")
		_ = bc.conn.Close()
	}
}

// handleControl runs the authorization class check for one control-plane
// request and forwards it through the correlator.
func (h *Hub) handleControl(ctx context.Context, bc *browserConn, req domain.APIRequest) {
	ctx, span := h.tracer.Start(ctx, "hub.ControlRequest", trace.WithAttributes(
		attribute.String("endpoint", req.Endpoint),
		attribute.String("method", req.Method),
	))

	if err := domain.ValidateRequest(req); err != nil {
		h.fail(span, bc, req, err, "validation_error")
		return
	}
	spec := domain.Endpoints[req.Endpoint]

	switch spec.Class {
	case domain.AuthCreatesSession:
		h.handleCaptureStart(ctx, span, bc, req)
	case domain.AuthSessionGated:
		if _, err := h.sessions.Authorize(ctx, req.SessionID); err != nil {
			h.fail(span, bc, req, domain.ErrSessionInvalid, "unauthorized")
			return
		}
		if req.Endpoint == "/stop" {
			// Clear the session before the agent even answers: a request
			// arriving right after the stop must observe no session.
			h.closeSession(ctx, req.SessionID, "explicit stop")
		}
		h.issue(ctx, span, bc, req, nil)
	default:
		h.issue(ctx, span, bc, req, nil)
	}
}

// handleCaptureStart creates a Created session and promotes it to Active
// only once the agent acknowledges the capture started.
func (h *Hub) handleCaptureStart(ctx context.Context, span trace.Span, bc *browserConn, req domain.APIRequest) {
	if !h.peer.Present() {
		h.fail(span, bc, req, domain.ErrPeerUnavailable, "peer_unavailable")
		return
	}
	target, err := domain.CaptureTargetFromRequest(req)
	if err != nil {
		h.fail(span, bc, req, err, "validation_error")
		return
	}
	sess, err := h.sessions.Create(ctx, req.SessionID, bc.id, target)
	if err != nil {
		h.fail(span, bc, req, err, "session_rejected")
		return
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	h.issue(ctx, span, bc, req, func(resp domain.APIResponse) domain.APIResponse {
		bg := context.Background()
		if resp.Error != "" {
			_ = h.sessions.Discard(bg, sess.ID)
			h.signals.DropSession(sess.ID)
			h.logger.Info().Str("sessionId", sess.ID).Str("error", resp.Error).Msg("capture start rejected by agent")
			return resp
		}
		if err := h.sessions.Activate(bg, sess.ID); err != nil {
			// Another session won the activation race; the agent's success
			// must not reach the browser as if this one were active.
			_ = h.sessions.Discard(bg, sess.ID)
			h.signals.DropSession(sess.ID)
			h.logger.Error().Err(err).Str("sessionId", sess.ID).Msg("session activation failed")
			return domain.NewAPIError(resp.RequestID, domain.ErrSessionInvalid)
		}
		h.syncGauges(bg)
		h.logger.Info().Str("sessionId", sess.ID).Msg("session active")
		h.events.Broadcast("session_active", sess.ID)
		return resp
	})
}

// issue forwards req to the peer; after (optional) runs before delivery of
// the eventual response and may replace it.
func (h *Hub) issue(ctx context.Context, span trace.Span, bc *browserConn, req domain.APIRequest, after func(domain.APIResponse) domain.APIResponse) {
	_, err := h.corr.Issue(bc.id, req, func(resp domain.APIResponse) {
		if after != nil {
			resp = after(resp)
		}
		outcome := "ok"
		if resp.Error != "" {
			outcome = "error"
		}
		h.metrics.RelayedRequests.WithLabelValues(req.Endpoint, outcome).Inc()
		h.metrics.PendingRequests.Set(float64(h.corr.Pending()))
		if err := h.deliver(bc.id, resp); err != nil {
			h.logger.Debug().Err(err).Str("connectionId", bc.id).Msg("response dropped: connection gone")
		}
		span.End()
	})
	if err != nil {
		// The session created for a capture-start must not outlive a failed
		// forward.
		if req.SessionID != "" && domain.Endpoints[req.Endpoint].Class == domain.AuthCreatesSession {
			_ = h.sessions.Discard(ctx, req.SessionID)
		}
		h.fail(span, bc, req, err, "peer_unavailable")
		return
	}
	h.metrics.PendingRequests.Set(float64(h.corr.Pending()))
}

func (h *Hub) fail(span trace.Span, bc *browserConn, req domain.APIRequest, err error, outcome string) {
	span.RecordError(err)
	span.End()
	h.metrics.RelayedRequests.WithLabelValues(req.Endpoint, outcome).Inc()
	if derr := h.deliver(bc.id, domain.NewAPIError(req.RequestID, err)); derr != nil {
		h.logger.Debug().Err(derr).Str("connectionId", bc.id).Msg("error response dropped: connection gone")
	}
}

func (h *Hub) closeSession(ctx context.Context, sessionID, reason string) {
	_ = h.sessions.Close(ctx, sessionID)
	h.signals.DropSession(sessionID)
	h.syncGauges(ctx)
	h.logger.Info().Str("sessionId", sessionID).Str("reason", reason).Msg("session closed")
	h.events.Broadcast("session_closed", sessionID)
}

// deliver writes an api-response back to one browser connection.
func (h *Hub) deliver(connectionID string, resp domain.APIResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return h.SendRaw(connectionID, data)
}

// SendRaw writes a pre-encoded frame to one browser connection, serialized
// per connection since gorilla allows a single writer.
func (h *Hub) SendRaw(connectionID string, data []byte) error {
	h.mu.RLock()
	bc := h.browsers[connectionID]
	h.mu.RUnlock()
	if bc == nil {
		return domain.ErrConnectionClosed
	}
	bc.wmu.Lock()
	defer bc.wmu.Unlock()
	_ = bc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return bc.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) syncGauges(ctx context.Context) {
	if _, ok, _ := h.sessions.Active(ctx); ok {
		h.metrics.ActiveSessions.Set(1)
	} else {
		h.metrics.ActiveSessions.Set(0)
	}
	h.metrics.PendingRequests.Set(float64(h.corr.Pending()))
}

// Status is the operator-facing snapshot served by GET /api/status.
type Status struct {
	PeerConnected      bool             `json:"peerConnected"`
	PeerConnectedAt    *time.Time       `json:"peerConnectedAt,omitempty"`
	BrowserConnections int              `json:"browserConnections"`
	PendingRequests    int              `json:"pendingRequests"`
	Exchange           string           `json:"exchange"`
	Sessions           []domain.Session `json:"sessions"`
}

func (h *Hub) Status(ctx context.Context) Status {
	h.mu.RLock()
	count := len(h.browsers)
	h.mu.RUnlock()
	sessions, _ := h.sessions.List(ctx)
	if sessions == nil {
		sessions = []domain.Session{}
	}
	_, state := h.signals.State()
	st := Status{
		PeerConnected:      h.peer.Present(),
		BrowserConnections: count,
		PendingRequests:    h.corr.Pending(),
		Exchange:           state.String(),
		Sessions:           sessions,
	}
	if at, ok := h.peer.ConnectedAt(); ok {
		st.PeerConnectedAt = &at
	}
	return st
}
