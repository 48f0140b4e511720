package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
	"github.com/neonwatty/vibetunnel-sub007/internal/usecase"
)

// ExchangeState tracks the implicit WebRTC negotiation progress for the
// one active session. Messages that do not fit the current state are
// dropped, never forwarded.
type ExchangeState int

const (
	ExchangeNone ExchangeState = iota
	ExchangeStartRequested
	ExchangeOfferSent
	ExchangeAnswerReceived
	ExchangeICE
	ExchangeEstablished
)

func (s ExchangeState) String() string {
	switch s {
	case ExchangeStartRequested:
		return "start-requested"
	case ExchangeOfferSent:
		return "offer-sent"
	case ExchangeAnswerReceived:
		return "answer-received"
	case ExchangeICE:
		return "ice-exchanging"
	case ExchangeEstablished:
		return "established"
	}
	return "none"
}

// signalMessage is the decoded routing metadata plus the payload fields
// needed for structural validation. The original frame is relayed verbatim.
type signalMessage struct {
	Type      string                   `json:"type"`
	SessionID string                   `json:"sessionId"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// BrowserSender delivers a raw frame to one browser connection.
type BrowserSender interface {
	SendRaw(connectionID string, data []byte) error
}

// SignalingRouter relays WebRTC negotiation frames between the active
// session's owner and the peer. It never buffers across a peer disconnect;
// exchange state dies with the session.
type SignalingRouter struct {
	logger   zerolog.Logger
	sessions *usecase.SessionService
	peer     *PeerManager
	browsers BrowserSender

	onDrop    func(kind, reason string) // metrics hook, optional
	onRelayed func(kind string)

	mu        sync.Mutex
	sessionID string
	state     ExchangeState
}

func NewSignalingRouter(logger *zerolog.Logger, sessions *usecase.SessionService, peer *PeerManager, browsers BrowserSender) *SignalingRouter {
	return &SignalingRouter{
		logger:   logger.With().Str("component", "signaling").Logger(),
		sessions: sessions,
		peer:     peer,
		browsers: browsers,
	}
}

func (r *SignalingRouter) OnDrop(fn func(kind, reason string)) { r.onDrop = fn }
func (r *SignalingRouter) OnRelayed(fn func(kind string))      { r.onRelayed = fn }

// State reports the current exchange state (status endpoint, tests).
func (r *SignalingRouter) State() (string, ExchangeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID, r.state
}

// FromBrowser routes a signaling frame sent by connectionID toward the peer.
func (r *SignalingRouter) FromBrowser(ctx context.Context, connectionID string, data []byte) {
	msg, ok := r.decode(data)
	if !ok {
		return
	}
	sess, err := r.authorizeSession(ctx, msg.SessionID)
	if err != nil {
		r.drop(msg, "session mismatch")
		return
	}
	if sess.OwnerConnection != connectionID {
		r.drop(msg, "not session owner")
		return
	}
	switch msg.Type {
	case domain.KindStartCapture:
		// No prior exchange state required; resets any stale negotiation.
		r.transition(msg.SessionID, ExchangeStartRequested)
	case domain.KindAnswer:
		if !r.validSDP(msg, webrtc.SDPTypeAnswer) {
			return
		}
		if !r.require(msg, ExchangeOfferSent) {
			return
		}
		r.transition(msg.SessionID, ExchangeAnswerReceived)
	case domain.KindICECandidate:
		if !r.requireAtLeast(msg, ExchangeAnswerReceived) {
			return
		}
		r.advanceICE(msg.SessionID)
	default:
		r.drop(msg, "kind not valid from browser")
		return
	}
	if err := r.peer.SendRaw(data); err != nil {
		r.drop(msg, "peer send failed: "+err.Error())
		return
	}
	r.relayed(msg.Type)
}

// FromPeer routes a signaling frame emitted by the capture agent toward
// the active session's owner.
func (r *SignalingRouter) FromPeer(ctx context.Context, data []byte) {
	msg, ok := r.decode(data)
	if !ok {
		return
	}
	sess, err := r.authorizeSession(ctx, msg.SessionID)
	if err != nil {
		r.drop(msg, "session mismatch")
		return
	}
	switch msg.Type {
	case domain.KindOffer:
		if !r.validSDP(msg, webrtc.SDPTypeOffer) {
			return
		}
		if !r.require(msg, ExchangeStartRequested) {
			return
		}
		r.transition(msg.SessionID, ExchangeOfferSent)
	case domain.KindICECandidate:
		if !r.requireAtLeast(msg, ExchangeAnswerReceived) {
			return
		}
		r.advanceICE(msg.SessionID)
	case domain.KindMacReady:
		// Informational readiness signal; relayed regardless of exchange
		// progress and marks the exchange established once ICE has run.
		r.mu.Lock()
		if r.sessionID == msg.SessionID && r.state == ExchangeICE {
			r.state = ExchangeEstablished
		}
		r.mu.Unlock()
	default:
		r.drop(msg, "kind not valid from peer")
		return
	}
	if err := r.browsers.SendRaw(sess.OwnerConnection, data); err != nil {
		r.drop(msg, "browser send failed: "+err.Error())
		return
	}
	r.relayed(msg.Type)
}

// DropSession discards exchange state when its session closes.
func (r *SignalingRouter) DropSession(sessionID string) {
	r.mu.Lock()
	if r.sessionID == sessionID {
		r.sessionID = ""
		r.state = ExchangeNone
	}
	r.mu.Unlock()
}

// Reset discards all exchange state (peer disconnect).
func (r *SignalingRouter) Reset() {
	r.mu.Lock()
	r.sessionID = ""
	r.state = ExchangeNone
	r.mu.Unlock()
}

func (r *SignalingRouter) decode(data []byte) (signalMessage, bool) {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Warn().Err(err).Msg("dropping undecodable signaling frame")
		if r.onDrop != nil {
			r.onDrop("unknown", "undecodable")
		}
		return signalMessage{}, false
	}
	return msg, true
}

// authorizeSession accepts only frames tagged with the current active
// session; anything else could be a stale or malicious viewer injecting
// into someone else's exchange.
func (r *SignalingRouter) authorizeSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if sessionID == "" {
		return domain.Session{}, domain.ErrSessionInvalid
	}
	active, ok, err := r.sessions.Active(ctx)
	if err != nil || !ok || active.ID != sessionID {
		return domain.Session{}, domain.ErrSessionInvalid
	}
	return active, nil
}

func (r *SignalingRouter) validSDP(msg signalMessage, want webrtc.SDPType) bool {
	if msg.SDP == "" {
		r.drop(msg, "missing sdp")
		return false
	}
	desc := webrtc.SessionDescription{Type: want, SDP: msg.SDP}
	if _, err := desc.Unmarshal(); err != nil {
		r.drop(msg, "sdp does not parse")
		return false
	}
	return true
}

func (r *SignalingRouter) require(msg signalMessage, want ExchangeState) bool {
	r.mu.Lock()
	ok := r.sessionID == msg.SessionID && r.state == want
	state := r.state
	r.mu.Unlock()
	if !ok {
		r.drop(msg, "out of order in state "+state.String())
	}
	return ok
}

func (r *SignalingRouter) requireAtLeast(msg signalMessage, min ExchangeState) bool {
	r.mu.Lock()
	ok := r.sessionID == msg.SessionID && r.state >= min
	state := r.state
	r.mu.Unlock()
	if !ok {
		r.drop(msg, "out of order in state "+state.String())
	}
	return ok
}

func (r *SignalingRouter) transition(sessionID string, state ExchangeState) {
	r.mu.Lock()
	r.sessionID = sessionID
	r.state = state
	r.mu.Unlock()
}

// advanceICE enters ice-exchanging without regressing an established
// exchange; candidates keep flowing after establishment.
func (r *SignalingRouter) advanceICE(sessionID string) {
	r.mu.Lock()
	if r.sessionID == sessionID && r.state < ExchangeICE {
		r.state = ExchangeICE
	}
	r.mu.Unlock()
}

func (r *SignalingRouter) drop(msg signalMessage, reason string) {
	r.logger.Warn().Str("kind", msg.Type).Str("sessionId", msg.SessionID).
		Str("reason", reason).Msg("dropping signaling message")
	if r.onDrop != nil {
		r.onDrop(msg.Type, reason)
	}
}

func (r *SignalingRouter) relayed(kind string) {
	if r.onRelayed != nil {
		r.onRelayed(kind)
	}
}
