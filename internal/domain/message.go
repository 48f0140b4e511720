package domain

import (
	"encoding/json"
	"fmt"
)

// Message kinds carried over both the browser and the peer channel. The
// control plane uses api-request/api-response; everything else is WebRTC
// signaling relayed verbatim.
const (
	KindAPIRequest   = "api-request"
	KindAPIResponse  = "api-response"
	KindStartCapture = "start-capture"
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindICECandidate = "ice-candidate"
	KindMacReady     = "mac-ready"
)

// Envelope is the minimal decode used to route an incoming frame by kind.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// APIRequest is the control-plane request envelope, identical in both
// directions across the relay.
type APIRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// APIResponse carries either a result or an error, never both.
type APIResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func NewAPIResponse(requestID string, result json.RawMessage) APIResponse {
	return APIResponse{Type: KindAPIResponse, RequestID: requestID, Result: result}
}

func NewAPIError(requestID string, err error) APIResponse {
	return APIResponse{Type: KindAPIResponse, RequestID: requestID, Error: err.Error()}
}

// AuthClass describes what a control-plane endpoint requires beyond an
// authenticated connection.
type AuthClass int

const (
	// AuthNone: read-only enumeration, any authenticated connection.
	AuthNone AuthClass = iota
	// AuthCreatesSession: capture-start, creates a session from the request.
	AuthCreatesSession
	// AuthSessionGated: mutating, must carry the current active session id.
	AuthSessionGated
)

type EndpointSpec struct {
	Method string
	Class  AuthClass
}

// Endpoints relayed to the capture agent. Anything absent here is rejected
// before it reaches the peer.
var Endpoints = map[string]EndpointSpec{
	"/displays":       {Method: "GET", Class: AuthNone},
	"/processes":      {Method: "GET", Class: AuthNone},
	"/frame":          {Method: "GET", Class: AuthNone},
	"/capture":        {Method: "POST", Class: AuthCreatesSession},
	"/capture-window": {Method: "POST", Class: AuthCreatesSession},
	"/stop":           {Method: "POST", Class: AuthSessionGated},
	"/click":          {Method: "POST", Class: AuthSessionGated},
	"/mousedown":      {Method: "POST", Class: AuthSessionGated},
	"/mouseup":        {Method: "POST", Class: AuthSessionGated},
	"/mousemove":      {Method: "POST", Class: AuthSessionGated},
	"/key":            {Method: "POST", Class: AuthSessionGated},
}

// CaptureParams is the body of POST /capture.
type CaptureParams struct {
	Type   string `json:"type"`
	Index  int    `json:"index"`
	WebRTC bool   `json:"webrtc"`
	Use8K  bool   `json:"use8k"`
}

// WindowCaptureParams is the body of POST /capture-window.
type WindowCaptureParams struct {
	CGWindowID int64 `json:"cgWindowID"`
	WebRTC     bool  `json:"webrtc"`
	Use8K      bool  `json:"use8k"`
}

// PointerParams carries coordinates normalized to the 0-1000 range; the
// agent maps them onto actual pixels for the active target.
type PointerParams struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// KeyParams is the body of POST /key.
type KeyParams struct {
	Key      string `json:"key"`
	MetaKey  bool   `json:"metaKey"`
	CtrlKey  bool   `json:"ctrlKey"`
	AltKey   bool   `json:"altKey"`
	ShiftKey bool   `json:"shiftKey"`
}

const normalizedMax = 1000

// ValidateRequest checks the envelope and, for known endpoints, the shape of
// the params. Routing decisions (session gating) happen elsewhere.
func ValidateRequest(req APIRequest) error {
	if req.RequestID == "" {
		return NewValidationError("missing requestId")
	}
	spec, ok := Endpoints[req.Endpoint]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown endpoint %q", req.Endpoint))
	}
	if req.Method != spec.Method {
		return NewValidationError(fmt.Sprintf("method %s not allowed for %s", req.Method, req.Endpoint))
	}
	switch req.Endpoint {
	case "/capture":
		var p CaptureParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return NewValidationError("malformed capture params")
		}
		if p.Type != string(TargetDesktop) {
			return NewValidationError(fmt.Sprintf("unsupported capture type %q", p.Type))
		}
		if p.Index < -1 {
			return NewValidationError("invalid display index")
		}
	case "/capture-window":
		var p WindowCaptureParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return NewValidationError("malformed capture-window params")
		}
		if p.CGWindowID <= 0 {
			return NewValidationError("invalid cgWindowID")
		}
	case "/click", "/mousedown", "/mouseup", "/mousemove":
		var p PointerParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return NewValidationError("malformed pointer params")
		}
		if p.X < 0 || p.X > normalizedMax || p.Y < 0 || p.Y > normalizedMax {
			return NewValidationError("pointer coordinates out of 0-1000 range")
		}
	case "/key":
		var p KeyParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return NewValidationError("malformed key params")
		}
		if p.Key == "" {
			return NewValidationError("missing key")
		}
	}
	return nil
}

// CaptureTargetFromRequest builds the immutable target descriptor for a
// capture-start request. ValidateRequest must have passed already.
func CaptureTargetFromRequest(req APIRequest) (CaptureTarget, error) {
	switch req.Endpoint {
	case "/capture":
		var p CaptureParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return CaptureTarget{}, NewValidationError("malformed capture params")
		}
		return CaptureTarget{Kind: TargetDesktop, DisplayIndex: p.Index, WebRTC: p.WebRTC, Use8K: p.Use8K}, nil
	case "/capture-window":
		var p WindowCaptureParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return CaptureTarget{}, NewValidationError("malformed capture-window params")
		}
		return CaptureTarget{Kind: TargetWindow, WindowID: p.CGWindowID, WebRTC: p.WebRTC, Use8K: p.Use8K}, nil
	}
	return CaptureTarget{}, NewValidationError(fmt.Sprintf("endpoint %s does not create sessions", req.Endpoint))
}

// SignalKinds lists the message kinds relayed by the signaling router.
func IsSignalKind(kind string) bool {
	switch kind {
	case KindStartCapture, KindOffer, KindAnswer, KindICECandidate, KindMacReady:
		return true
	}
	return false
}
