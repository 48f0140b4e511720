package domain

import "time"

type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionActive  SessionState = "active"
	SessionClosed  SessionState = "closed"
)

// TargetKind distinguishes whole-desktop captures from single-window captures.
type TargetKind string

const (
	TargetDesktop TargetKind = "desktop"
	TargetWindow  TargetKind = "window"
)

// CaptureTarget is fixed at session creation and never changes afterwards.
type CaptureTarget struct {
	Kind TargetKind `json:"kind"`
	// Display index for desktop captures; -1 means all displays.
	DisplayIndex int `json:"displayIndex,omitempty"`
	// CGWindowID for window captures.
	WindowID int64 `json:"cgWindowId,omitempty"`
	WebRTC   bool  `json:"webrtc"`
	Use8K    bool  `json:"use8k"`
}

// Session scopes which browser connection may issue mutating control
// requests against the current capture. The id is supplied by the browser
// client and treated by the hub as an opaque bearer token.
type Session struct {
	ID              string        `json:"id"`
	OwnerConnection string        `json:"ownerConnection"`
	Target          CaptureTarget `json:"target"`
	State           SessionState  `json:"state"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastValidatedAt time.Time     `json:"lastValidatedAt"`
}
