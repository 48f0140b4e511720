package domain

import "time"

// AuthClaims are the validated bearer-token claims attached to a browser
// connection at upgrade time. No further authentication happens after the
// upgrade; everything else is session-scoped.
type AuthClaims struct {
	Subject   string
	ExpiresAt time.Time
}
