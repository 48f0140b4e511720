package domain

// Session ids come from the browser client; the hub only checks that they
// are plausibly random so a trivially guessable token is never honored.
const (
	minSessionIDLen      = 16
	maxSessionIDLen      = 128
	minDistinctSessionID = 8
)

func isSessionIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

// ValidateSessionID rejects empty, short, malformed or obviously
// low-entropy ids.
func ValidateSessionID(id string) error {
	if id == "" {
		return NewValidationError("missing session id")
	}
	if len(id) < minSessionIDLen {
		return NewValidationError("session id too short")
	}
	if len(id) > maxSessionIDLen {
		return NewValidationError("session id too long")
	}
	distinct := map[byte]struct{}{}
	for i := 0; i < len(id); i++ {
		if !isSessionIDChar(id[i]) {
			return NewValidationError("session id contains invalid characters")
		}
		distinct[id[i]] = struct{}{}
	}
	if len(distinct) < minDistinctSessionID {
		return NewValidationError("session id entropy too low")
	}
	return nil
}
