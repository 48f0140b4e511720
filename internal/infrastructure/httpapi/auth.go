package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
)

// bearerFromRequest extracts the credential from the Authorization header
// or, for browser WebSocket clients that cannot set headers, from the
// token query parameter.
func bearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// validateBearer checks an HS256 token and returns its claims. Invalid,
// missing or expired tokens refuse the upgrade before any session state is
// touched.
func validateBearer(tokenString, secret string) (domain.AuthClaims, error) {
	if tokenString == "" {
		return domain.AuthClaims{}, domain.NewAuthenticationError("missing bearer token")
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.AuthClaims{}, domain.NewAuthenticationError(err.Error())
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.AuthClaims{}, domain.NewAuthenticationError("unexpected claims type")
	}
	sub, _ := claims.GetSubject()
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return domain.AuthClaims{}, domain.NewAuthenticationError("missing expiry claim")
	}
	if time.Now().After(exp.Time) {
		return domain.AuthClaims{}, domain.NewAuthenticationError("token expired")
	}
	return domain.AuthClaims{Subject: sub, ExpiresAt: exp.Time}, nil
}
