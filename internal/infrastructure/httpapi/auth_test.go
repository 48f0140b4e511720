package httpapi

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "relay-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestValidateBearer(t *testing.T) {
	good := signToken(t, testSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	claims, err := validateBearer(good, testSecret)
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("subject = %q", claims.Subject)
	}

	if _, err := validateBearer("", testSecret); err == nil {
		t.Fatal("missing token accepted")
	}
	if _, err := validateBearer("not-a-jwt", testSecret); err == nil {
		t.Fatal("garbage token accepted")
	}
	if _, err := validateBearer(good, "other-secret"); err == nil {
		t.Fatal("token with wrong signature accepted")
	}

	expired := signToken(t, testSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := validateBearer(expired, testSecret); err == nil {
		t.Fatal("expired token accepted")
	}

	noExp := signToken(t, testSecret, jwt.MapClaims{"sub": "alice"})
	if _, err := validateBearer(noExp, testSecret); err == nil {
		t.Fatal("token without expiry accepted")
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "mallory",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := validateBearer(unsigned, testSecret); err == nil {
		t.Fatal("alg=none token accepted")
	}
}

func TestBearerFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	if got := bearerFromRequest(r); got != "abc" {
		t.Fatalf("header token = %q", got)
	}

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	if got := bearerFromRequest(r); got != "xyz" {
		t.Fatalf("query token = %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	if got := bearerFromRequest(r); got != "" {
		t.Fatalf("non-bearer scheme yielded %q", got)
	}
}
