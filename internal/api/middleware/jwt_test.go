package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func authed(t *testing.T, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	handler := RequireAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exec", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func TestRequireAuthValidToken(t *testing.T) {
	token, exp, err := GenerateToken(testSecret, "admin")
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if d := time.Until(exp); d < TokenTTL-time.Minute || d > TokenTTL {
		t.Errorf("expiry %s away, want about %s", d, TokenTTL)
	}

	rr, op := authed(t, "Bearer "+token)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if op != "admin" {
		t.Fatalf("operator = %q, want admin", op)
	}
}

func TestRequireAuthRejects(t *testing.T) {
	other, _, err := GenerateToken([]byte("another-secret-another-secret-xx"), "admin")
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		Operator: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}
	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic YWRtaW46YWRtaW4="},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + other},
		{"expired", "Bearer " + expiredToken},
		{"no operator", "Bearer " + anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, op := authed(t, tt.header)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if op != "" {
				t.Fatalf("handler reached with operator %q", op)
			}
		})
	}
}
