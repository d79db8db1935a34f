// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and agent id claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestJWTVerifier_IssueAndVerify(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, 0)

	token, expiresAt, err := verifier.Issue(42, "builder")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	wantExpiry := time.Now().Add(DefaultTokenTTL)
	if d := expiresAt.Sub(wantExpiry); d > time.Second || d < -2*time.Second {
		t.Errorf("expires_at = %v, want about %v", expiresAt, wantExpiry)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.AgentID != 42 {
		t.Errorf("AgentID = %d, want 42", claims.AgentID)
	}
	if claims.Name != "builder" {
		t.Errorf("Name = %q, want builder", claims.Name)
	}
	if !claims.ExpiresAt.Equal(expiresAt) {
		t.Errorf("claims expiry %v != issued expiry %v", claims.ExpiresAt, expiresAt)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				token, _ := NewJWTVerifier([]byte("different-secret"), time.Hour).Generate(1, "", time.Hour)
				return token
			}(),
		},
		{
			name: "non-numeric subject",
			token: func() string {
				token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
					"sub": "principal-123",
					"exp": time.Now().Add(time.Hour).Unix(),
				}).SignedString(testSecret)
				return token
			}(),
		},
		{
			name: "no expiry",
			token: func() string {
				token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
					"sub": "7",
				}).SignedString(testSecret)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, time.Hour)

	token, err := verifier.Generate(5, "", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_ExpiresAfterTTL(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, time.Hour)
	base := time.Now()
	verifier.now = func() time.Time { return base }

	token, _, err := verifier.Issue(9, "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	verifier.now = func() time.Time { return base.Add(59 * time.Minute) }
	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("Verify() before expiry error = %v", err)
	}

	verifier.now = func() time.Time { return base.Add(61 * time.Minute) }
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() after expiry error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_RejectsNonPositiveAgent(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, time.Hour)

	for _, id := range []int64{0, -3} {
		if _, _, err := verifier.Issue(id, ""); !errors.Is(err, ErrInvalidAgentID) {
			t.Errorf("Issue(%d) error = %v, want ErrInvalidAgentID", id, err)
		}
	}
}
