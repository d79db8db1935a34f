// ABOUTME: JWT bearer tokens binding a connection to a numeric agent id
// ABOUTME: Uses HS256 signing with configurable secret and a fixed expiry

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of issued agent tokens.
const DefaultTokenTTL = 24 * time.Hour

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrInvalidAgentID = errors.New("agent id must be positive")
)

// Claims is the verified identity carried by a token.
type Claims struct {
	AgentID   int64
	Name      string
	ExpiresAt time.Time
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// Issuer mints agent tokens.
type Issuer interface {
	Issue(agentID int64, name string) (token string, expiresAt time.Time, err error)
}

type agentClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier and Issuer using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTVerifier creates a verifier with the given secret. A zero ttl uses DefaultTokenTTL.
func NewJWTVerifier(secret []byte, ttl time.Duration) *JWTVerifier {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTVerifier{secret: secret, ttl: ttl, now: time.Now}
}

// TTL returns the lifetime of tokens minted by Issue.
func (v *JWTVerifier) TTL() time.Duration {
	return v.ttl
}

// Verify validates the token and extracts the agent id from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	var claims agentClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	agentID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || agentID <= 0 {
		return nil, fmt.Errorf("%w: sub %q is not an agent id", ErrInvalidToken, claims.Subject)
	}

	out := &Claims{AgentID: agentID, Name: claims.Name}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// Issue mints a token for agentID that expires after the configured TTL.
func (v *JWTVerifier) Issue(agentID int64, name string) (string, time.Time, error) {
	now := v.now()
	token, err := v.sign(agentID, name, now, v.ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, now.Add(v.ttl).Truncate(time.Second), nil
}

// Generate creates a new JWT token for the given agent with expiration
func (v *JWTVerifier) Generate(agentID int64, name string, expiresIn time.Duration) (string, error) {
	return v.sign(agentID, name, v.now(), expiresIn)
}

func (v *JWTVerifier) sign(agentID int64, name string, now time.Time, expiresIn time.Duration) (string, error) {
	if agentID <= 0 {
		return "", ErrInvalidAgentID
	}
	claims := agentClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(agentID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
