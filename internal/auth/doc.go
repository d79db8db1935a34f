// Package auth issues and verifies the bearer tokens agents use to connect.
//
// # Tokens
//
// A token is an HS256 JWT whose "sub" claim is the agent's numeric id and
// whose optional "name" claim is its display name. Tokens expire after a
// fixed TTL (24h by default, auth.token_ttl):
//
//	v := auth.NewJWTVerifier(secret, 24*time.Hour)
//	token, expiresAt, err := v.Issue(42, "builder")
//	claims, err := v.Verify(token)
//
// # Issuance
//
// TokenHandler serves POST /api/tokens:
//
//	{"agent_id": 42, "name": "builder"} -> {"token": "...", "expires_at": "..."}
//
// When auth.issue_key_hash holds a bcrypt hash, the request must carry
// "Authorization: Bearer <issue key>". Generate the hash with HashIssueKey.
//
// # Connection Authentication
//
// RequireAgent wraps the WebSocket endpoint. It reads the token from the
// "token" query parameter (or the Authorization header) and rejects missing,
// malformed, unknown, or expired tokens with 401 before the handler runs, so
// no connection state is created for a rejected client.
//
// # Errors
//
//   - ErrInvalidToken: signature, format, or subject is invalid
//   - ErrExpiredToken: the exp claim has passed
//   - ErrMissingClaim: the sub claim is absent
//   - ErrInvalidAgentID: issuance for a non-positive agent id
package auth
