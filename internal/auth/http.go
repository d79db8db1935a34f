// ABOUTME: HTTP surface for agent tokens: issuance endpoint and verification middleware
// ABOUTME: Issuance can be gated by a bcrypt-hashed issue key

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken reads the token from the "token" query parameter, falling back
// to the Authorization header.
func requestToken(r *http.Request) (string, string) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// IssueKey gates token issuance behind a shared secret stored as a bcrypt hash.
type IssueKey struct {
	hash []byte
}

// NewIssueKey parses a bcrypt hash. An empty hash returns nil, which allows
// every issuance request.
func NewIssueKey(hash string) (*IssueKey, error) {
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("parsing issue key hash: %w", err)
	}
	return &IssueKey{hash: []byte(hash)}, nil
}

// HashIssueKey returns the bcrypt hash to configure for key.
func HashIssueKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing issue key: %w", err)
	}
	return string(hash), nil
}

// Check verifies the request's bearer key. A nil IssueKey accepts everything.
func (k *IssueKey) Check(r *http.Request) error {
	if k == nil {
		return nil
	}
	key, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return errors.New(errMsg)
	}
	if err := bcrypt.CompareHashAndPassword(k.hash, []byte(key)); err != nil {
		return errors.New("invalid issue key")
	}
	return nil
}

type issueRequest struct {
	AgentID int64  `json:"agent_id"`
	Name    string `json:"name"`
}

type issueResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenHandler serves POST /api/tokens.
func TokenHandler(issuer Issuer, key *IssueKey, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "token-issuer")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := key.Check(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		var req issueRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.AgentID <= 0 {
			writeError(w, http.StatusBadRequest, ErrInvalidAgentID.Error())
			return
		}

		token, expiresAt, err := issuer.Issue(req.AgentID, req.Name)
		if err != nil {
			logger.Error("failed to issue token", "agent_id", req.AgentID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to issue token")
			return
		}

		logger.Info("token issued", "agent_id", req.AgentID, "name", req.Name, "expires_at", expiresAt)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(issueResponse{Token: token, ExpiresAt: expiresAt})
	})
}

// RequireAgent verifies the request's token before calling next and attaches
// the claims to the request context. Failures answer 401 without calling next.
func RequireAgent(verifier TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := requestToken(r)
		if errMsg != "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrExpiredToken) {
				msg = "token expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
