// ABOUTME: HTTP middleware authenticating API requests by JWT or SSH signature
// ABOUTME: Rejects with 401 and a JSON error body; passes through when auth is off

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
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

// Middleware authenticates requests with an SSH signature (when headers are
// present and sshVerifier is set) or a bearer token. With both verifiers nil
// every request passes through anonymously.
func Middleware(tokens TokenVerifier, sshVerifier *SSHVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if tokens == nil && sshVerifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sshReq := ExtractSSHAuth(r.Header); sshReq != nil && sshVerifier != nil {
				p, err := sshVerifier.Verify(sshReq)
				if err != nil {
					logger.Warn("auth failure", "method", MethodSSH, "reason", err, "remote", r.RemoteAddr)
					unauthorized(w, "invalid ssh signature")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			if tokens == nil {
				unauthorized(w, "ssh signature required")
				return
			}
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}
			p, err := tokens.Verify(token)
			if err != nil {
				logger.Warn("auth failure", "method", MethodJWT, "reason", err, "remote", r.RemoteAddr)
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}
