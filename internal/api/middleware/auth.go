package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/ruleforge/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Auth checks the operator bearer token against a bcrypt hash.
type Auth struct {
	tokenHash []byte
}

// NewAuth creates a new Auth middleware. An empty hash rejects every request.
func NewAuth(tokenHash string) *Auth {
	return &Auth{tokenHash: []byte(tokenHash)}
}

// Authenticate validates the Bearer token and marks the request as coming
// from the operator.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(a.tokenHash) == 0 ||
			bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid admin token", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(setOperator(r.Context(), OperatorAdmin)))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
