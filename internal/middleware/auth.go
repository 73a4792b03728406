package middleware

import (
	"net/http"
	"strings"

	"github.com/caelansar/chat/internal/auth"
	"github.com/caelansar/chat/internal/httputil"
)

// AuthMiddleware requires a valid token before the request reaches a
// handler. The token comes from the Authorization header or, for EventSource
// clients that cannot set headers, from the access_token query parameter.
func AuthMiddleware(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "missing credentials")
				return
			}

			claims, err := jwtService.ValidateToken(token)
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := auth.ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
