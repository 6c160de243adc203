package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"snapsummary/internal/app"
	"snapsummary/internal/transport/http/response"
)

const ContextPrincipalKey = "principal"

type Authenticator interface {
	CurrentPrincipal(ctx context.Context, token string) (app.Principal, error)
}

// AuthJWT resolves the bearer token into an app.Principal stored on the context.
func AuthJWT(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid authorization scheme")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		principal, err := auth.CurrentPrincipal(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, app.ErrAuth) {
				response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
			} else {
				response.Error(c, http.StatusServiceUnavailable, response.CodeUnavailable, "session check unavailable")
			}
			c.Abort()
			return
		}

		c.Set(ContextPrincipalKey, principal)
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) (app.Principal, bool) {
	v, exists := c.Get(ContextPrincipalKey)
	if !exists {
		return app.Principal{}, false
	}
	principal, ok := v.(app.Principal)
	return principal, ok && principal.Authenticated()
}
