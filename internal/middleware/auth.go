package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/openlot/lotsync/internal/auth"
	"github.com/openlot/lotsync/pkg/errors"
	"github.com/openlot/lotsync/pkg/response"
)

const (
	CtxClaimsKey   = "authClaims"
	CtxIdentityKey = "dealerIdentity"
)

// Auth enforces JWT authentication using the supplied JWT service.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		// Propagate identity into request context
		c.Set(CtxClaimsKey, claims)
		c.Set(CtxIdentityKey, claims.IdentityRef)

		c.Next()
	}
}

// Identity returns the authenticated dealer identity from the request context.
func Identity(c *gin.Context) string {
	return c.GetString(CtxIdentityKey)
}
