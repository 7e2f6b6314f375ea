package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/IamMattHenry/salemate-notify/internal/auth"
	"github.com/IamMattHenry/salemate-notify/pkg/errors"
	"github.com/IamMattHenry/salemate-notify/pkg/response"
)

const (
	CtxClaimsKey      = "authClaims"
	CtxRecipientIDKey = "recipientID"
)

// Auth enforces JWT authentication using the supplied JWT service. WebSocket
// clients may pass the token as a query parameter since browsers cannot set
// headers on upgrade requests.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			response.Error(c, errors.ErrInvalidToken)
			c.Abort()
			return
		}

		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrInvalidToken)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxRecipientIDKey, claims.RecipientID)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}
