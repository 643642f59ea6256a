package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cppla/passbook/utils"
)

// ContextUsernameKey stores the authenticated admin inside Gin context.
const ContextUsernameKey = "username"

// AdminRequired ensures the request carries a valid, unrevoked admin JWT.
func AdminRequired(secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			utils.AbortError(ctx, http.StatusUnauthorized, 40101, "authorization header missing")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			utils.AbortError(ctx, http.StatusUnauthorized, 40102, "invalid authorization header format")
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			utils.AbortError(ctx, http.StatusUnauthorized, 40103, "empty bearer token")
			return
		}

		if utils.IsTokenRevoked(tokenString) {
			utils.AbortError(ctx, http.StatusUnauthorized, 40104, "token revoked")
			return
		}

		claims, err := utils.ParseToken(secret, tokenString)
		if err != nil {
			utils.AbortError(ctx, http.StatusUnauthorized, 40105, "invalid token")
			return
		}

		ctx.Set(ContextUsernameKey, claims.Username)
		ctx.Next()
	}
}
