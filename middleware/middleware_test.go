package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/passbook/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func hit(r http.Handler, header string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RateLimitMiddleware(4))
	r.GET("/", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	// burst is half the per-minute budget
	assert.Equal(t, http.StatusOK, hit(r, ""))
	assert.Equal(t, http.StatusOK, hit(r, ""))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, ""))
}

func TestRateLimitMiddleware_InstancesAreIndependent(t *testing.T) {
	r := gin.New()
	a := RateLimitMiddleware(2)
	b := RateLimitMiddleware(2)
	r.GET("/", a, b, func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, hit(r, ""))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, ""))
}

func TestAdminRequired(t *testing.T) {
	r := gin.New()
	r.GET("/", AdminRequired("secret"), func(ctx *gin.Context) {
		ctx.String(http.StatusOK, ctx.GetString(ContextUsernameKey))
	})

	tok, err := utils.GenerateToken("secret", "admin", time.Hour)
	require.NoError(t, err)
	other, err := utils.GenerateToken("other", "admin", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, hit(r, "Bearer "+tok))
	assert.Equal(t, http.StatusUnauthorized, hit(r, ""))
	assert.Equal(t, http.StatusUnauthorized, hit(r, "Basic "+tok))
	assert.Equal(t, http.StatusUnauthorized, hit(r, "Bearer "+other))

	utils.RevokeToken(tok, time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusUnauthorized, hit(r, "Bearer "+tok))
}
