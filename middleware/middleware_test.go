package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "ops-secret"

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "middleware-test")
	_ = logger.Initialise(logger.Configuration{
		Directory: dir,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	})
	gin.SetMode(gin.TestMode)
	code := m.Run()
	logger.Finalise()
	os.RemoveAll(dir)
	os.Exit(code)
}

func guardedRouter(t *testing.T, apiKey string) *gin.Engine {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.MinCost)
	require.NoError(t, err)

	r := gin.New()
	r.POST("/ops", OpsAuth(testSecret, string(hash), logger.New("testing")), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": c.GetString("operator")})
	})
	return r
}

func do(r http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ops", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOpsAuthBearerToken(t *testing.T) {
	r := guardedRouter(t, "key")

	token, err := IssueOperatorToken("alice", testSecret, time.Hour)
	require.NoError(t, err)

	w := do(r, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")

	w = do(r, "Authorization", token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := IssueOperatorToken("mallory", "wrong-secret", time.Hour)
	require.NoError(t, err)
	w = do(r, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"unauthorized"`)
}

func TestOpsAuthExpiredToken(t *testing.T) {
	r := guardedRouter(t, "key")

	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	w := do(r, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOpsAuthAPIKey(t *testing.T) {
	r := guardedRouter(t, "s3cret-key")

	assert.Equal(t, http.StatusOK, do(r, "X-API-Key", "s3cret-key").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "X-API-Key", "guess").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "", "").Code)
}

func TestOpsAuthWithoutSecret(t *testing.T) {
	_, err := ValidateOperatorToken("anything", "")
	assert.Error(t, err)

	_, err = IssueOperatorToken("alice", "", time.Hour)
	assert.Error(t, err)
}

func TestClientRateLimiter(t *testing.T) {
	rl := NewClientRateLimiter(2)
	r := gin.New()
	r.POST("/ops", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, do(r, "", "").Code)
	assert.Equal(t, http.StatusNoContent, do(r, "", "").Code)

	w := do(r, "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// budgets are per client
	allowed, _ := rl.Allow("10.0.0.9")
	assert.True(t, allowed)
}
