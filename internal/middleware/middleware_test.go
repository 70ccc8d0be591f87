package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBasicAuth_PlainPassword(t *testing.T) {
	auth, err := BasicAuth("user", "secret", "")
	require.NoError(t, err)
	r := newRouter(auth)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("user", "secret")
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("user", "wrong")
	w := serve(r, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
	assert.JSONEq(t, `{"detail":"Incorrect username or password"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestBasicAuth_Hash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed"), bcrypt.MinCost)
	require.NoError(t, err)

	auth, err := BasicAuth("user", "", string(hash))
	require.NoError(t, err)
	r := newRouter(auth)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("user", "hashed")
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("other", "hashed")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestBasicAuth_BadHash(t *testing.T) {
	_, err := BasicAuth("user", "", "not-a-hash")
	assert.Error(t, err)
}

func TestBasicAuth_Disabled(t *testing.T) {
	auth, err := BasicAuth("", "", "")
	require.NoError(t, err)
	r := newRouter(auth)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAdminAuth(t *testing.T) {
	r := newRouter(AdminAuth("topsecret"))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Token abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.MapClaims{"role": "admin"}), http.StatusUnauthorized},
		{"not admin", "Bearer " + signToken(t, "topsecret", jwt.MapClaims{"role": "student"}), http.StatusForbidden},
		{"admin", "Bearer " + signToken(t, "topsecret", jwt.MapClaims{"role": "admin", "sub": "tenant1"}), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, serve(r, req).Code)
		})
	}
}

func TestCORS(t *testing.T) {
	r := newRouter(CORS([]string{"https://machinelearningforkids.co.uk"}))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://machinelearningforkids.co.uk")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://machinelearningforkids.co.uk", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	w = serve(r, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://machinelearningforkids.co.uk")
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestRequestLogger_AssignsID(t *testing.T) {
	r := newRouter(RequestLogger())

	w := serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = serve(r, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestNewAdminToken(t *testing.T) {
	r := newRouter(AdminAuth("topsecret"))

	token, expiresAt, err := NewAdminToken("topsecret", "ops", time.Hour)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	expired, _, err := NewAdminToken("topsecret", "ops", -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	_, _, err = NewAdminToken("", "ops", time.Hour)
	assert.Error(t, err)
}
