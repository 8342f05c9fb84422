package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Authentication(token))
	r.GET("/v1/runbooks", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestAuthentication(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{"disabled", "", "/v1/runbooks", "", http.StatusOK},
		{"missing header", "s3cret", "/v1/runbooks", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "/v1/runbooks", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "/v1/runbooks", "Basic s3cret", http.StatusUnauthorized},
		{"valid", "s3cret", "/v1/runbooks", "Bearer s3cret", http.StatusOK},
		{"metrics open", "s3cret", "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			newRouter(tt.token).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
