package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fox-gonic/fox"
	"github.com/stretchr/testify/assert"
)

func TestRequestLogPassesThrough(t *testing.T) {
	r := fox.New()
	r.Use(RequestLog)
	r.GET("/ping", func(c *fox.Context) {
		c.JSON(http.StatusTeapot, map[string]string{"pong": "yes"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}
