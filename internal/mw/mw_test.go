package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestResponseCache(t *testing.T) {
	rc := NewResponseCache(time.Minute)
	calls := 0
	r := gin.New()
	r.GET("/units/:serial", rc.Handler(), func(c *gin.Context) {
		calls++
		if c.Param("serial") == "missing" {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"serial": c.Param("serial"), "calls": calls})
	})

	first := serve(r, http.MethodGet, "/units/SV-1")
	assert.Equal(t, "MISS", first.Header().Get(CacheHeader))
	second := serve(r, http.MethodGet, "/units/SV-1")
	assert.Equal(t, "HIT", second.Header().Get(CacheHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", second.Header().Get("Content-Type"))
	assert.Equal(t, 1, calls)

	rc.Evict("/units/SV-1")
	third := serve(r, http.MethodGet, "/units/SV-1")
	assert.Equal(t, "MISS", third.Header().Get(CacheHeader))
	assert.Equal(t, 2, calls)

	serve(r, http.MethodGet, "/units/missing")
	serve(r, http.MethodGet, "/units/missing")
	assert.Equal(t, 4, calls, "errors are not cached")
}

func TestResponseCache_Disabled(t *testing.T) {
	rc := NewResponseCache(0)
	calls := 0
	r := gin.New()
	r.GET("/x", rc.Handler(), func(c *gin.Context) {
		calls++
		c.String(http.StatusOK, "ok")
	})

	serve(r, http.MethodGet, "/x")
	w := serve(r, http.MethodGet, "/x")
	assert.Equal(t, 2, calls)
	assert.Empty(t, w.Header().Get(CacheHeader))
	rc.Evict("/x")
}

func TestRateLimiter(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(rate.Limit(1), 2))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x").Code)
	w := serve(r, http.MethodGet, "/x")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
}

func TestIPRateLimiter_ReusesLimiter(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1)
	a := l.GetLimiter("10.0.0.1")
	assert.Same(t, a, l.GetLimiter("10.0.0.1"))
	assert.NotSame(t, a, l.GetLimiter("10.0.0.2"))
}
