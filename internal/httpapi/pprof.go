package httpapi

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"

	rtsup "imgateway/internal/runtime/supervisor"
)

// mountPprof exposes net/http/pprof under /debug/pprof/ and, when runtime is
// set, supervisor snapshots at /debug/runtime. With a token set, callers must
// send it as a Bearer header or ?token= query parameter.
func mountPprof(r *gin.Engine, token string, runtime func() map[string]rtsup.Snapshot) {
	auth := pprofAuth(strings.TrimSpace(token))
	if runtime != nil {
		r.GET("/debug/runtime", auth, func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"supervisors": runtime()})
		})
	}
	g := r.Group("/debug/pprof", auth)
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		g.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
}

func pprofAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
