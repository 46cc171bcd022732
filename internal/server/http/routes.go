package httpserver

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"

	"jobcast/internal/gateway"
	"jobcast/pkg/logx"
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Gateway != nil {
		r.GET("/subscriptions", s.handleWS)
		r.GET("/events/:topic", s.handleSSE)
	}

	admin := r.Group("/admin", s.adminAuth())
	admin.GET("/queues", s.listQueues)
	admin.POST("/queues/:name/jobs", s.enqueue)
	admin.GET("/queues/:name/jobs", s.listJobs)
	admin.GET("/queues/:name/jobs/:id", s.getJob)
	admin.POST("/queues/:name/jobs/:id/retry", s.retryJob)
	admin.DELETE("/queues/:name/jobs/:id", s.removeJob)
	admin.POST("/queues/:name/pause", s.pauseQueue)
	admin.POST("/queues/:name/resume", s.resumeQueue)
	admin.POST("/cleanup", s.cleanup)
	admin.GET("/archive", s.listArchive)

	if s.cfg.Pprof {
		// pprof.Index resolves profiles relative to /debug/pprof/.
		dbg := r.Group("/debug/pprof", s.adminAuth())
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.POST("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:profile", func(c *gin.Context) { pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request) })
	}
	return r
}

const startKey = "jobcast.start"

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(startKey, start)
		c.Next()
		if !s.log.Enabled(logx.LevelDebug) {
			return
		}
		s.log.Debug("request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// adminAuth is open in development. In production it requires
// "Authorization: Bearer <admin token>".
func (s *Server) adminAuth() gin.HandlerFunc {
	if !s.cfg.Production {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(s.cfg.AdminToken)
	return func(c *gin.Context) {
		got := gateway.BearerToken(map[string]any{"authorization": c.GetHeader("Authorization")})
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="jobcast-admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	out := gin.H{}
	healthy := true
	if s.deps.Health != nil {
		roles := gin.H{}
		for role, err := range s.deps.Health.Ping(c.Request.Context()) {
			if err != nil {
				healthy = false
				roles[string(role)] = "unavailable"
				continue
			}
			roles[string(role)] = "ok"
		}
		out["broker"] = roles
	}
	if s.deps.Gateway != nil {
		out["connections"] = s.deps.Gateway.Connections()
	}
	if !healthy {
		out["status"] = "unavailable"
		out["error"] = msgUnavailable
		c.JSON(http.StatusServiceUnavailable, out)
		return
	}
	out["status"] = "ok"
	c.JSON(http.StatusOK, out)
}
