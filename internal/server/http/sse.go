package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"jobcast/internal/events"
	"jobcast/internal/gateway"
	"jobcast/pkg/logx"
)

// handleSSE streams one topic as Server-Sent Events. EventSource cannot set
// headers, so ?token= is accepted besides Authorization.
func (s *Server) handleSSE(c *gin.Context) {
	topic, err := events.ParseTopic(c.Param("topic"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()

	params := map[string]any{}
	if h := c.GetHeader("Authorization"); h != "" {
		params["authorization"] = h
	}
	if tok := c.Query("token"); tok != "" {
		params["token"] = tok
	}
	conn, err := s.deps.Gateway.Connect(ctx, "sse", params)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer conn.Close()

	sub, err := conn.Subscribe(ctx, "sse", topic, gateway.Filter{UserID: c.Query("userId"), Expr: c.Query("expr")})
	if err != nil {
		s.fail(c, err)
		return
	}
	defer sub.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	log := s.log.With(logx.String("transport", "sse"), logx.String("conn_id", conn.ID()))
	for {
		wait, cancel := context.WithTimeout(ctx, s.cfg.KeepAlive)
		env, err := sub.Next(wait)
		cancel()
		switch {
		case err == nil:
			c.SSEvent(string(env.Topic), env)
			c.Writer.Flush()
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, werr := io.WriteString(c.Writer, ": keep-alive\n\n"); werr != nil {
				return
			}
			c.Writer.Flush()
		case ctx.Err() != nil, errors.Is(err, gateway.ErrSubscriptionClosed):
			return
		default:
			log.Debug("sse stream ended", logx.Err(err))
			c.SSEvent("error", gin.H{"message": err.Error()})
			c.Writer.Flush()
			return
		}
	}
}
