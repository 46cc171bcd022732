package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"jobcast/internal/broker"
	"jobcast/internal/gateway"
	"jobcast/internal/jobs"
	"jobcast/internal/queue"
	"jobcast/pkg/logx"
)

const msgUnavailable = "service temporarily unavailable"

// statusFor maps domain errors onto HTTP statuses. The message of a 5xx is
// never the raw error.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrUnavailable):
		return http.StatusServiceUnavailable, msgUnavailable
	case errors.Is(err, jobs.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, jobs.ErrUnknownQueue), errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, queue.ErrJobActive), errors.Is(err, queue.ErrNotFailed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, gateway.ErrInvalidFilter):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, gateway.ErrRateLimited), errors.Is(err, gateway.ErrTooManySubscriptions):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, gateway.ErrGatewayClosed), errors.Is(err, gateway.ErrGatewayNotStarted):
		return http.StatusServiceUnavailable, msgUnavailable
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code, msg := statusFor(err)
	if code >= 500 {
		s.log.Warn("request failed", logx.String("path", c.FullPath()), logx.Int("status", code), logx.Err(err))
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
