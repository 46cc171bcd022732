package gateway

import "errors"

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrGatewayClosed        = errors.New("gateway closed")
	ErrGatewayNotStarted    = errors.New("gateway not started")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrSubscriptionClosed   = errors.New("subscription closed")
	ErrSlowSubscriber       = errors.New("subscriber too slow, events dropped")
	ErrTooManySubscriptions = errors.New("too many subscriptions")
	ErrRateLimited          = errors.New("subscribe rate exceeded")
	ErrDuplicateOperation   = errors.New("operation id already in use")
	ErrInvalidFilter        = errors.New("invalid filter")
)
