package gateway

import (
	"runtime/debug"
	"time"

	"jobcast/internal/events"
	"jobcast/pkg/logx"
)

// ConnInfo is the read-only view of a connection handed to hooks.
type ConnInfo struct {
	ID        string
	Auth      AuthResult
	Transport string
	Opened    time.Time
}

// OperationInfo describes one subscribe operation.
type OperationInfo struct {
	ID     string
	Topic  events.Topic
	Filter Filter
}

// Hooks observe the connection lifecycle. They cannot influence delivery:
// panics are recovered and nothing they do is read back.
type Hooks struct {
	OnConnect           func(ConnInfo)
	OnDisconnect        func(ConnInfo, error)
	OnOperationStart    func(ConnInfo, OperationInfo)
	OnOperationComplete func(ConnInfo, OperationInfo, error)
}

// LogHooks logs every hook point.
func LogHooks(log logx.Logger) Hooks {
	return Hooks{
		OnConnect: func(c ConnInfo) {
			log.Info("client connected",
				logx.String("conn_id", c.ID),
				logx.String("transport", c.Transport),
				logx.Bool("authenticated", c.Auth.Authenticated),
				logx.Bool("verified", c.Auth.Verified),
			)
		},
		OnDisconnect: func(c ConnInfo, reason error) {
			log.Info("client disconnected",
				logx.String("conn_id", c.ID),
				logx.Duration("uptime", time.Since(c.Opened)),
				logx.Any("reason", errString(reason)),
			)
		},
		OnOperationStart: func(c ConnInfo, op OperationInfo) {
			log.Debug("subscription started",
				logx.String("conn_id", c.ID),
				logx.String("op_id", op.ID),
				logx.String("topic", string(op.Topic)),
			)
		},
		OnOperationComplete: func(c ConnInfo, op OperationInfo, err error) {
			log.Debug("subscription completed",
				logx.String("conn_id", c.ID),
				logx.String("op_id", op.ID),
				logx.String("topic", string(op.Topic)),
				logx.Any("reason", errString(err)),
			)
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// observe runs a hook, swallowing panics after logging them.
func observe(log logx.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("gateway hook panicked", logx.String("hook", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}
