package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"jobcast/internal/events"
	"jobcast/internal/gateway"
	"jobcast/pkg/logx"
)

// Frames follow the graphql-transport-ws protocol closely enough for its
// client libraries: the operation payload is {topic, filter} instead of a
// GraphQL document.
const wsSubprotocol = "graphql-transport-ws"

const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Close codes from graphql-transport-ws.
const (
	closeBadRequest   = 4400
	closeUnauthorized = 4401
	closeForbidden    = 4403
	closeInitTimeout  = 4408
	closeDuplicateOp  = 4409
	closeTooManyInit  = 4429
)

const wsReadLimit = 64 << 10

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Topic  string         `json:"topic"`
	Filter gateway.Filter `json:"filter"`
}

type wsError struct {
	Message string `json:"message"`
}

type wsSession struct {
	s    *Server
	ws   *websocket.Conn
	log  logx.Logger
	wmu  sync.Mutex
	conn *gateway.Connection
	init atomic.Bool
	wg   sync.WaitGroup
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	sess := &wsSession{s: s, ws: ws, log: s.log.With(logx.String("transport", "ws"))}
	params := map[string]any{}
	if h := c.GetHeader("Authorization"); h != "" {
		params["authorization"] = h
	}
	sess.run(c.Request.Context(), params)
}

func (w *wsSession) run(ctx context.Context, headerParams map[string]any) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.ws.Close()
	w.ws.SetReadLimit(wsReadLimit)

	initTimer := time.AfterFunc(w.s.cfg.InitTimeout, func() {
		if !w.init.Load() {
			w.closeWith(closeInitTimeout, "Connection initialisation timeout")
		}
	})
	defer initTimer.Stop()

	defer func() {
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.wg.Wait()
	}()

	for {
		var msg wsMessage
		if err := w.ws.ReadJSON(&msg); err != nil {
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				w.closeWith(closeBadRequest, "Invalid message received")
			}
			return
		}
		switch msg.Type {
		case msgConnectionInit:
			if !w.init.CompareAndSwap(false, true) {
				w.closeWith(closeTooManyInit, "Too many initialisation requests")
				return
			}
			if !w.connect(ctx, msg.Payload, headerParams) {
				return
			}
		case msgPing:
			w.send(wsMessage{Type: msgPong})
		case msgPong:
		case msgSubscribe:
			if w.conn == nil {
				w.closeWith(closeUnauthorized, "Unauthorized")
				return
			}
			if !w.subscribe(ctx, msg) {
				return
			}
		case msgComplete:
			if w.conn != nil {
				w.conn.Unsubscribe(msg.ID)
			}
		default:
			w.closeWith(closeBadRequest, "Invalid message received")
			return
		}
	}
}

func (w *wsSession) connect(ctx context.Context, raw json.RawMessage, headerParams map[string]any) bool {
	params := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &params); err != nil {
			w.closeWith(closeBadRequest, "Invalid connection_init payload")
			return false
		}
	}
	for k, v := range headerParams {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	conn, err := w.s.deps.Gateway.Connect(ctx, "ws", params)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			w.closeWith(closeForbidden, "Forbidden")
		} else {
			w.log.Warn("ws connect failed", logx.Err(err))
			w.closeWith(websocket.CloseTryAgainLater, "service temporarily unavailable")
		}
		return false
	}
	w.conn = conn
	w.log = w.log.With(logx.String("conn_id", conn.ID()))
	w.send(wsMessage{Type: msgConnectionAck})

	// A gateway shutdown or Disconnect ends the socket too.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-ctx.Done():
		case <-conn.Done():
			w.closeWith(websocket.CloseGoingAway, "connection closed")
		}
	}()
	return true
}

// subscribe returns false when the socket must be closed.
func (w *wsSession) subscribe(ctx context.Context, msg wsMessage) bool {
	if msg.ID == "" {
		w.closeWith(closeBadRequest, "Subscribe message requires an id")
		return false
	}
	var p subscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		w.sendError(msg.ID, "invalid subscribe payload")
		return true
	}
	topic, err := events.ParseTopic(p.Topic)
	if err != nil {
		w.sendError(msg.ID, err.Error())
		return true
	}
	sub, err := w.conn.Subscribe(ctx, msg.ID, topic, p.Filter)
	if err != nil {
		if errors.Is(err, gateway.ErrDuplicateOperation) {
			w.closeWith(closeDuplicateOp, "Subscriber for "+msg.ID+" already exists")
			return false
		}
		w.sendError(msg.ID, err.Error())
		return true
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.forward(ctx, sub)
	}()
	return true
}

type nextPayload struct {
	Data events.Envelope `json:"data"`
}

func (w *wsSession) forward(ctx context.Context, sub *gateway.Subscription) {
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, gateway.ErrSubscriptionClosed),
				errors.Is(err, gateway.ErrConnectionClosed),
				errors.Is(err, gateway.ErrGatewayClosed),
				errors.Is(err, context.Canceled):
				// Client completed, or the socket is going away.
			default:
				w.sendError(sub.ID(), err.Error())
			}
			return
		}
		b, err := json.Marshal(nextPayload{Data: env})
		if err != nil {
			w.log.Warn("envelope encode failed", logx.String("topic", string(env.Topic)), logx.Err(err))
			continue
		}
		if !w.send(wsMessage{ID: sub.ID(), Type: msgNext, Payload: b}) {
			sub.Close()
			return
		}
	}
}

func (w *wsSession) sendError(id, message string) {
	b, _ := json.Marshal([]wsError{{Message: message}})
	w.send(wsMessage{ID: id, Type: msgError, Payload: b})
}

func (w *wsSession) send(m wsMessage) bool {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := w.ws.WriteJSON(m); err != nil {
		w.log.Debug("ws write failed", logx.Err(err))
		return false
	}
	return true
}

// closeWith sends a close frame and closes the socket, which unblocks the
// read loop.
func (w *wsSession) closeWith(code int, reason string) {
	w.wmu.Lock()
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	w.wmu.Unlock()
	_ = w.ws.Close()
}
