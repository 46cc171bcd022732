package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"jobcast/internal/broker"
	"jobcast/internal/events"
	"jobcast/internal/gateway"
	"jobcast/internal/jobs"
	"jobcast/internal/metrics"
	"jobcast/internal/queue"
	"jobcast/internal/storage"
	"jobcast/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeHealth map[broker.Role]error

func (f fakeHealth) Ping(context.Context) map[broker.Role]error { return f }

type fixture struct {
	ts  *httptest.Server
	reg *jobs.Registry
	pub *events.Publisher
}

type fixtureOpts struct {
	cfg     Config
	gwOpts  []gateway.Option
	archive storage.Store
	health  HealthChecker
}

func newFixture(t *testing.T, o fixtureOpts) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	qc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = sc.Close()
		_ = pc.Close()
		_ = qc.Close()
	})

	reg := jobs.NewRegistry(qc, logx.Nop())
	gw := gateway.New(sc, gateway.Config{}, append([]gateway.Option{gateway.WithLogger(logx.Nop())}, o.gwOpts...)...)
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("gateway Start: %v", err)
	}
	if o.health == nil {
		o.health = fakeHealth{broker.RoleQueue: nil, broker.RolePublish: nil, broker.RoleSubscribe: nil}
	}
	srv := New(o.cfg, Deps{
		Registry: reg,
		Health:   o.health,
		Gateway:  gw,
		Metrics:  metrics.New().Handler(),
		Archive:  o.archive,
		Log:      logx.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	// Runs before ts.Close so streaming handlers return.
	t.Cleanup(func() { _ = gw.Close() })
	return fixture{ts: ts, reg: reg, pub: events.NewPublisher(pc, logx.Nop())}
}

func (f fixture) do(t *testing.T, method, path, body string, hdr ...string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	b, _ := io.ReadAll(resp.Body)
	if len(b) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	code, body := f.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", code, body)
	}

	down := newFixture(t, fixtureOpts{health: fakeHealth{broker.RoleQueue: nil, broker.RolePublish: broker.ErrUnavailable}})
	code, body = down.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusServiceUnavailable || body["error"] != "service temporarily unavailable" {
		t.Fatalf("healthz = %d %v", code, body)
	}
	roles := body["broker"].(map[string]any)
	if roles["publish"] != "unavailable" || roles["queue"] != "ok" {
		t.Fatalf("roles = %v", roles)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "go_goroutines") {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestAdminGate(t *testing.T) {
	prod := newFixture(t, fixtureOpts{cfg: Config{Production: true, AdminToken: "s3cret"}})
	if code, _ := prod.do(t, http.MethodGet, "/admin/queues", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := prod.do(t, http.MethodGet, "/admin/queues", "", "Authorization", "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := prod.do(t, http.MethodGet, "/admin/queues", "", "Authorization", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("right token = %d", code)
	}

	dev := newFixture(t, fixtureOpts{})
	if code, _ := dev.do(t, http.MethodGet, "/admin/queues", ""); code != http.StatusOK {
		t.Fatalf("development = %d", code)
	}
}

func TestAdminJobLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	code, h := f.do(t, http.MethodPost, "/admin/queues/email-queue/jobs",
		`{"type":"SEND_WELCOME_EMAIL","to":"a@x.com","subject":"Welcome","template":"welcome"}`)
	if code != http.StatusCreated {
		t.Fatalf("enqueue = %d %v", code, h)
	}
	id := h["id"].(string)

	code, j := f.do(t, http.MethodGet, "/admin/queues/email-queue/jobs/"+id, "")
	if code != http.StatusOK || j["status"] != string(queue.StatusWaiting) {
		t.Fatalf("get = %d %v", code, j)
	}
	code, list := f.do(t, http.MethodGet, "/admin/queues/email-queue/jobs?status=waiting", "")
	if code != http.StatusOK || len(list["jobs"].([]any)) != 1 {
		t.Fatalf("list = %d %v", code, list)
	}
	if code, _ := f.do(t, http.MethodGet, "/admin/queues/email-queue/jobs?status=lost", ""); code != http.StatusBadRequest {
		t.Fatalf("bad status = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/admin/queues/email-queue/jobs/"+id+"/retry", ""); code != http.StatusConflict {
		t.Fatalf("retry of waiting job = %d", code)
	}

	if code, _ := f.do(t, http.MethodPost, "/admin/queues/email-queue/pause", ""); code != http.StatusOK {
		t.Fatalf("pause = %d", code)
	}
	_, stats := f.do(t, http.MethodGet, "/admin/queues", "")
	email := stats["queues"].(map[string]any)["email-queue"].(map[string]any)
	if email["paused"] != true {
		t.Fatalf("stats = %v", email)
	}
	if code, _ := f.do(t, http.MethodPost, "/admin/queues/email-queue/resume", ""); code != http.StatusOK {
		t.Fatalf("resume = %d", code)
	}

	if code, _ := f.do(t, http.MethodDelete, "/admin/queues/email-queue/jobs/"+id, ""); code != http.StatusOK {
		t.Fatalf("remove = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/admin/queues/email-queue/jobs/"+id, ""); code != http.StatusNotFound {
		t.Fatalf("get removed = %d", code)
	}
}

func TestAdminEnqueueErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cases := []struct {
		name, path, body string
		want             int
	}{
		{"invalid payload", "/admin/queues/email-queue/jobs", `{"type":"SEND_WELCOME_EMAIL","to":"nope"}`, http.StatusBadRequest},
		{"unknown type", "/admin/queues/user-processing-queue/jobs", `{"type":"DELETE_EVERYTHING","userId":"1"}`, http.StatusBadRequest},
		{"unknown queue", "/admin/queues/mystery-queue/jobs", `{}`, http.StatusNotFound},
		{"unknown queue on read", "/admin/queues/mystery-queue/jobs/1", ``, http.StatusNotFound},
	}
	for _, tc := range cases {
		method := http.MethodPost
		if tc.body == "" {
			method = http.MethodGet
		}
		if code, body := f.do(t, method, tc.path, tc.body); code != tc.want {
			t.Fatalf("%s: %d %v, want %d", tc.name, code, body, tc.want)
		}
	}
}

func TestAdminBrokerDownIs503(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	srv := New(Config{}, Deps{Registry: jobs.NewRegistry(rdb, logx.Nop()), Log: logx.Nop()})
	mr.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/queues/email-queue/jobs",
		strings.NewReader(`{"type":"SEND_WELCOME_EMAIL","to":"a@x.com","subject":"s","template":"t"}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "service temporarily unavailable") {
		t.Fatalf("enqueue = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminArchiveAndAudit(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "archive")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	_ = st.ArchiveFailure(ctx, storage.FailedJob{Queue: "email-queue", JobID: "1", Name: "SEND_WELCOME_EMAIL", Reason: "boom"})
	_ = st.ArchiveFailure(ctx, storage.FailedJob{Queue: "data-export-queue", JobID: "2", Name: "GENERATE_REPORT", Reason: "disk"})

	f := newFixture(t, fixtureOpts{archive: st})
	code, body := f.do(t, http.MethodGet, "/admin/archive?queue=email-queue", "")
	list, _ := body["failures"].([]any)
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("archive = %d %v", code, body)
	}

	if code, _ := f.do(t, http.MethodPost, "/admin/queues/data-export-queue/pause", ""); code != http.StatusOK {
		t.Fatalf("pause = %d", code)
	}
	b, err := os.ReadFile(filepath.Join(dir, "archive.audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(b), `"action":"pause"`) || !strings.Contains(string(b), `"queue":"data-export-queue"`) {
		t.Fatalf("audit = %s", b)
	}

	if code, body := f.do(t, http.MethodPost, "/admin/cleanup", ""); code != http.StatusOK || len(body["removed"].(map[string]any)) != 4 {
		t.Fatalf("cleanup = %d %v", code, body)
	}
}

// ---- WebSocket ----

func dialWS(t *testing.T, f fixture, hdr http.Header) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{wsSubprotocol}, HandshakeTimeout: 2 * time.Second}
	ws, resp, err := d.Dial("ws"+strings.TrimPrefix(f.ts.URL, "http")+"/subscriptions", hdr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if resp.Header.Get("Sec-Websocket-Protocol") != wsSubprotocol {
		t.Fatalf("subprotocol = %q", resp.Header.Get("Sec-Websocket-Protocol"))
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeMsg(t *testing.T, ws *websocket.Conn, m wsMessage) {
	t.Helper()
	if err := ws.WriteJSON(m); err != nil {
		t.Fatalf("write %s: %v", m.Type, err)
	}
}

func readMsg(t *testing.T, ws *websocket.Conn) wsMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m wsMessage
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func readClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("read: %v, want close frame", err)
	}
}

func initWS(t *testing.T, ws *websocket.Conn, payload string) {
	t.Helper()
	m := wsMessage{Type: msgConnectionInit}
	if payload != "" {
		m.Payload = json.RawMessage(payload)
	}
	writeMsg(t, ws, m)
	if got := readMsg(t, ws); got.Type != msgConnectionAck {
		t.Fatalf("got %+v, want connection_ack", got)
	}
}

// sync round-trips a ping; earlier frames have been handled once the pong
// arrives.
func syncWS(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	writeMsg(t, ws, wsMessage{Type: msgPing})
	if got := readMsg(t, ws); got.Type != msgPong {
		t.Fatalf("got %+v, want pong", got)
	}
}

func TestWebSocketUserDeleted(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ws := dialWS(t, f, nil)
	initWS(t, ws, "")
	writeMsg(t, ws, wsMessage{ID: "op-1", Type: msgSubscribe, Payload: json.RawMessage(`{"topic":"USER_DELETED"}`)})
	syncWS(t, ws)

	f.pub.PublishUserDeleted(context.Background(), "42", "a@x.com")

	m := readMsg(t, ws)
	if m.Type != msgNext || m.ID != "op-1" {
		t.Fatalf("got %+v", m)
	}
	var p struct {
		Data struct {
			UserDeleted struct {
				ID        string `json:"id"`
				Email     string `json:"email"`
				Timestamp string `json:"timestamp"`
			} `json:"userDeleted"`
		} `json:"data"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Data.UserDeleted.ID != "42" || p.Data.UserDeleted.Email != "a@x.com" {
		t.Fatalf("payload = %s", m.Payload)
	}
	if _, err := time.Parse(events.TimestampLayout, p.Data.UserDeleted.Timestamp); err != nil {
		t.Fatalf("timestamp: %v", err)
	}
}

func TestWebSocketFilterAndComplete(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ws := dialWS(t, f, nil)
	initWS(t, ws, "")
	writeMsg(t, ws, wsMessage{ID: "a", Type: msgSubscribe, Payload: json.RawMessage(`{"topic":"USER_UPDATED","filter":{"userId":"7"}}`)})
	writeMsg(t, ws, wsMessage{ID: "b", Type: msgSubscribe, Payload: json.RawMessage(`{"topic":"USER_CREATED","filter":{"userId":"7"}}`)})

	m := readMsg(t, ws)
	if m.Type != msgError || m.ID != "b" {
		t.Fatalf("userId on USER_CREATED: got %+v", m)
	}
	syncWS(t, ws)

	ctx := context.Background()
	f.pub.PublishUserUpdated(ctx, events.User{ID: "8"}, nil)
	f.pub.PublishUserUpdated(ctx, events.User{ID: "7", Name: "Ann"}, nil)
	m = readMsg(t, ws)
	if m.ID != "a" || !strings.Contains(string(m.Payload), `"id":"7"`) {
		t.Fatalf("got %+v", m)
	}

	writeMsg(t, ws, wsMessage{ID: "a", Type: msgComplete})
	syncWS(t, ws)
	f.pub.PublishUserUpdated(ctx, events.User{ID: "7"}, nil)
	// A next frame for "a" arriving here fails the exchange.
	syncWS(t, ws)
}

func TestWebSocketProtocolErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	ws := dialWS(t, f, nil)
	writeMsg(t, ws, wsMessage{ID: "1", Type: msgSubscribe, Payload: json.RawMessage(`{"topic":"USER_CREATED"}`)})
	if code := readClose(t, ws); code != closeUnauthorized {
		t.Fatalf("subscribe before init: close %d", code)
	}

	ws = dialWS(t, f, nil)
	initWS(t, ws, "")
	writeMsg(t, ws, wsMessage{Type: msgConnectionInit})
	if code := readClose(t, ws); code != closeTooManyInit {
		t.Fatalf("second init: close %d", code)
	}

	ws = dialWS(t, f, nil)
	initWS(t, ws, "")
	writeMsg(t, ws, wsMessage{ID: "x", Type: msgSubscribe, Payload: json.RawMessage(`{"topic":"USER_ONLINE"}`)})
	writeMsg(t, ws, wsMessage{ID: "x", Type: msgSubscribe, Payload: json.RawMessage(`{"topic":"USER_ONLINE"}`)})
	if code := readClose(t, ws); code != closeDuplicateOp {
		t.Fatalf("duplicate id: close %d", code)
	}
}

func TestWebSocketAuth(t *testing.T) {
	f := newFixture(t, fixtureOpts{gwOpts: []gateway.Option{gateway.WithVerifier(gateway.StaticTokens{"good": "admin"})}})

	ws := dialWS(t, f, nil)
	writeMsg(t, ws, wsMessage{Type: msgConnectionInit, Payload: json.RawMessage(`{"authToken":"bad"}`)})
	if code := readClose(t, ws); code != closeForbidden {
		t.Fatalf("bad token: close %d", code)
	}

	ws = dialWS(t, f, http.Header{"Authorization": []string{"Bearer good"}})
	initWS(t, ws, "")

	ws = dialWS(t, f, nil)
	initWS(t, ws, "")
}

func TestWebSocketGatewayClose(t *testing.T) {
	mr := miniredis.RunT(t)
	sc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = sc.Close() })
	gw := gateway.New(sc, gateway.Config{}, gateway.WithLogger(logx.Nop()))
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts := httptest.NewServer(New(Config{}, Deps{Gateway: gw, Log: logx.Nop()}).Handler())
	t.Cleanup(ts.Close)

	ws := dialWS(t, fixture{ts: ts}, nil)
	initWS(t, ws, "")
	_ = gw.Close()
	if code := readClose(t, ws); code != websocket.CloseGoingAway {
		t.Fatalf("gateway close: close %d", code)
	}
}

// ---- SSE ----

func TestSSEStreamsFilteredTopic(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/events/USER_UPDATED?userId=7", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status %d, type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	// Headers are flushed after the subscription exists.
	f.pub.PublishUserUpdated(ctx, events.User{ID: "8"}, nil)
	f.pub.PublishUserUpdated(ctx, events.User{ID: "7", Name: "Ann"}, nil)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var event string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line := <-lines:
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				env, err := events.Decode(events.UserUpdated, []byte(data))
				if err != nil {
					t.Fatalf("decode %s: %v", data, err)
				}
				if event != string(events.UserUpdated) || env.Payload.SubjectID() != "7" {
					t.Fatalf("event %q, subject %q", event, env.Payload.SubjectID())
				}
				return
			}
		case <-deadline:
			t.Fatalf("no event received")
		}
	}
}

func TestSSERejects(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	if code, _ := f.do(t, http.MethodGet, "/events/USER_EXPLODED", ""); code != http.StatusBadRequest {
		t.Fatalf("bad topic = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/events/USER_CREATED?userId=1", ""); code != http.StatusBadRequest {
		t.Fatalf("userId on USER_CREATED = %d", code)
	}

	auth := newFixture(t, fixtureOpts{gwOpts: []gateway.Option{gateway.WithVerifier(gateway.StaticTokens{"good": "u"})}})
	if code, _ := auth.do(t, http.MethodGet, "/events/USER_CREATED?token=bad", ""); code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", code)
	}
}
