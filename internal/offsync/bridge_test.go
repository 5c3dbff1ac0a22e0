package offsync

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"
)

func dialControl(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/control"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestTokenNoContextReturnsImmediately(t *testing.T) {
	b := newBridge(5 * time.Second)

	start := time.Now()
	token, err := b.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
	if time.Since(start) > time.Second {
		t.Error("Token waited despite zero attached contexts")
	}
}

func TestTokenExchange(t *testing.T) {
	svc := newTestService(t, testConfig(t, unreachableOrigin(t)))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	conn := dialControl(t, srv)
	go func() {
		for {
			var msg controlMessage
			if err := websocket.JSON.Receive(conn, &msg); err != nil {
				return
			}
			if msg.Type == msgGetToken {
				_ = websocket.JSON.Send(conn, controlMessage{
					Type: msgToken, ID: msg.ID, Token: "opaque-token-1",
				})
			}
		}
	}()

	waitForAttached(t, svc, 1)

	token, err := svc.bridge.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "opaque-token-1" {
		t.Errorf("token = %q", token)
	}
}

func TestTokenExchangeTimesOut(t *testing.T) {
	svc := newTestService(t, testConfig(t, unreachableOrigin(t)))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	// Attached but silent: never answers GET_TOKEN.
	dialControl(t, srv)
	waitForAttached(t, svc, 1)

	_, err := svc.bridge.Token(context.Background())
	if err != ErrNoContext {
		t.Fatalf("err = %v, want ErrNoContext", err)
	}
}

func TestSilentContextPostponesDrain(t *testing.T) {
	rec := &recordingOrigin{}
	origin := httptest.NewServer(rec.handler())
	defer origin.Close()

	svc := newTestService(t, testConfig(t, origin.URL))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	dialControl(t, srv)
	waitForAttached(t, svc, 1)

	ctx := context.Background()
	if _, err := svc.queue.Enqueue(ctx, "/api/v1/a", "POST", nil); err != nil {
		t.Fatal(err)
	}
	svc.drainOnce(ctx)

	if got := rec.seen(); len(got) != 0 {
		t.Fatalf("entries replayed without a token answer: %v", got)
	}
	if n, _ := svc.queue.Len(ctx); n != 1 {
		t.Fatalf("queue len = %d, want the postponed entry retained", n)
	}
}

func TestExpiredJWTTreatedAsAbsent(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if !tokenExpired(signed) {
		t.Error("expired JWT not detected")
	}

	valid := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signedValid, err := valid.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if tokenExpired(signedValid) {
		t.Error("valid JWT reported expired")
	}

	// Opaque tokens are the backend's problem, not ours.
	if tokenExpired("opaque-session-token") {
		t.Error("opaque token reported expired")
	}
}

func TestControlMessagesDispatch(t *testing.T) {
	svc := newTestService(t, testConfig(t, unreachableOrigin(t)))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	if err := svc.store.Put("data-v1", "GET", "/x", testResponse("x")); err != nil {
		t.Fatal(err)
	}

	conn := dialControl(t, srv)
	waitForAttached(t, svc, 1)

	if err := websocket.JSON.Send(conn, controlMessage{Type: msgClearCache}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		gens, err := svc.store.Generations()
		if err != nil {
			t.Fatal(err)
		}
		if len(gens) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("CLEAR_CACHE never applied, generations = %v", gens)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotificationClickRouting(t *testing.T) {
	svc := newTestService(t, testConfig(t, unreachableOrigin(t)))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	conn := dialControl(t, srv)
	waitForAttached(t, svc, 1)

	// No window in scope: engine answers OPEN with the target URL.
	if err := websocket.JSON.Send(conn, controlMessage{
		Type: msgNotifyClick, URL: "/monitoring/42", Focused: false,
	}); err != nil {
		t.Fatal(err)
	}
	var reply controlMessage
	if err := websocket.JSON.Receive(conn, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != msgOpen || reply.URL != "/monitoring/42" {
		t.Fatalf("reply = %+v, want OPEN /monitoring/42", reply)
	}

	// Window already in scope: engine answers FOCUS.
	if err := websocket.JSON.Send(conn, controlMessage{
		Type: msgNotifyClick, URL: "/monitoring/42", Focused: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := websocket.JSON.Receive(conn, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != msgFocus {
		t.Fatalf("reply = %+v, want FOCUS", reply)
	}
}

func TestPushBroadcast(t *testing.T) {
	svc := newTestService(t, testConfig(t, unreachableOrigin(t)))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	conn := dialControl(t, srv)
	waitForAttached(t, svc, 1)

	resp, err := srv.Client().Post(srv.URL+"/push", "application/json",
		strings.NewReader(`{"body":"QC batch ready","data":{"url":"/batches/7"},"actions":[{"action":"view","title":"View"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Fatalf("push status = %d, want 204", resp.StatusCode)
	}

	var msg controlMessage
	if err := websocket.JSON.Receive(conn, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != msgNotify {
		t.Fatalf("got %q, want NOTIFY", msg.Type)
	}
	if msg.Title == "" {
		t.Error("default title not applied")
	}
	if msg.Body != "QC batch ready" || msg.URL != "/batches/7" {
		t.Errorf("payload = %+v", msg)
	}
	if len(msg.Actions) != 1 || msg.Actions[0].Action != "view" {
		t.Errorf("actions = %+v", msg.Actions)
	}
}

func waitForAttached(t *testing.T, svc *Service, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for svc.bridge.Attached() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d contexts attached, want %d", svc.bridge.Attached(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
